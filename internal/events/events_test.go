package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestNewUserCreationRequested(t *testing.T) {
	evt := NewUserCreationRequested("alice")

	if evt.MessageID == uuid.Nil {
		t.Fatal("expected a fresh message id")
	}
	if evt.SourceService != SourceIdentityService {
		t.Fatalf("expected source %q, got %q", SourceIdentityService, evt.SourceService)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("freshly built request should validate: %v", err)
	}

	other := NewUserCreationRequested("alice")
	if other.MessageID == evt.MessageID {
		t.Fatal("message ids must be unique per publish, not per logical request")
	}
}

func TestNewUserCreationCompleted_CorrelatesToRequest(t *testing.T) {
	req := NewUserCreationRequested("alice")
	completion := NewUserCreationCompleted(req.MessageID, req.Username, StatusSuccess)

	if completion.RequestID != req.MessageID {
		t.Fatalf("request_id must equal the request's message_id, got %s", completion.RequestID)
	}
	if completion.MessageID == req.MessageID {
		t.Fatal("completion must carry its own message id, not the request's")
	}
	if completion.SourceService != SourceProvisioningService {
		t.Fatalf("expected source %q, got %q", SourceProvisioningService, completion.SourceService)
	}
}

func TestUserCreationRequested_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*UserCreationRequested)
		wantErr bool
	}{
		{name: "valid envelope", mutate: func(*UserCreationRequested) {}},
		{
			name:    "missing message id",
			mutate:  func(e *UserCreationRequested) { e.MessageID = uuid.Nil },
			wantErr: true,
		},
		{
			name:    "missing username",
			mutate:  func(e *UserCreationRequested) { e.Username = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := NewUserCreationRequested("alice")
			tt.mutate(&evt)
			err := evt.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestUserCreationCompleted_OmitsEmptyOptionalFields(t *testing.T) {
	completion := NewUserCreationCompleted(uuid.New(), "alice", StatusDuplicateUsername)
	completion.ErrorMessage = "username already exists"

	body, err := json.Marshal(completion)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := decoded["canonical_user_id"]; ok {
		t.Fatal("canonical_user_id must be absent on a failed completion")
	}
	if _, ok := decoded["processing_time_ms"]; ok {
		t.Fatal("processing_time_ms must be absent when not measured")
	}
	if decoded["status"] != string(StatusDuplicateUsername) {
		t.Fatalf("expected status %q on the wire, got %v", StatusDuplicateUsername, decoded["status"])
	}
}
