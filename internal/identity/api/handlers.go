package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"provisio/internal/events"
	"provisio/internal/identity/store"
	"provisio/pkg/rabbitmq"
)

// IdentityHandler handles identity record creation and listing. Creating a
// record also kicks off the provisioning saga by publishing a
// UserCreationRequested event.
type IdentityHandler struct {
	repo      store.IdentityRepository
	publisher rabbitmq.Publisher
}

func NewIdentityHandler(repo store.IdentityRepository, publisher rabbitmq.Publisher) *IdentityHandler {
	return &IdentityHandler{repo: repo, publisher: publisher}
}

// CreateIdentityRequest is the inbound payload for HandleCreate.
type CreateIdentityRequest struct {
	Username string `json:"username"`
}

// HandleCreate creates the local identity record and requests provisioning.
// The two steps fail independently: a publish failure is logged but does not
// fail the response, because the local record is already durable and the
// canonical id can only ever arrive asynchronously anyway.
func (h *IdentityHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	record, err := h.repo.CreateIdentity(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			http.Error(w, "Conflict: username already exists", http.StatusConflict)
			return
		}
		log.Printf("Error creating identity record: %v", err)
		http.Error(w, "Internal server error: could not create identity record", http.StatusInternalServerError)
		return
	}

	event := events.NewUserCreationRequested(record.Username)
	if err := h.publisher.Publish(r.Context(), rabbitmq.QueueCreationRequests, event); err != nil {
		// The record exists but provisioning was never requested. Eventual
		// consistency over blocking the write path: respond with success and
		// leave the record unprovisioned.
		log.Printf("CRITICAL: Failed to publish creation request for %q (message_id=%s): %v",
			record.Username, event.MessageID, err)
	} else {
		log.Printf("Requested provisioning for %q (message_id=%s)", record.Username, event.MessageID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// HandleList returns every identity record.
func (h *IdentityHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records, err := h.repo.ListIdentities(r.Context())
	if err != nil {
		log.Printf("Error listing identity records: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(records)
}
