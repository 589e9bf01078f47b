/**
 * @description
 * This package defines the message envelopes exchanged between the
 * identity-service and the provisioning-service over RabbitMQ. Every message
 * carries its own message_id, distinct from the broker-level message id the
 * publisher stamps on the AMQP frame. A completion answers a request through
 * request_id, which always equals the message_id of the request it replies to.
 *
 * @dependencies
 * - github.com/google/uuid: For message and correlation identifiers.
 */
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Source service names stamped on every envelope.
const (
	SourceIdentityService     = "identity-service"
	SourceProvisioningService = "provisioning-service"
)

// CreationStatus is the outcome of processing a user creation request.
type CreationStatus string

const (
	StatusSuccess           CreationStatus = "success"
	StatusDuplicateUsername CreationStatus = "duplicate_username"
	StatusDuplicateEmail    CreationStatus = "duplicate_email"
	StatusDatabaseError     CreationStatus = "database_error"
	StatusValidationError   CreationStatus = "validation_error"
	StatusTimeout           CreationStatus = "timeout"
	StatusUnknownError      CreationStatus = "unknown_error"
)

// UserCreationRequested asks the provisioning-service to create a canonical user.
type UserCreationRequested struct {
	MessageID     uuid.UUID `json:"message_id"`
	Timestamp     time.Time `json:"timestamp"`
	SourceService string    `json:"source_service"`
	Username      string    `json:"username"`
	RetryCount    int       `json:"retry_count"`
}

// NewUserCreationRequested builds a request envelope with a fresh message id.
func NewUserCreationRequested(username string) UserCreationRequested {
	return UserCreationRequested{
		MessageID:     uuid.New(),
		Timestamp:     time.Now().UTC(),
		SourceService: SourceIdentityService,
		Username:      username,
	}
}

// Validate reports whether the decoded envelope is usable. A failure here is
// terminal: the message is logged and dropped, never retried.
func (e UserCreationRequested) Validate() error {
	if e.MessageID == uuid.Nil {
		return errors.New("user creation request is missing message_id")
	}
	if e.Username == "" {
		return errors.New("user creation request is missing username")
	}
	return nil
}

// UserCreationCompleted reports the outcome of a creation request back to the
// identity-service. CanonicalUserID is set only when Status is success.
type UserCreationCompleted struct {
	MessageID        uuid.UUID      `json:"message_id"`
	RequestID        uuid.UUID      `json:"request_id"`
	Timestamp        time.Time      `json:"timestamp"`
	Status           CreationStatus `json:"status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Username         string         `json:"username"`
	CanonicalUserID  string         `json:"canonical_user_id,omitempty"`
	SourceService    string         `json:"source_service"`
	ProcessingTimeMs float64        `json:"processing_time_ms,omitempty"`
}

// NewUserCreationCompleted builds a completion envelope correlated to the
// request it answers.
func NewUserCreationCompleted(requestID uuid.UUID, username string, status CreationStatus) UserCreationCompleted {
	return UserCreationCompleted{
		MessageID:     uuid.New(),
		RequestID:     requestID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Username:      username,
		SourceService: SourceProvisioningService,
	}
}

// Validate reports whether the decoded completion envelope is usable.
func (e UserCreationCompleted) Validate() error {
	if e.MessageID == uuid.Nil {
		return errors.New("user creation completion is missing message_id")
	}
	if e.RequestID == uuid.Nil {
		return errors.New("user creation completion is missing request_id")
	}
	if e.Username == "" {
		return errors.New("user creation completion is missing username")
	}
	return nil
}
