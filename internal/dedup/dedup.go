/**
 * @description
 * This package implements the dedup ledger: a durable record of which inbound
 * messages have already produced an effect. RabbitMQ delivers at least once,
 * so every consumer checks this ledger before acting and inserts a receipt in
 * the same transaction as its effect. The unique constraint on
 * (message_id, source_queue) is what actually closes the race when the same
 * message is redelivered concurrently; application-level checks alone are not
 * enough.
 */
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status values recorded on a ledger entry.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// ErrDuplicateEntry is returned when a receipt for (message_id, source_queue)
// already exists. Callers treat it as "already processed", not as a failure.
var ErrDuplicateEntry = errors.New("message already processed")

// Entry is one processed-message receipt.
type Entry struct {
	MessageID     uuid.UUID
	SourceQueue   string
	Status        string
	ResultPayload []byte // serialized Outcome, nil when there is nothing to replay
	ProcessedAt   time.Time
}

// Ledger finds and records processed-message receipts. Receipts written
// atomically with their effect go through the repository transaction instead;
// Record exists for standalone best-effort writes (error receipts).
type Ledger interface {
	// Find returns the receipt for (messageID, sourceQueue), or nil if the
	// message has not been processed yet.
	Find(ctx context.Context, messageID uuid.UUID, sourceQueue string) (*Entry, error)
	// Record inserts a receipt on its own. Returns ErrDuplicateEntry if one
	// already exists.
	Record(ctx context.Context, entry Entry) error
}

// Outcome is the replayable result stored in a receipt's payload. It carries
// enough to rebuild the completion event for a redelivered request.
type Outcome struct {
	Status          string `json:"status"`
	CanonicalUserID string `json:"canonical_user_id,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// EncodeOutcome serializes an outcome for storage in a receipt.
func EncodeOutcome(o Outcome) []byte {
	b, _ := json.Marshal(o)
	return b
}

// DecodeOutcome parses a stored receipt payload.
func DecodeOutcome(payload []byte) (Outcome, error) {
	var o Outcome
	if len(payload) == 0 {
		return o, errors.New("receipt has no result payload")
	}
	if err := json.Unmarshal(payload, &o); err != nil {
		return o, err
	}
	return o, nil
}
