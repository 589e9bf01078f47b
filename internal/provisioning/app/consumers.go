/**
 * @description
 * This file contains the provisioning saga handler: it consumes
 * UserCreationRequested messages, idempotently creates the canonical user,
 * and always answers with a UserCreationCompleted event correlated through
 * request_id.
 *
 * Idempotency contract: the processed-message receipt is the sole guard. A
 * receipt hit is a replay, not a no-op — the stored outcome is re-published
 * so a correspondent that missed the first reply still gets one. A receipt
 * conflict during the insert means another delivery won the race; its outcome
 * is replayed the same way.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"provisio/internal/dedup"
	"provisio/internal/events"
	"provisio/internal/provisioning/store"
	"provisio/pkg/rabbitmq"
)

// failureReportTimeout bounds the receipt write and completion publish that
// follow a failed creation. These run on their own deadline: when the failure
// is the per-message deadline itself, the handler context is already expired.
const failureReportTimeout = 5 * time.Second

// UserEventHandler processes creation requests for the provisioning service.
type UserEventHandler struct {
	repo      store.UserRepository
	ledger    dedup.Ledger
	publisher rabbitmq.Publisher
}

func NewUserEventHandler(repo store.UserRepository, ledger dedup.Ledger, publisher rabbitmq.Publisher) *UserEventHandler {
	return &UserEventHandler{repo: repo, ledger: ledger, publisher: publisher}
}

// HandleCreationRequested consumes one UserCreationRequested message.
// Returning nil acknowledges the message; an error is returned only when no
// durable effect was produced, which dead-letters the delivery.
func (h *UserEventHandler) HandleCreationRequested(ctx context.Context, body []byte) error {
	start := time.Now()

	var req events.UserCreationRequested
	if err := json.Unmarshal(body, &req); err != nil {
		log.Printf("Error decoding creation request, dropping message: %v", err)
		return nil
	}
	if err := req.Validate(); err != nil {
		log.Printf("Invalid creation request, dropping message: %v", err)
		return nil
	}

	log.Printf("Received creation request: message_id=%s username=%s", req.MessageID, req.Username)

	entry, err := h.ledger.Find(ctx, req.MessageID, rabbitmq.QueueCreationRequests)
	if err != nil {
		log.Printf("Error looking up receipt for message %s: %v", req.MessageID, err)
		return err
	}
	if entry != nil {
		log.Printf("Request %s already processed, replaying stored outcome", req.MessageID)
		return h.replayCompletion(ctx, req, entry)
	}

	user, err := h.repo.CreateUserWithReceipt(ctx, req.Username, req.MessageID, rabbitmq.QueueCreationRequests)
	if err != nil {
		if errors.Is(err, store.ErrReceiptExists) {
			// Lost the race against a concurrent delivery of this message.
			return h.replayFromLedger(ctx, req)
		}
		return h.completeWithFailure(ctx, req, err)
	}

	completion := events.NewUserCreationCompleted(req.MessageID, req.Username, events.StatusSuccess)
	completion.CanonicalUserID = user.ID
	completion.ProcessingTimeMs = float64(time.Since(start)) / float64(time.Millisecond)
	return h.publishCompletion(ctx, completion)
}

// completeWithFailure records an error receipt and reports the classified
// failure to the identity-service. The message is acknowledged afterwards:
// the outcome is durable, so a redelivery would only replay it.
func (h *UserEventHandler) completeWithFailure(ctx context.Context, req events.UserCreationRequested, cause error) error {
	status := classifyCreationError(cause)
	log.Printf("Error creating user for request %s (status=%s): %v", req.MessageID, status, cause)

	// Detach from the handler deadline so a timed-out creation still gets a
	// durable timeout receipt and a reply.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureReportTimeout)
	defer cancel()

	ledgerStatus := dedup.StatusError
	if status == events.StatusTimeout {
		ledgerStatus = dedup.StatusTimeout
	}
	receipt := dedup.Entry{
		MessageID:   req.MessageID,
		SourceQueue: rabbitmq.QueueCreationRequests,
		Status:      ledgerStatus,
		ResultPayload: dedup.EncodeOutcome(dedup.Outcome{
			Status:       string(status),
			ErrorMessage: cause.Error(),
		}),
	}
	if err := h.ledger.Record(ctx, receipt); err != nil && !errors.Is(err, dedup.ErrDuplicateEntry) {
		log.Printf("Error recording failure receipt for message %s: %v", req.MessageID, err)
	}

	completion := events.NewUserCreationCompleted(req.MessageID, req.Username, status)
	completion.ErrorMessage = cause.Error()
	return h.publishCompletion(ctx, completion)
}

func (h *UserEventHandler) replayFromLedger(ctx context.Context, req events.UserCreationRequested) error {
	entry, err := h.ledger.Find(ctx, req.MessageID, rabbitmq.QueueCreationRequests)
	if err != nil {
		return err
	}
	if entry == nil {
		return errors.New("receipt conflict reported but no receipt found")
	}
	return h.replayCompletion(ctx, req, entry)
}

func (h *UserEventHandler) replayCompletion(ctx context.Context, req events.UserCreationRequested, entry *dedup.Entry) error {
	outcome, err := dedup.DecodeOutcome(entry.ResultPayload)
	if err != nil {
		log.Printf("Error decoding stored outcome for message %s: %v", req.MessageID, err)
		completion := events.NewUserCreationCompleted(req.MessageID, req.Username, events.StatusUnknownError)
		completion.ErrorMessage = "stored outcome unavailable"
		return h.publishCompletion(ctx, completion)
	}

	completion := events.NewUserCreationCompleted(req.MessageID, req.Username, events.CreationStatus(outcome.Status))
	completion.CanonicalUserID = outcome.CanonicalUserID
	completion.ErrorMessage = outcome.ErrorMessage
	return h.publishCompletion(ctx, completion)
}

func (h *UserEventHandler) publishCompletion(ctx context.Context, completion events.UserCreationCompleted) error {
	if err := h.publisher.Publish(ctx, rabbitmq.QueueCreationCompletions, completion); err != nil {
		log.Printf("Error publishing completion for request %s: %v", completion.RequestID, err)
		return err
	}
	log.Printf("Published completion: request_id=%s status=%s", completion.RequestID, completion.Status)
	return nil
}

// classifyCreationError maps a storage failure onto the completion status
// taxonomy. Classification is structural: typed sentinels from the store and
// pg error values, never error-text matching.
func classifyCreationError(err error) events.CreationStatus {
	switch {
	case errors.Is(err, store.ErrDuplicateUsername):
		return events.StatusDuplicateUsername
	case errors.Is(err, store.ErrDuplicateEmail):
		return events.StatusDuplicateEmail
	case errors.Is(err, store.ErrValidation):
		return events.StatusValidationError
	case errors.Is(err, context.DeadlineExceeded):
		return events.StatusTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return events.StatusDatabaseError
	}
	return events.StatusUnknownError
}
