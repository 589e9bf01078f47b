/**
 * @description
 * This file contains the identity-side completion handler: it consumes
 * UserCreationCompleted messages and attaches the canonical user id onto the
 * local identity record, idempotently.
 *
 * A non-success completion leaves the record with a null canonical id; no
 * retry is scheduled here. Retrying provisioning is triggered only by a new
 * external creation request.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"provisio/internal/dedup"
	"provisio/internal/events"
	"provisio/internal/identity/store"
	"provisio/pkg/rabbitmq"
)

// CompletionEventHandler processes creation completions for the identity
// service.
type CompletionEventHandler struct {
	repo   store.IdentityRepository
	ledger dedup.Ledger
}

func NewCompletionEventHandler(repo store.IdentityRepository, ledger dedup.Ledger) *CompletionEventHandler {
	return &CompletionEventHandler{repo: repo, ledger: ledger}
}

// HandleCreationCompleted consumes one UserCreationCompleted message.
func (h *CompletionEventHandler) HandleCreationCompleted(ctx context.Context, body []byte) error {
	var completion events.UserCreationCompleted
	if err := json.Unmarshal(body, &completion); err != nil {
		log.Printf("Error decoding creation completion, dropping message: %v", err)
		return nil
	}
	if err := completion.Validate(); err != nil {
		log.Printf("Invalid creation completion, dropping message: %v", err)
		return nil
	}

	if completion.Status != events.StatusSuccess {
		log.Printf("WARN: Provisioning did not complete for %q: status=%s error=%q",
			completion.Username, completion.Status, completion.ErrorMessage)
		return nil
	}
	if completion.CanonicalUserID == "" {
		log.Printf("WARN: Completion %s reported success without a canonical user id, ignoring", completion.MessageID)
		return nil
	}

	entry, err := h.ledger.Find(ctx, completion.MessageID, rabbitmq.QueueCreationCompletions)
	if err != nil {
		log.Printf("Error looking up receipt for completion %s: %v", completion.MessageID, err)
		return err
	}
	if entry != nil {
		log.Printf("Completion %s already applied, skipping", completion.MessageID)
		return nil
	}

	err = h.repo.AttachCanonicalUser(ctx,
		completion.Username, completion.CanonicalUserID,
		completion.MessageID, rabbitmq.QueueCreationCompletions)
	switch {
	case err == nil:
		log.Printf("Attached canonical user %s to identity record %q", completion.CanonicalUserID, completion.Username)
		return nil
	case errors.Is(err, store.ErrReceiptExists):
		// A concurrent delivery applied this completion first.
		return nil
	case errors.Is(err, store.ErrIdentityNotFound):
		log.Printf("Error applying completion %s: no identity record for %q", completion.MessageID, completion.Username)
		return nil
	default:
		// The update rolled back. Record the failure in a separate
		// transaction, best-effort, so this message cannot wedge the queue.
		log.Printf("Error applying completion %s: %v", completion.MessageID, err)
		receipt := dedup.Entry{
			MessageID:   completion.MessageID,
			SourceQueue: rabbitmq.QueueCreationCompletions,
			Status:      dedup.StatusError,
			ResultPayload: dedup.EncodeOutcome(dedup.Outcome{
				Status:       dedup.StatusError,
				ErrorMessage: err.Error(),
			}),
		}
		if recErr := h.ledger.Record(ctx, receipt); recErr != nil && !errors.Is(recErr, dedup.ErrDuplicateEntry) {
			log.Printf("Error recording failure receipt for completion %s: %v", completion.MessageID, recErr)
		}
		return nil
	}
}
