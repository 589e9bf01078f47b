package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"provisio/internal/provisioning/domain"
)

// Typed creation failures. The saga handler maps these onto the completion
// status reported back to the identity-service; classification happens here,
// structurally, instead of by matching error text upstream.
var (
	ErrDuplicateUsername = errors.New("username already exists")
	ErrDuplicateEmail    = errors.New("email already exists")
	ErrValidation        = errors.New("user failed validation")

	// ErrReceiptExists means the processed-message receipt for this message id
	// was inserted by a concurrent or earlier delivery. The user was NOT
	// created by this call; the caller replays the stored outcome instead.
	ErrReceiptExists = errors.New("creation receipt already recorded")
)

// UserRepository is the canonical user storage owned by the provisioning
// service.
type UserRepository interface {
	// CreateUserWithReceipt inserts the user and its processed-message receipt
	// in one transaction, so the effect and its idempotency guard become
	// visible together. messageID/sourceQueue identify the inbound message
	// being processed.
	CreateUserWithReceipt(ctx context.Context, username string, messageID uuid.UUID, sourceQueue string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}
