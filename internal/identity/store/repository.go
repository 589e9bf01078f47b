package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"provisio/internal/identity/domain"
)

var (
	ErrDuplicateUsername = errors.New("username already exists")

	// ErrIdentityNotFound means a completion referenced a username with no
	// local record. The error receipt is still committed so the delivery is
	// not retried forever.
	ErrIdentityNotFound = errors.New("identity record not found")

	// ErrReceiptExists means the completion was already applied by an earlier
	// or concurrent delivery.
	ErrReceiptExists = errors.New("completion receipt already recorded")
)

// IdentityRepository is the identity-service's local storage.
type IdentityRepository interface {
	CreateIdentity(ctx context.Context, username string) (*domain.IdentityRecord, error)
	ListIdentities(ctx context.Context) ([]domain.IdentityRecord, error)
	FindByUsername(ctx context.Context, username string) (*domain.IdentityRecord, error)

	// AttachCanonicalUser sets canonical_user_id on the record for username
	// and writes the processed-message receipt in the same transaction. The
	// update only applies while canonical_user_id is null; a record that
	// already carries a canonical id is left untouched.
	AttachCanonicalUser(ctx context.Context, username, canonicalUserID string, messageID uuid.UUID, sourceQueue string) error
}
