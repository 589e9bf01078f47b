package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"provisio/internal/dedup"
	"provisio/internal/provisioning/domain"
)

// MemoryUserRepository keeps canonical users in memory, sharing a MemoryLedger
// with the handler under test so receipts land where Find looks for them.
type MemoryUserRepository struct {
	mu     sync.Mutex
	users  map[string]domain.User // keyed by username
	ledger *dedup.MemoryLedger
}

func NewMemoryUserRepository(ledger *dedup.MemoryLedger) *MemoryUserRepository {
	return &MemoryUserRepository{
		users:  make(map[string]domain.User),
		ledger: ledger,
	}
}

func (r *MemoryUserRepository) CreateUserWithReceipt(
	ctx context.Context,
	username string,
	messageID uuid.UUID,
	sourceQueue string,
) (*domain.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, ErrValidation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[username]; ok {
		return nil, ErrDuplicateUsername
	}

	now := time.Now().UTC()
	user := domain.User{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	receipt := dedup.Entry{
		MessageID:   messageID,
		SourceQueue: sourceQueue,
		Status:      dedup.StatusSuccess,
		ResultPayload: dedup.EncodeOutcome(dedup.Outcome{
			Status:          dedup.StatusSuccess,
			CanonicalUserID: user.ID,
		}),
	}
	if err := r.ledger.Record(ctx, receipt); err != nil {
		if err == dedup.ErrDuplicateEntry {
			return nil, ErrReceiptExists
		}
		return nil, err
	}
	r.users[username] = user
	return &user, nil
}

func (r *MemoryUserRepository) ListUsers(_ context.Context) ([]domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return users, nil
}

// UserCount reports how many canonical users exist.
func (r *MemoryUserRepository) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
