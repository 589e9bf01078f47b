package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"provisio/internal/dedup"
	"provisio/internal/identity/domain"
)

// MemoryIdentityRepository is the in-memory IdentityRepository used by unit
// tests. Receipts go through the shared MemoryLedger, mirroring how the
// Postgres implementation shares the processed_messages table.
type MemoryIdentityRepository struct {
	mu      sync.Mutex
	records map[string]*domain.IdentityRecord // keyed by username
	ledger  *dedup.MemoryLedger
}

func NewMemoryIdentityRepository(ledger *dedup.MemoryLedger) *MemoryIdentityRepository {
	return &MemoryIdentityRepository{
		records: make(map[string]*domain.IdentityRecord),
		ledger:  ledger,
	}
}

func (r *MemoryIdentityRepository) CreateIdentity(_ context.Context, username string) (*domain.IdentityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[username]; ok {
		return nil, ErrDuplicateUsername
	}
	now := time.Now().UTC()
	rec := &domain.IdentityRecord{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.records[username] = rec
	out := *rec
	return &out, nil
}

func (r *MemoryIdentityRepository) ListIdentities(_ context.Context) ([]domain.IdentityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]domain.IdentityRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, *rec)
	}
	return records, nil
}

func (r *MemoryIdentityRepository) FindByUsername(_ context.Context, username string) (*domain.IdentityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[username]; ok {
		out := *rec
		return &out, nil
	}
	return nil, nil
}

func (r *MemoryIdentityRepository) AttachCanonicalUser(
	ctx context.Context,
	username, canonicalUserID string,
	messageID uuid.UUID,
	sourceQueue string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[username]
	if !ok {
		receipt := dedup.Entry{
			MessageID:   messageID,
			SourceQueue: sourceQueue,
			Status:      dedup.StatusError,
			ResultPayload: dedup.EncodeOutcome(dedup.Outcome{
				Status:       dedup.StatusError,
				ErrorMessage: "identity record not found: " + username,
			}),
		}
		if err := r.ledger.Record(ctx, receipt); err != nil {
			if err == dedup.ErrDuplicateEntry {
				return ErrReceiptExists
			}
			return err
		}
		return ErrIdentityNotFound
	}

	receipt := dedup.Entry{
		MessageID:   messageID,
		SourceQueue: sourceQueue,
		Status:      dedup.StatusSuccess,
		ResultPayload: dedup.EncodeOutcome(dedup.Outcome{
			Status:          dedup.StatusSuccess,
			CanonicalUserID: canonicalUserID,
		}),
	}
	if err := r.ledger.Record(ctx, receipt); err != nil {
		if err == dedup.ErrDuplicateEntry {
			return ErrReceiptExists
		}
		return err
	}
	if rec.CanonicalUserID == nil {
		id := canonicalUserID
		rec.CanonicalUserID = &id
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}
