package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type receiptKey struct {
	messageID   uuid.UUID
	sourceQueue string
}

// MemoryLedger is an in-memory ledger for unit tests and local runs. It keeps
// the same uniqueness contract as the Postgres implementation.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[receiptKey]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[receiptKey]Entry)}
}

func (l *MemoryLedger) Find(_ context.Context, messageID uuid.UUID, sourceQueue string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.entries[receiptKey{messageID, sourceQueue}]; ok {
		return &entry, nil
	}
	return nil, nil
}

func (l *MemoryLedger) Record(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := receiptKey{entry.MessageID, entry.SourceQueue}
	if _, ok := l.entries[key]; ok {
		return ErrDuplicateEntry
	}
	if entry.ProcessedAt.IsZero() {
		entry.ProcessedAt = time.Now().UTC()
	}
	l.entries[key] = entry
	return nil
}

// Len reports how many receipts have been recorded.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
