package dedup

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger stores receipts in the processed_messages table.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger creates a ledger backed by the given connection pool.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Find returns the receipt for (messageID, sourceQueue), or nil when the
// message has not been processed yet.
func (l *PostgresLedger) Find(ctx context.Context, messageID uuid.UUID, sourceQueue string) (*Entry, error) {
	query := `
        SELECT status, result_payload, processed_at
        FROM processed_messages
        WHERE message_id = $1 AND source_queue = $2
    `
	entry := Entry{MessageID: messageID, SourceQueue: sourceQueue}
	err := l.db.QueryRow(ctx, query, messageID, sourceQueue).
		Scan(&entry.Status, &entry.ResultPayload, &entry.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Record inserts a receipt outside of any effect transaction. Used for
// best-effort error receipts after a rollback.
func (l *PostgresLedger) Record(ctx context.Context, entry Entry) error {
	_, err := l.db.Exec(ctx, insertReceiptQuery,
		entry.MessageID, entry.SourceQueue, entry.Status, payloadOrNil(entry.ResultPayload))
	return mapReceiptError(err)
}

const insertReceiptQuery = `
    INSERT INTO processed_messages (message_id, source_queue, status, result_payload)
    VALUES ($1, $2, $3, $4)
`

// InsertTx writes a receipt inside the caller's transaction so the receipt and
// its effect become visible together.
func InsertTx(ctx context.Context, tx pgx.Tx, entry Entry) error {
	_, err := tx.Exec(ctx, insertReceiptQuery,
		entry.MessageID, entry.SourceQueue, entry.Status, payloadOrNil(entry.ResultPayload))
	return mapReceiptError(err)
}

func payloadOrNil(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

func mapReceiptError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateEntry
	}
	return err
}
