package store

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"provisio/internal/dedup"
	"provisio/internal/identity/domain"
)

// PostgresIdentityRepository is the PostgreSQL implementation of
// IdentityRepository.
type PostgresIdentityRepository struct {
	db *pgxpool.Pool
}

func NewPostgresIdentityRepository(db *pgxpool.Pool) *PostgresIdentityRepository {
	return &PostgresIdentityRepository{db: db}
}

// CreateIdentity inserts a new identity record with a null canonical id.
func (r *PostgresIdentityRepository) CreateIdentity(ctx context.Context, username string) (*domain.IdentityRecord, error) {
	query := `
        INSERT INTO identity_records (username)
        VALUES ($1)
        RETURNING id, username, canonical_user_id, created_at, updated_at
    `
	var rec domain.IdentityRecord
	err := r.db.QueryRow(ctx, query, username).
		Scan(&rec.ID, &rec.Username, &rec.CanonicalUserID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			log.Printf("Error creating identity record: unique constraint violation on %s", pgErr.ConstraintName)
			return nil, ErrDuplicateUsername
		}
		return nil, err
	}
	return &rec, nil
}

func (r *PostgresIdentityRepository) ListIdentities(ctx context.Context) ([]domain.IdentityRecord, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, username, canonical_user_id, created_at, updated_at
        FROM identity_records
        ORDER BY created_at
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.IdentityRecord{}
	for rows.Next() {
		var rec domain.IdentityRecord
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.CanonicalUserID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresIdentityRepository) FindByUsername(ctx context.Context, username string) (*domain.IdentityRecord, error) {
	var rec domain.IdentityRecord
	err := r.db.QueryRow(ctx, `
        SELECT id, username, canonical_user_id, created_at, updated_at
        FROM identity_records
        WHERE username = $1
    `, username).Scan(&rec.ID, &rec.Username, &rec.CanonicalUserID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// AttachCanonicalUser applies a successful completion onto the local record.
// Update and receipt commit together; the canonical id column only moves
// null to non-null, enforced by the WHERE clause rather than read-then-write.
func (r *PostgresIdentityRepository) AttachCanonicalUser(
	ctx context.Context,
	username, canonicalUserID string,
	messageID uuid.UUID,
	sourceQueue string,
) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
        SELECT id FROM identity_records WHERE username = $1 FOR UPDATE
    `, username).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.commitNotFoundReceipt(ctx, tx, username, messageID, sourceQueue)
		}
		return err
	}

	tag, err := tx.Exec(ctx, `
        UPDATE identity_records
        SET canonical_user_id = $1, updated_at = NOW()
        WHERE username = $2 AND canonical_user_id IS NULL
    `, canonicalUserID, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		log.Printf("Identity record for %q already has a canonical id, leaving it unchanged", username)
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
	if err := dedup.InsertTx(ctx, tx, receipt); err != nil {
		if errors.Is(err, dedup.ErrDuplicateEntry) {
			return ErrReceiptExists
		}
		return err
	}

	return tx.Commit(ctx)
}

// commitNotFoundReceipt records the miss so the same completion is not
// retried forever against a record that does not exist.
func (r *PostgresIdentityRepository) commitNotFoundReceipt(
	ctx context.Context,
	tx pgx.Tx,
	username string,
	messageID uuid.UUID,
	sourceQueue string,
) error {
	receipt := dedup.Entry{
		MessageID:   messageID,
		SourceQueue: sourceQueue,
		Status:      dedup.StatusError,
		ResultPayload: dedup.EncodeOutcome(dedup.Outcome{
			Status:       dedup.StatusError,
			ErrorMessage: "identity record not found: " + strings.TrimSpace(username),
		}),
	}
	if err := dedup.InsertTx(ctx, tx, receipt); err != nil {
		if errors.Is(err, dedup.ErrDuplicateEntry) {
			return ErrReceiptExists
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return ErrIdentityNotFound
}
