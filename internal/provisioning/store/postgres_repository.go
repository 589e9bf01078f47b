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
	"provisio/internal/provisioning/domain"
)

// PostgresUserRepository is the PostgreSQL implementation of UserRepository.
type PostgresUserRepository struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepository(db *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// CreateUserWithReceipt inserts the canonical user and its success receipt in
// a single transaction. When two deliveries of the same message race, one of
// them loses on the processed_messages unique constraint and gets
// ErrReceiptExists; its user insert rolls back with the transaction.
func (r *PostgresUserRepository) CreateUserWithReceipt(
	ctx context.Context,
	username string,
	messageID uuid.UUID,
	sourceQueue string,
) (*domain.User, error) {
	if strings.TrimSpace(username) == "" {
		return nil, ErrValidation
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO users (username)
        VALUES ($1)
        RETURNING id, username, created_at, updated_at
    `
	var user domain.User
	if err := tx.QueryRow(ctx, query, username).
		Scan(&user.ID, &user.Username, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, classifyInsertError(err)
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
	if err := dedup.InsertTx(ctx, tx, receipt); err != nil {
		if errors.Is(err, dedup.ErrDuplicateEntry) {
			return nil, ErrReceiptExists
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	log.Printf("Created canonical user %s (username=%s)", user.ID, user.Username)
	return &user, nil
}

func (r *PostgresUserRepository) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, username, created_at, updated_at
        FROM users
        ORDER BY created_at
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// classifyInsertError maps a users-table insert failure onto the typed
// taxonomy by looking at the violated constraint, not the error text.
func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch {
		case strings.Contains(pgErr.ConstraintName, "username"):
			return ErrDuplicateUsername
		case strings.Contains(pgErr.ConstraintName, "email"):
			return ErrDuplicateEmail
		}
	}
	return err
}
