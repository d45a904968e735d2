package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/donationledger/internal/domain"
)

// PostgresIdempotencyStore relies on the primary key of idempotency_keys for
// atomic uniqueness.
type PostgresIdempotencyStore struct {
	db *pgxpool.Pool
}

func (s *PostgresIdempotencyStore) Store(ctx context.Context, rec domain.IdempotencyRecord) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// An expired row still holds the key until the sweeper runs.
	if _, err := tx.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2", rec.Key, rec.CreatedAt); err != nil {
		return fmt.Errorf("expired key cleanup failed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, response, status_code, owner_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Key, rec.RequestHash, []byte(rec.Response), rec.StatusCode, rec.OwnerID, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *PostgresIdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(s.db.QueryRow(ctx, `
		SELECT key, request_hash, response, status_code, owner_id, created_at, expires_at
		FROM idempotency_keys WHERE key = $1 AND expires_at > $2`, key, time.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Resource: "idempotency key", ID: key}
	}
	return rec, err
}

func (s *PostgresIdempotencyStore) FindByHash(ctx context.Context, hash, excludeKey string) (*domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(s.db.QueryRow(ctx, `
		SELECT key, request_hash, response, status_code, owner_id, created_at, expires_at
		FROM idempotency_keys
		WHERE request_hash = $1 AND key <> $2 AND expires_at > $3
		ORDER BY created_at DESC LIMIT 1`, hash, excludeKey, time.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Resource: "idempotency hash", ID: hash}
	}
	return rec, err
}

func (s *PostgresIdempotencyStore) CleanupExpired(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", time.Now())
	if err != nil {
		return 0, fmt.Errorf("expired key cleanup failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanIdempotency(row pgx.Row) (*domain.IdempotencyRecord, error) {
	var (
		rec  domain.IdempotencyRecord
		body []byte
	)
	if err := row.Scan(&rec.Key, &rec.RequestHash, &body, &rec.StatusCode, &rec.OwnerID, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	rec.Response = body
	return &rec, nil
}
