package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/shopspring/decimal"
)

// PostgresTransactionStore stores one row per transaction. Status changes
// lock the row with SELECT ... FOR UPDATE so concurrent writers never lose
// an update.
type PostgresTransactionStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

const txColumns = `id, amount::text, donor_id, recipient_id, memo, status, status_updated_at,
	COALESCE(external_ref, ''), ledger_sequence, confirmed_at,
	COALESCE(idempotency_key, ''), COALESCE(schedule_id, ''), created_at`

func (s *PostgresTransactionStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Create inserts tx, or returns the row already holding tx.IdempotencyKey.
func (s *PostgresTransactionStore) Create(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.IdempotencyKey != "" {
		existing, err := s.getByKey(ctx, tx.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	rec, err := prepareCreate(tx, s.clock())
	if err != nil {
		return nil, err
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO donation_transactions
			(id, amount, donor_id, recipient_id, memo, status, status_updated_at,
			 external_ref, ledger_sequence, confirmed_at, idempotency_key, schedule_id, created_at)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, NULLIF($11, ''), NULLIF($12, ''), $13)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		rec.ID, rec.Amount.String(), rec.DonorID, rec.RecipientID, rec.Memo, string(rec.Status), rec.StatusUpdatedAt,
		rec.ExternalRef, rec.LedgerSequence, rec.ConfirmedAt, rec.IdempotencyKey, rec.ScheduleID, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent create with the same key.
		return s.getByKey(ctx, rec.IdempotencyKey)
	}
	return &rec, nil
}

func (s *PostgresTransactionStore) UpdateStatus(ctx context.Context, id string, status domain.Status, meta domain.LedgerMeta) (*domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := scanTransaction(tx.QueryRow(ctx,
		"SELECT "+txColumns+" FROM donation_transactions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Resource: "transaction", ID: id}
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	next, err := applyTransition(*prev, status, meta, s.clock())
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE donation_transactions
		SET status = $1, status_updated_at = $2, external_ref = NULLIF($3, ''),
		    ledger_sequence = $4, confirmed_at = $5
		WHERE id = $6`,
		string(next.Status), next.StatusUpdatedAt, next.ExternalRef, next.LedgerSequence, next.ConfirmedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("status update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &next, nil
}

func (s *PostgresTransactionStore) GetByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Transaction, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		n, err := domain.NormalizeStatus(string(st))
		if err != nil {
			return nil, err
		}
		names = append(names, string(n))
	}

	rows, err := s.db.Query(ctx,
		"SELECT "+txColumns+" FROM donation_transactions WHERE status = ANY($1) ORDER BY created_at",
		names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresTransactionStore) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.getOne(ctx, "id", id)
}

func (s *PostgresTransactionStore) GetByExternalRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	return s.getOne(ctx, "external_ref", ref)
}

func (s *PostgresTransactionStore) getByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.getOne(ctx, "idempotency_key", key)
}

// getOne looks a transaction up by one of the indexed columns above.
func (s *PostgresTransactionStore) getOne(ctx context.Context, column, value string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx,
		"SELECT "+txColumns+" FROM donation_transactions WHERE "+column+" = $1 LIMIT 1", value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Resource: "transaction", ID: value}
		}
		return nil, err
	}
	return t, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t      domain.Transaction
		amount string
		status string
	)
	err := row.Scan(&t.ID, &amount, &t.DonorID, &t.RecipientID, &t.Memo, &status, &t.StatusUpdatedAt,
		&t.ExternalRef, &t.LedgerSequence, &t.ConfirmedAt, &t.IdempotencyKey, &t.ScheduleID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	t.Status = domain.Status(status)
	return &t, nil
}
