package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Migrate creates the tables and indexes the Postgres stores rely on.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Transactions() *PostgresTransactionStore {
	return &PostgresTransactionStore{db: s.Db}
}

func (s *Store) Idempotency() *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: s.Db}
}

func (s *Store) Schedules() *PostgresScheduleStore {
	return &PostgresScheduleStore{db: s.Db}
}

func (s *Store) Locker() *AdvisoryLocker {
	return &AdvisoryLocker{db: s.Db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const schema = `
CREATE TABLE IF NOT EXISTS donation_transactions (
	id                TEXT PRIMARY KEY,
	amount            NUMERIC(20, 7) NOT NULL CHECK (amount > 0),
	donor_id          TEXT NOT NULL,
	recipient_id      TEXT NOT NULL,
	memo              TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	status_updated_at TIMESTAMPTZ NOT NULL,
	external_ref      TEXT,
	ledger_sequence   BIGINT,
	confirmed_at      TIMESTAMPTZ,
	idempotency_key   TEXT,
	schedule_id       TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS donation_transactions_idempotency_key
	ON donation_transactions (idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS donation_transactions_status ON donation_transactions (status);
CREATE INDEX IF NOT EXISTS donation_transactions_external_ref ON donation_transactions (external_ref);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          TEXT PRIMARY KEY,
	request_hash TEXT NOT NULL,
	response     JSONB NOT NULL,
	status_code  INT NOT NULL,
	owner_id     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_at ON idempotency_keys (expires_at);
CREATE INDEX IF NOT EXISTS idempotency_keys_request_hash ON idempotency_keys (request_hash);

CREATE TABLE IF NOT EXISTS donation_schedules (
	id                  TEXT PRIMARY KEY,
	donor_id            TEXT NOT NULL,
	recipient_id        TEXT NOT NULL,
	amount              NUMERIC(20, 7) NOT NULL CHECK (amount > 0),
	memo                TEXT NOT NULL DEFAULT '',
	frequency           TEXT NOT NULL,
	next_execution_date TIMESTAMPTZ NOT NULL,
	last_execution_date TIMESTAMPTZ,
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	execution_count     INT NOT NULL DEFAULT 0,
	failure_count       INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS donation_schedules_due
	ON donation_schedules (next_execution_date) WHERE active;

CREATE TABLE IF NOT EXISTS schedule_execution_logs (
	id            BIGSERIAL PRIMARY KEY,
	schedule_id   TEXT NOT NULL REFERENCES donation_schedules (id),
	outcome       TEXT NOT NULL,
	external_ref  TEXT,
	error_message TEXT,
	attempts      INT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
`
