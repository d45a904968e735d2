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

type PostgresScheduleStore struct {
	db *pgxpool.Pool
}

const scheduleColumns = `id, donor_id, recipient_id, amount::text, memo, frequency,
	next_execution_date, last_execution_date, active, execution_count, failure_count`

func (s *PostgresScheduleStore) Save(ctx context.Context, sched domain.Schedule) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO donation_schedules
			(id, donor_id, recipient_id, amount, memo, frequency, next_execution_date,
			 last_execution_date, active, execution_count, failure_count)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			donor_id = EXCLUDED.donor_id, recipient_id = EXCLUDED.recipient_id,
			amount = EXCLUDED.amount, memo = EXCLUDED.memo, frequency = EXCLUDED.frequency,
			next_execution_date = EXCLUDED.next_execution_date,
			last_execution_date = EXCLUDED.last_execution_date, active = EXCLUDED.active,
			execution_count = EXCLUDED.execution_count, failure_count = EXCLUDED.failure_count`,
		sched.ID, sched.DonorID, sched.RecipientID, sched.Amount.String(), sched.Memo, string(sched.Frequency),
		sched.NextExecutionDate, sched.LastExecutionDate, sched.Active, sched.ExecutionCount, sched.FailureCount,
	)
	if err != nil {
		return fmt.Errorf("schedule upsert failed: %w", err)
	}
	return nil
}

func (s *PostgresScheduleStore) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRow(ctx,
		"SELECT "+scheduleColumns+" FROM donation_schedules WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	return sched, err
}

func (s *PostgresScheduleStore) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+scheduleColumns+" FROM donation_schedules WHERE active AND next_execution_date <= $1 ORDER BY next_execution_date",
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, *sched)
	}
	return due, rows.Err()
}

func (s *PostgresScheduleStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		frequency string
		next      time.Time
	)
	err = tx.QueryRow(ctx,
		"SELECT frequency, next_execution_date FROM donation_schedules WHERE id = $1 FOR UPDATE", id,
	).Scan(&frequency, &next)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE donation_schedules
		SET last_execution_date = $1, next_execution_date = $2,
		    execution_count = execution_count + 1, failure_count = 0
		WHERE id = $3`,
		at, nextAfter(domain.Frequency(frequency), next, at), id)
	if err != nil {
		return fmt.Errorf("schedule update failed: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresScheduleStore) MarkFailed(ctx context.Context, id string) (int, error) {
	var failures int
	err := s.db.QueryRow(ctx,
		"UPDATE donation_schedules SET failure_count = failure_count + 1 WHERE id = $1 RETURNING failure_count", id,
	).Scan(&failures)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	return failures, err
}

func (s *PostgresScheduleStore) Disable(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "UPDATE donation_schedules SET active = FALSE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Resource: "schedule", ID: id}
	}
	return nil
}

func (s *PostgresScheduleStore) AppendLog(ctx context.Context, entry domain.ScheduleExecutionLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO schedule_execution_logs (schedule_id, outcome, external_ref, error_message, attempts, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)`,
		entry.ScheduleID, string(entry.Outcome), entry.ExternalRef, entry.ErrorMessage, entry.Attempts, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("execution log insert failed: %w", err)
	}
	return nil
}

func (s *PostgresScheduleStore) Logs(ctx context.Context, scheduleID string) ([]domain.ScheduleExecutionLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT schedule_id, outcome, COALESCE(external_ref, ''), COALESCE(error_message, ''), attempts, created_at
		FROM schedule_execution_logs WHERE schedule_id = $1 ORDER BY id`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduleExecutionLog
	for rows.Next() {
		var (
			l       domain.ScheduleExecutionLog
			outcome string
		)
		if err := rows.Scan(&l.ScheduleID, &outcome, &l.ExternalRef, &l.ErrorMessage, &l.Attempts, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Outcome = domain.ExecutionOutcome(outcome)
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var (
		sched     domain.Schedule
		amount    string
		frequency string
	)
	err := row.Scan(&sched.ID, &sched.DonorID, &sched.RecipientID, &amount, &sched.Memo, &frequency,
		&sched.NextExecutionDate, &sched.LastExecutionDate, &sched.Active, &sched.ExecutionCount, &sched.FailureCount)
	if err != nil {
		return nil, err
	}
	if sched.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", amount, err)
	}
	sched.Frequency = domain.Frequency(frequency)
	return &sched, nil
}
