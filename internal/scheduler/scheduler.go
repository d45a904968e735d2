// Package scheduler executes due recurring donations with bounded retry,
// exponential backoff and per-schedule in-flight deduplication.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/punchamoorthee/donationledger/internal/lease"
	"github.com/punchamoorthee/donationledger/internal/ledger"
	"github.com/punchamoorthee/donationledger/internal/periodic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

var (
	// ErrInFlight is returned when the schedule is already executing in
	// this process.
	ErrInFlight = errors.New("schedule execution already in flight")

	// ErrLeaseHeld is returned when another instance holds the schedule's
	// lease.
	ErrLeaseHeld = errors.New("schedule lease held by another instance")

	// ErrOccurrenceConflict is recorded when the occurrence key maps to a
	// transaction that does not belong to the schedule.
	ErrOccurrenceConflict = errors.New("occurrence key held by an unrelated transaction")
)

var (
	schedulerSequences = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_scheduler_sequences_total",
		Help: "Scheduled donation attempt sequences by outcome",
	}, []string{"outcome"})

	schedulerAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "donation_scheduler_payment_attempts_total",
		Help: "Payment calls made by the scheduler",
	})

	schedulerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_scheduler_skips_total",
		Help: "Due schedules skipped by reason",
	}, []string{"reason"})
)

type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string) (int, error)
	Disable(ctx context.Context, id string) error
	AppendLog(ctx context.Context, entry domain.ScheduleExecutionLog) error
}

type TransactionStore interface {
	Create(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, meta domain.LedgerMeta) (*domain.Transaction, error)
}

type Config struct {
	Interval    time.Duration
	Cooldown    time.Duration
	Concurrency int
	Policy      Policy
	// OnFailure runs once per exhausted sequence. Defaults to
	// LogFailureHandler.
	OnFailure FailureHandler
	// Locker, when set, serializes a schedule across instances.
	Locker lease.Locker
}

type Scheduler struct {
	schedules ScheduleStore
	txs       TransactionStore
	payment   ledger.Payment
	policy    Policy
	cooldown  time.Duration
	limit     int
	onFailure FailureHandler
	locker    lease.Locker
	log       zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	mu       sync.Mutex
	inFlight map[string]struct{}

	runner *periodic.Runner
}

func New(schedules ScheduleStore, txs TransactionStore, payment ledger.Payment, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	log = log.With().Str("component", "scheduler").Logger()
	if cfg.OnFailure == nil {
		cfg.OnFailure = LogFailureHandler(log)
	}

	s := &Scheduler{
		schedules: schedules,
		txs:       txs,
		payment:   payment,
		policy:    cfg.Policy.withDefaults(),
		cooldown:  cfg.Cooldown,
		limit:     cfg.Concurrency,
		onFailure: cfg.OnFailure,
		locker:    cfg.Locker,
		log:       log,
		now:       time.Now,
		sleep:     sleepContext,
		rand:      rand.Float64,
		inFlight:  make(map[string]struct{}),
	}
	s.runner = &periodic.Runner{
		Name:     "scheduler",
		Interval: cfg.Interval,
		Log:      log,
		Fn: func(ctx context.Context) {
			if _, err := s.RunDue(ctx); err != nil {
				s.log.Error().Err(err).Msg("scheduler run failed")
			}
		},
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) { s.runner.Start(ctx) }

// Stop halts the timer and waits for the running batch, including its
// backoff sleeps, to end.
func (s *Scheduler) Stop() { s.runner.Stop() }

// InFlight reports whether the schedule is executing in this process.
func (s *Scheduler) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) unclaim(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// RunSummary counts what one RunDue pass did.
type RunSummary struct {
	Due       int
	Succeeded int
	Failed    int
	Skipped   int
}

// RunDue executes every due schedule concurrently. One schedule's failure
// never holds up another.
func (s *Scheduler) RunDue(ctx context.Context) (RunSummary, error) {
	now := s.now()
	due, err := s.schedules.DueSchedules(ctx, now)
	if err != nil {
		return RunSummary{}, fmt.Errorf("load due schedules: %w", err)
	}

	summary := RunSummary{Due: len(due)}
	var mu sync.Mutex
	count := func(f func(*RunSummary)) {
		mu.Lock()
		f(&summary)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(s.limit)
	for _, sched := range due {
		if s.InFlight(sched.ID) {
			schedulerSkips.WithLabelValues("in_flight").Inc()
			count(func(r *RunSummary) { r.Skipped++ })
			continue
		}
		if s.inCooldown(sched, now) {
			s.log.Debug().Str("schedule_id", sched.ID).Msg("schedule executed recently, skipping")
			schedulerSkips.WithLabelValues("cooldown").Inc()
			count(func(r *RunSummary) { r.Skipped++ })
			continue
		}

		g.Go(func() error {
			entry, err := s.executeSafely(ctx, sched)
			switch {
			case errors.Is(err, ErrInFlight), errors.Is(err, ErrLeaseHeld):
				count(func(r *RunSummary) { r.Skipped++ })
			case entry != nil && entry.Outcome == domain.OutcomeSuccess:
				count(func(r *RunSummary) { r.Succeeded++ })
			default:
				count(func(r *RunSummary) { r.Failed++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	if summary.Due > 0 {
		s.log.Info().
			Int("due", summary.Due).
			Int("succeeded", summary.Succeeded).
			Int("failed", summary.Failed).
			Int("skipped", summary.Skipped).
			Msg("scheduler run finished")
	}
	return summary, nil
}

func (s *Scheduler) inCooldown(sched domain.Schedule, now time.Time) bool {
	return sched.LastExecutionDate != nil && now.Sub(*sched.LastExecutionDate) < s.cooldown
}

func (s *Scheduler) executeSafely(ctx context.Context, sched domain.Schedule) (entry *domain.ScheduleExecutionLog, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("schedule_id", sched.ID).Interface("panic", r).Msg("schedule execution panicked")
			entry, err = nil, fmt.Errorf("schedule %s panicked: %v", sched.ID, r)
		}
	}()
	return s.ExecuteScheduleWithRetry(ctx, sched)
}

// ExecuteScheduleWithRetry runs one attempt sequence for sched and returns
// the execution log entry it appended. A sequence that ends in FAILED is
// reported through the entry, not the error; errors are reserved for a
// sequence that could not run or was cancelled.
func (s *Scheduler) ExecuteScheduleWithRetry(ctx context.Context, sched domain.Schedule) (*domain.ScheduleExecutionLog, error) {
	if !s.claim(sched.ID) {
		return nil, ErrInFlight
	}
	defer s.unclaim(sched.ID)

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, "schedule-"+sched.ID)
		if err != nil {
			return nil, fmt.Errorf("acquire schedule lease: %w", err)
		}
		if !ok {
			return nil, ErrLeaseHeld
		}
		defer release()
	}

	log := s.log.With().Str("schedule_id", sched.ID).Time("occurrence", sched.NextExecutionDate).Logger()

	tx, err := s.txs.Create(ctx, domain.Transaction{
		Amount:         sched.Amount,
		DonorID:        sched.DonorID,
		RecipientID:    sched.RecipientID,
		Memo:           sched.Memo,
		IdempotencyKey: OccurrenceKey(sched),
		ScheduleID:     sched.ID,
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			// The schedule itself is malformed; retrying cannot help.
			return s.finishFailed(ctx, log, sched, nil, 0, err), nil
		}
		return nil, fmt.Errorf("create scheduled transaction: %w", err)
	}
	if tx.ScheduleID != sched.ID {
		log.Error().Str("transaction_id", tx.ID).Str("owner_schedule_id", tx.ScheduleID).Msg("occurrence key already used by another transaction")
		return s.finishFailed(ctx, log, sched, nil, 0, ErrOccurrenceConflict), nil
	}

	switch tx.Status {
	case domain.StatusSubmitted, domain.StatusConfirmed:
		log.Info().Str("transaction_id", tx.ID).Msg("occurrence already paid, advancing schedule")
		return s.finishSucceeded(ctx, log, sched, nil, tx.ExternalRef, 0), nil
	case domain.StatusFailed:
		// A previous sequence ended without its bookkeeping completing.
		log.Warn().Str("transaction_id", tx.ID).Msg("occurrence already failed, recording failure")
		return s.finishFailed(ctx, log, sched, nil, 0, errors.New("occurrence previously failed")), nil
	}

	req := ledger.PaymentRequest{
		SourceID:      sched.DonorID,
		DestinationID: sched.RecipientID,
		Amount:        sched.Amount,
		Memo:          sched.Memo,
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= s.policy.MaxRetries; attempt++ {
		attempts = attempt
		schedulerAttempts.Inc()

		res, err := s.payment.SendPayment(ctx, req)
		if err == nil {
			log.Info().Int("attempt", attempt).Str("external_ref", res.ExternalRef).Msg("scheduled payment submitted")
			return s.finishSucceeded(ctx, log, sched, tx, res.ExternalRef, attempts), nil
		}
		lastErr = err

		if errors.Is(err, ledger.ErrOutcomeUnknown) {
			// The ledger took the payment; resending could pay twice.
			log.Error().Err(err).Int("attempt", attempt).Str("transaction_id", tx.ID).Msg("scheduled payment outcome unknown, transaction left pending")
			return s.finishUnconfirmed(ctx, log, sched, attempts, err), nil
		}

		retryable := ledger.IsRetryable(err)
		log.Warn().Err(err).Int("attempt", attempt).Bool("retryable", retryable).Msg("scheduled payment attempt failed")
		if !retryable || attempt == s.policy.MaxRetries {
			break
		}

		delay := s.policy.Backoff(attempt, s.rand())
		if err := s.sleep(ctx, delay); err != nil {
			// Shutdown: leave the transaction PENDING for the next run.
			return nil, fmt.Errorf("scheduled payment interrupted: %w", err)
		}
	}

	return s.finishFailed(ctx, log, sched, tx, attempts, lastErr), nil
}

func (s *Scheduler) finishSucceeded(ctx context.Context, log zerolog.Logger, sched domain.Schedule, tx *domain.Transaction, ref string, attempts int) *domain.ScheduleExecutionLog {
	if tx != nil {
		if _, err := s.txs.UpdateStatus(ctx, tx.ID, domain.StatusSubmitted, domain.LedgerMeta{ExternalRef: ref}); err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to mark scheduled transaction submitted")
		}
	}

	now := s.now()
	if err := s.schedules.MarkExecuted(ctx, sched.ID, now); err != nil {
		log.Error().Err(err).Msg("failed to advance schedule")
	}

	entry := domain.ScheduleExecutionLog{
		ScheduleID:  sched.ID,
		Outcome:     domain.OutcomeSuccess,
		ExternalRef: ref,
		Attempts:    attempts,
		Timestamp:   now,
	}
	if err := s.schedules.AppendLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to append execution log")
	}
	schedulerSequences.WithLabelValues(string(domain.OutcomeSuccess)).Inc()
	return &entry
}

// finishUnconfirmed advances the schedule past an occurrence the ledger
// accepted without a usable reference. The transaction stays PENDING for
// review.
func (s *Scheduler) finishUnconfirmed(ctx context.Context, log zerolog.Logger, sched domain.Schedule, attempts int, cause error) *domain.ScheduleExecutionLog {
	now := s.now()
	if err := s.schedules.MarkExecuted(ctx, sched.ID, now); err != nil {
		log.Error().Err(err).Msg("failed to advance schedule")
	}

	entry := domain.ScheduleExecutionLog{
		ScheduleID:   sched.ID,
		Outcome:      domain.OutcomeSuccess,
		ErrorMessage: cause.Error(),
		Attempts:     attempts,
		Timestamp:    now,
	}
	if err := s.schedules.AppendLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to append execution log")
	}
	schedulerSequences.WithLabelValues("unconfirmed").Inc()
	return &entry
}

func (s *Scheduler) finishFailed(ctx context.Context, log zerolog.Logger, sched domain.Schedule, tx *domain.Transaction, attempts int, cause error) *domain.ScheduleExecutionLog {
	if tx != nil {
		if _, err := s.txs.UpdateStatus(ctx, tx.ID, domain.StatusFailed, domain.LedgerMeta{}); err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("failed to mark scheduled transaction failed")
		}
	}

	failures, err := s.schedules.MarkFailed(ctx, sched.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to record schedule failure")
		failures = sched.FailureCount + 1
	}

	entry := domain.ScheduleExecutionLog{
		ScheduleID:   sched.ID,
		Outcome:      domain.OutcomeFailed,
		ErrorMessage: cause.Error(),
		Attempts:     attempts,
		Timestamp:    s.now(),
	}
	if err := s.schedules.AppendLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("failed to append execution log")
	}
	schedulerSequences.WithLabelValues(string(domain.OutcomeFailed)).Inc()

	s.onFailure(ctx, sched, failures, cause)
	return &entry
}

// OccurrenceKey is the idempotency key of the transaction paying one
// occurrence of a schedule. A failed sequence bumps FailureCount, so the next
// sequence for the same occurrence gets a fresh key. The colons keep it out
// of the client key charset.
func OccurrenceKey(sched domain.Schedule) string {
	key := fmt.Sprintf("schedule:%s:%d", sched.ID, sched.NextExecutionDate.Unix())
	if sched.FailureCount > 0 {
		key = fmt.Sprintf("%s:r%d", key, sched.FailureCount)
	}
	return key
}
