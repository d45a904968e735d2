// Package reconcile periodically re-verifies in-flight transactions against
// the ledger and confirms the ones the ledger has recorded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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

const (
	DefaultInterval    = 5 * time.Minute
	DefaultConcurrency = 8

	leaseName = "reconcile"
)

var (
	reconcileItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_reconcile_items_total",
		Help: "Reconciled transactions by outcome",
	}, []string{"outcome"})

	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_reconcile_runs_total",
		Help: "Reconciliation runs by result",
	}, []string{"result"})
)

// TransactionStore is the part of the transaction store reconciliation uses.
type TransactionStore interface {
	GetByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Transaction, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, meta domain.LedgerMeta) (*domain.Transaction, error)
}

// Outcome is what happened to one transaction in a run.
type Outcome string

const (
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeNoRef      Outcome = "no_ref"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeUnverified Outcome = "unverified"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeError      Outcome = "error"
)

// Summary aggregates one run.
type Summary struct {
	Skipped  bool
	Checked  int
	Outcomes map[Outcome]int
	Errors   map[string]error
	Duration time.Duration
}

func (s Summary) Count(o Outcome) int { return s.Outcomes[o] }

type Config struct {
	Interval    time.Duration
	Concurrency int
	// Locker, when set, must grant the run lease before a run proceeds.
	// Leave nil for a single instance.
	Locker lease.Locker
}

type Loop struct {
	store       TransactionStore
	ledger      ledger.Ledger
	locker      lease.Locker
	concurrency int
	log         zerolog.Logger
	now         func() time.Time

	running atomic.Bool
	runner  *periodic.Runner
}

func New(store TransactionStore, l ledger.Ledger, cfg Config, log zerolog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	loop := &Loop{
		store:       store,
		ledger:      l,
		locker:      cfg.Locker,
		concurrency: cfg.Concurrency,
		log:         log.With().Str("component", "reconcile").Logger(),
		now:         time.Now,
	}
	loop.runner = &periodic.Runner{
		Name:     "reconcile",
		Interval: cfg.Interval,
		Log:      loop.log,
		Fn: func(ctx context.Context) {
			if _, err := loop.Reconcile(ctx); err != nil {
				loop.log.Error().Err(err).Msg("reconciliation run failed")
			}
		},
	}
	return loop
}

// Start runs a reconciliation immediately and then on every interval.
func (l *Loop) Start(ctx context.Context) { l.runner.Start(ctx) }

// Stop halts the timer and waits for an active run to finish.
func (l *Loop) Stop() { l.runner.Stop() }

// Running reports whether a run is in progress in this process.
func (l *Loop) Running() bool { return l.running.Load() }

// Reconcile performs one pass. A call made while another pass is active
// returns immediately with Summary.Skipped set.
func (l *Loop) Reconcile(ctx context.Context) (summary Summary, err error) {
	if !l.running.CompareAndSwap(false, true) {
		l.log.Debug().Msg("reconciliation already in progress, skipping")
		reconcileRuns.WithLabelValues("skipped").Inc()
		return Summary{Skipped: true}, nil
	}
	defer l.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			reconcileRuns.WithLabelValues("panic").Inc()
			err = fmt.Errorf("reconciliation panicked: %v", r)
		}
	}()

	if l.locker != nil {
		release, ok, lerr := l.locker.TryAcquire(ctx, leaseName)
		if lerr != nil {
			reconcileRuns.WithLabelValues("error").Inc()
			return Summary{}, fmt.Errorf("acquire reconcile lease: %w", lerr)
		}
		if !ok {
			l.log.Debug().Msg("reconcile lease held elsewhere, skipping")
			reconcileRuns.WithLabelValues("skipped").Inc()
			return Summary{Skipped: true}, nil
		}
		defer release()
	}

	start := l.now()
	txs, err := l.store.GetByStatus(ctx, domain.StatusPending, domain.StatusSubmitted)
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		return Summary{}, fmt.Errorf("load in-flight transactions: %w", err)
	}

	summary = Summary{
		Checked:  len(txs),
		Outcomes: make(map[Outcome]int),
		Errors:   make(map[string]error),
	}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(l.concurrency)
	for _, tx := range txs {
		g.Go(func() error {
			outcome, itemErr := l.reconcileOne(ctx, tx)

			mu.Lock()
			summary.Outcomes[outcome]++
			if itemErr != nil {
				summary.Errors[tx.ID] = itemErr
			}
			mu.Unlock()

			reconcileItems.WithLabelValues(string(outcome)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = l.now().Sub(start)
	reconcileRuns.WithLabelValues("completed").Inc()

	event := l.log.Info()
	if len(summary.Errors) > 0 {
		event = l.log.Warn()
	}
	event.
		Int("checked", summary.Checked).
		Int("confirmed", summary.Count(OutcomeConfirmed)).
		Int("not_found", summary.Count(OutcomeNotFound)).
		Int("no_ref", summary.Count(OutcomeNoRef)).
		Int("errors", len(summary.Errors)).
		Dur("duration", summary.Duration).
		Msg("reconciliation run finished")

	return summary, nil
}

// reconcileOne handles one transaction. Failures stay local to the item.
func (l *Loop) reconcileOne(ctx context.Context, tx domain.Transaction) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeError, fmt.Errorf("panic: %v", r)
		}
	}()

	log := l.log.With().Str("transaction_id", tx.ID).Str("external_ref", tx.ExternalRef).Logger()

	if tx.ExternalRef == "" {
		return OutcomeNoRef, nil
	}

	v, err := l.ledger.VerifyTransaction(ctx, tx.ExternalRef)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Debug().Msg("ledger has no record yet")
		return OutcomeNotFound, nil
	}
	if err != nil {
		log.Warn().Err(err).Bool("retryable", ledger.IsRetryable(err)).Msg("ledger verification failed")
		return OutcomeError, err
	}

	if !v.Verified {
		log.Warn().Msg("ledger reports transaction unsuccessful")
		return OutcomeUnverified, nil
	}
	if tx.Status == domain.StatusConfirmed {
		return OutcomeUnchanged, nil
	}

	seq := v.LedgerSequence
	confirmedAt := l.now()
	if _, err := l.store.UpdateStatus(ctx, tx.ID, domain.StatusConfirmed, domain.LedgerMeta{
		LedgerSequence: &seq,
		ConfirmedAt:    &confirmedAt,
	}); err != nil {
		log.Error().Err(err).Msg("failed to confirm transaction")
		return OutcomeError, err
	}

	log.Info().Int64("ledger_sequence", seq).Msg("transaction confirmed by ledger")
	return OutcomeConfirmed, nil
}
