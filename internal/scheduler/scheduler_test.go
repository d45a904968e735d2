package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/punchamoorthee/donationledger/internal/idempotency"
	"github.com/punchamoorthee/donationledger/internal/lease"
	"github.com/punchamoorthee/donationledger/internal/ledger"
	"github.com/punchamoorthee/donationledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTimeout = &ledger.RetryableError{Op: "send_payment", Err: errors.New("timeout")}

// fakePayment fails the first failFirst calls per destination with err.
type fakePayment struct {
	mu        sync.Mutex
	calls     map[string]int
	failFirst int
	err       error
	block     chan struct{}
	entered   chan struct{}
}

func (f *fakePayment) SendPayment(_ context.Context, req ledger.PaymentRequest) (*ledger.PaymentResult, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.DestinationID]++
	n := f.calls[req.DestinationID]
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if n <= f.failFirst {
		return nil, f.err
	}
	return &ledger.PaymentResult{ExternalRef: "ref-" + req.DestinationID}, nil
}

func (f *fakePayment) count(dest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[dest]
}

type fixture struct {
	sched    *Scheduler
	schedule *store.MemoryScheduleStore
	txs      *store.FileTransactionStore
	pay      *fakePayment
	sleeps   []time.Duration
	failures []int
}

func newFixture(t *testing.T, pay *fakePayment) *fixture {
	t.Helper()
	txs, err := store.OpenTransactionStore("")
	require.NoError(t, err)

	f := &fixture{schedule: store.NewMemoryScheduleStore(), txs: txs, pay: pay}
	var mu sync.Mutex
	f.sched = New(f.schedule, txs, pay, Config{
		Policy: Policy{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
			Jitter:         0.3,
		},
		OnFailure: func(_ context.Context, _ domain.Schedule, failures int, _ error) {
			mu.Lock()
			f.failures = append(f.failures, failures)
			mu.Unlock()
		},
	}, zerolog.Nop())
	f.sched.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		f.sleeps = append(f.sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return f
}

func (f *fixture) add(t *testing.T, id string, next time.Time) domain.Schedule {
	t.Helper()
	s := domain.Schedule{
		ID:                id,
		DonorID:           "donor-" + id,
		RecipientID:       id,
		Amount:            decimal.RequireFromString("12.5"),
		Frequency:         domain.FrequencyMonthly,
		NextExecutionDate: next,
		Active:            true,
	}
	require.NoError(t, f.schedule.Save(context.Background(), s))
	return s
}

func (f *fixture) logs(t *testing.T, id string) []domain.ScheduleExecutionLog {
	t.Helper()
	logs, err := f.schedule.Logs(context.Background(), id)
	require.NoError(t, err)
	return logs
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond, Multiplier: 2, Jitter: 0.3}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1, 0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2, 0))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(3, 0), "capped at max")
	assert.InDelta(t, float64(130*time.Millisecond), float64(p.Backoff(1, 1)), float64(time.Microsecond))
	assert.InDelta(t, float64(455*time.Millisecond), float64(p.Backoff(5, 1)), float64(time.Microsecond), "jitter applies on top of the cap")
}

func TestExecute_SucceedsOnThirdAttempt(t *testing.T) {
	f := newFixture(t, &fakePayment{failFirst: 2, err: errTimeout})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	entry, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, 3, f.pay.count("s1"))
	require.Len(t, f.sleeps, 2)
	assert.GreaterOrEqual(t, f.sleeps[0], 100*time.Millisecond)
	assert.LessOrEqual(t, f.sleeps[0], 130*time.Millisecond)
	assert.GreaterOrEqual(t, f.sleeps[1], 200*time.Millisecond)
	assert.LessOrEqual(t, f.sleeps[1], 260*time.Millisecond)

	logs := f.logs(t, "s1")
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OutcomeSuccess, logs[0].Outcome)
	assert.Equal(t, "ref-s1", logs[0].ExternalRef)
	assert.Equal(t, 3, logs[0].Attempts)
	assert.Empty(t, f.failures)
	assert.False(t, f.sched.InFlight("s1"))

	got, _ := f.schedule.Get(context.Background(), "s1")
	require.NotNil(t, got.LastExecutionDate)
	assert.True(t, got.NextExecutionDate.After(time.Now()))
	assert.Equal(t, 1, got.ExecutionCount)

	tx, err := f.txs.GetByExternalRef(context.Background(), "ref-s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, tx.Status)
	assert.Equal(t, "s1", tx.ScheduleID)
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	f := newFixture(t, &fakePayment{failFirst: 100, err: errTimeout})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	entry, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, entry.Outcome)

	assert.Equal(t, 3, f.pay.count("s1"))
	logs := f.logs(t, "s1")
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OutcomeFailed, logs[0].Outcome)
	assert.Contains(t, logs[0].ErrorMessage, "timeout")
	assert.Equal(t, []int{1}, f.failures, "failure handler invoked once")
	assert.False(t, f.sched.InFlight("s1"))

	failed, err := f.txs.GetByStatus(context.Background(), domain.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, OccurrenceKey(sched), failed[0].IdempotencyKey)

	got, _ := f.schedule.Get(context.Background(), "s1")
	assert.Nil(t, got.LastExecutionDate)
	assert.Equal(t, 1, got.FailureCount)
}

func TestExecute_TerminalErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, &fakePayment{failFirst: 100, err: &ledger.PaymentError{Code: ledger.CodeUnderfunded, Message: "insufficient funds"}})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	entry, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, entry.Outcome)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, 1, f.pay.count("s1"))
	assert.Empty(t, f.sleeps)
	assert.Len(t, f.failures, 1)
}

func TestExecute_RetryAfterFailureUsesFreshKey(t *testing.T) {
	f := newFixture(t, &fakePayment{failFirst: 1, err: &ledger.PaymentError{Code: ledger.CodeUnderfunded}})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	_, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
	require.NoError(t, err)

	reloaded, _ := f.schedule.Get(context.Background(), "s1")
	assert.NotEqual(t, OccurrenceKey(sched), OccurrenceKey(*reloaded))

	entry, err := f.sched.ExecuteScheduleWithRetry(context.Background(), *reloaded)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, 2, f.pay.count("s1"))
}

func TestExecute_AlreadyPaidOccurrenceIsNotPaidAgain(t *testing.T) {
	f := newFixture(t, &fakePayment{})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	// A previous run paid but crashed before advancing the schedule.
	tx, err := f.txs.Create(context.Background(), domain.Transaction{
		Amount: sched.Amount, DonorID: sched.DonorID, RecipientID: sched.RecipientID,
		IdempotencyKey: OccurrenceKey(sched), ScheduleID: sched.ID,
	})
	require.NoError(t, err)
	_, err = f.txs.UpdateStatus(context.Background(), tx.ID, domain.StatusSubmitted, domain.LedgerMeta{ExternalRef: "earlier"})
	require.NoError(t, err)

	entry, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, "earlier", entry.ExternalRef)
	assert.Zero(t, f.pay.count("s1"))

	got, _ := f.schedule.Get(context.Background(), "s1")
	assert.NotNil(t, got.LastExecutionDate)
}

func TestExecute_OccurrenceKeyHeldByUnrelatedTransaction(t *testing.T) {
	f := newFixture(t, &fakePayment{})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))
	ctx := context.Background()

	other, err := f.txs.Create(ctx, domain.Transaction{
		Amount: decimal.NewFromInt(1), DonorID: "someone", RecipientID: "other",
		IdempotencyKey: OccurrenceKey(sched),
	})
	require.NoError(t, err)
	_, err = f.txs.UpdateStatus(ctx, other.ID, domain.StatusSubmitted, domain.LedgerMeta{ExternalRef: "ref-other"})
	require.NoError(t, err)

	entry, err := f.sched.ExecuteScheduleWithRetry(ctx, sched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFailed, entry.Outcome)
	assert.Empty(t, entry.ExternalRef)
	assert.Equal(t, ErrOccurrenceConflict.Error(), entry.ErrorMessage)
	assert.Zero(t, f.pay.count("s1"))

	untouched, err := f.txs.GetByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, untouched.Status)

	reloaded, _ := f.schedule.Get(ctx, "s1")
	assert.Nil(t, reloaded.LastExecutionDate)
	assert.Zero(t, reloaded.ExecutionCount)

	// The failure moves the occurrence to a fresh key, so the next run pays.
	entry, err = f.sched.ExecuteScheduleWithRetry(ctx, *reloaded)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, entry.Outcome)
	assert.Equal(t, "ref-s1", entry.ExternalRef)
	assert.Equal(t, 1, f.pay.count("s1"))
}

func TestExecute_UnknownOutcomeLeavesTransactionPending(t *testing.T) {
	unknown := fmt.Errorf("%w: status 200 without external_ref", ledger.ErrOutcomeUnknown)
	f := newFixture(t, &fakePayment{failFirst: 100, err: unknown})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))
	ctx := context.Background()

	entry, err := f.sched.ExecuteScheduleWithRetry(ctx, sched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, entry.Outcome)
	assert.Contains(t, entry.ErrorMessage, "outcome unknown")
	assert.Equal(t, 1, f.pay.count("s1"), "never resent")
	assert.Empty(t, f.sleeps)
	assert.Empty(t, f.failures)

	failed, _ := f.txs.GetByStatus(ctx, domain.StatusFailed)
	assert.Empty(t, failed)
	pending, _ := f.txs.GetByStatus(ctx, domain.StatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, OccurrenceKey(sched), pending[0].IdempotencyKey)

	got, _ := f.schedule.Get(ctx, "s1")
	assert.NotNil(t, got.LastExecutionDate)
	assert.Zero(t, got.FailureCount)
}

func TestExecute_OverlappingCallIsRejected(t *testing.T) {
	pay := &fakePayment{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := newFixture(t, pay)
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
		assert.NoError(t, err)
	}()

	<-pay.entered
	assert.True(t, f.sched.InFlight("s1"))
	_, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
	assert.ErrorIs(t, err, ErrInFlight)

	close(pay.block)
	<-done
	assert.Equal(t, 1, pay.count("s1"))
	assert.False(t, f.sched.InFlight("s1"))
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, &fakePayment{failFirst: 100, err: errTimeout})
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entry, err := f.sched.ExecuteScheduleWithRetry(ctx, sched)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, entry)
	assert.Equal(t, 1, f.pay.count("s1"))
	assert.Empty(t, f.logs(t, "s1"))
	assert.Empty(t, f.failures)
	assert.False(t, f.sched.InFlight("s1"))

	pending, _ := f.txs.GetByStatus(context.Background(), domain.StatusPending)
	assert.Len(t, pending, 1)
}

func TestExecute_LeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t, &fakePayment{})
	locker := lease.NewLocal()
	f.sched.locker = locker
	sched := f.add(t, "s1", time.Now().Add(-time.Minute))

	release, ok, _ := locker.TryAcquire(context.Background(), "schedule-s1")
	require.True(t, ok)
	defer release()

	_, err := f.sched.ExecuteScheduleWithRetry(context.Background(), sched)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	assert.Zero(t, f.pay.count("s1"))
	assert.False(t, f.sched.InFlight("s1"))
}

func TestRunDue_SkipsCooldownAndIsolatesFailures(t *testing.T) {
	f := newFixture(t, &fakePayment{})
	now := time.Now()
	f.add(t, "ok", now.Add(-time.Hour))
	f.add(t, "later", now.Add(time.Hour))

	bad := f.add(t, "bad", now.Add(-time.Hour))
	bad.Amount = decimal.Zero
	require.NoError(t, f.schedule.Save(context.Background(), bad))

	recent := f.add(t, "recent", now.Add(-time.Hour))
	last := now.Add(-time.Minute)
	recent.LastExecutionDate = &last
	require.NoError(t, f.schedule.Save(context.Background(), recent))

	summary, err := f.sched.RunDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Due: 3, Succeeded: 1, Failed: 1, Skipped: 1}, summary)

	assert.Equal(t, 1, f.pay.count("ok"))
	assert.Zero(t, f.pay.count("recent"))
	assert.Zero(t, f.pay.count("later"))
	assert.Zero(t, f.pay.count("bad"))
	require.Len(t, f.logs(t, "bad"), 1)
	assert.Equal(t, domain.OutcomeFailed, f.logs(t, "bad")[0].Outcome)
}

func TestFailureHandlers(t *testing.T) {
	ss := store.NewMemoryScheduleStore()
	require.NoError(t, ss.Save(context.Background(), domain.Schedule{ID: "s1", Active: true}))

	var seen []int
	h := ChainFailureHandlers(
		LogFailureHandler(zerolog.Nop()),
		nil,
		DisableAfter(2, ss, zerolog.Nop()),
		func(_ context.Context, _ domain.Schedule, n int, _ error) { seen = append(seen, n) },
	)

	sched := domain.Schedule{ID: "s1"}
	h(context.Background(), sched, 1, errors.New("x"))
	got, _ := ss.Get(context.Background(), "s1")
	assert.True(t, got.Active)

	h(context.Background(), sched, 2, errors.New("x"))
	got, _ = ss.Get(context.Background(), "s1")
	assert.False(t, got.Active)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestOccurrenceKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "schedule:s1:1700000000", OccurrenceKey(domain.Schedule{ID: "s1", NextExecutionDate: at}))
	assert.Equal(t, "schedule:s1:1700000000:r2", OccurrenceKey(domain.Schedule{ID: "s1", NextExecutionDate: at, FailureCount: 2}))

	// No client can send a scheduler key.
	for _, sched := range []domain.Schedule{
		{ID: "monthly-donor-42", NextExecutionDate: at},
		{ID: "monthly-donor-42", NextExecutionDate: at, FailureCount: 3},
	} {
		assert.Error(t, idempotency.ValidateKey(OccurrenceKey(sched)), OccurrenceKey(sched))
	}
}
