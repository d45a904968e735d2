package scheduler

import (
	"context"
	"math"
	"time"

	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/rs/zerolog"
)

const (
	DefaultInterval = time.Minute
	DefaultCooldown = 5 * time.Minute
)

// Policy bounds the attempts of one execution sequence.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the upper bound of the random extra delay, as a fraction of
	// the computed backoff.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.3,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Backoff returns the delay after the given failed attempt (1-based). r is a
// random value in [0, 1) that scales the jitter.
func (p Policy) Backoff(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	return time.Duration(base + base*p.Jitter*r)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FailureHandler is told about a schedule whose attempt sequence was
// exhausted. failures is the consecutive failure count after this sequence.
type FailureHandler func(ctx context.Context, sched domain.Schedule, failures int, err error)

// LogFailureHandler reports exhausted schedules at error level.
func LogFailureHandler(log zerolog.Logger) FailureHandler {
	return func(_ context.Context, sched domain.Schedule, failures int, err error) {
		log.Error().
			Err(err).
			Str("schedule_id", sched.ID).
			Str("donor_id", sched.DonorID).
			Int("consecutive_failures", failures).
			Msg("scheduled donation failed after all retries")
	}
}

// Disabler turns a schedule off.
type Disabler interface {
	Disable(ctx context.Context, id string) error
}

// DisableAfter deactivates a schedule once it has failed n sequences in a row.
func DisableAfter(n int, store Disabler, log zerolog.Logger) FailureHandler {
	return func(ctx context.Context, sched domain.Schedule, failures int, _ error) {
		if n <= 0 || failures < n {
			return
		}
		if err := store.Disable(ctx, sched.ID); err != nil {
			log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to disable schedule")
			return
		}
		log.Warn().Str("schedule_id", sched.ID).Int("consecutive_failures", failures).Msg("schedule disabled")
	}
}

// ChainFailureHandlers calls each non-nil handler in order.
func ChainFailureHandlers(handlers ...FailureHandler) FailureHandler {
	return func(ctx context.Context, sched domain.Schedule, failures int, err error) {
		for _, h := range handlers {
			if h != nil {
				h(ctx, sched, failures, err)
			}
		}
	}
}
