package idempotency

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/donationledger/internal/periodic"
	"github.com/rs/zerolog"
)

// DefaultCleanupInterval is used when the sweeper is given a non-positive
// interval.
const DefaultCleanupInterval = time.Hour

var idempotencyPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "donation_idempotency_purged_total",
	Help: "Expired idempotency records removed by the sweeper",
})

// Sweeper purges expired idempotency records on a timer, independent of
// request traffic.
type Sweeper struct {
	store  Store
	log    zerolog.Logger
	runner *periodic.Runner
}

func NewSweeper(store Store, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	s := &Sweeper{store: store, log: log}
	s.runner = &periodic.Runner{
		Name:     "idempotency-sweeper",
		Interval: interval,
		Log:      log,
		Fn: func(ctx context.Context) {
			_, _ = s.Sweep(ctx)
		},
	}
	return s
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	removed, err := s.store.CleanupExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("idempotency cleanup failed")
		return 0, err
	}
	idempotencyPurged.Add(float64(removed))
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("purged expired idempotency records")
	}
	return removed, nil
}

func (s *Sweeper) Start(ctx context.Context) { s.runner.Start(ctx) }

func (s *Sweeper) Stop() { s.runner.Stop() }
