// Package periodic drives a function on a fixed interval with an explicit
// start and stop.
package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Runner calls Fn once on Start and then every Interval until stopped.
// Ticks that arrive while Fn is still running are dropped by the ticker, so
// runs never queue up.
type Runner struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context)
	Log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the loop in a goroutine. Calling Start on a running Runner
// is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	r.Log.Info().Str("runner", r.Name).Dur("interval", r.Interval).Msg("periodic runner started")
	r.runOnce(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Log.Info().Str("runner", r.Name).Msg("periodic runner stopped")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Log.Error().Str("runner", r.Name).Interface("panic", rec).Msg("periodic run panicked")
		}
	}()
	r.Fn(ctx)
}

// Stop cancels the loop and waits for the current run to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
