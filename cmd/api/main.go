package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/punchamoorthee/donationledger/internal/api"
	"github.com/punchamoorthee/donationledger/internal/config"
	"github.com/punchamoorthee/donationledger/internal/donation"
	"github.com/punchamoorthee/donationledger/internal/idempotency"
	"github.com/punchamoorthee/donationledger/internal/lease"
	"github.com/punchamoorthee/donationledger/internal/ledger"
	"github.com/punchamoorthee/donationledger/internal/logger"
	"github.com/punchamoorthee/donationledger/internal/reconcile"
	"github.com/punchamoorthee/donationledger/internal/scheduler"
	"github.com/punchamoorthee/donationledger/internal/store"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

// backend bundles the stores of one storage flavour.
type backend struct {
	transactions donation.TransactionStore
	idempotency  idempotency.Store
	schedules    scheduler.ScheduleStore
	locker       lease.Locker
	close        func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.LogLevel).With().Str("env", cfg.Env).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("unable to open storage")
	}
	defer be.close()

	gateway := ledger.NewGatewayClient(ledger.GatewayConfig{URL: cfg.LedgerURL, Timeout: cfg.LedgerTimeout})

	// Initialize Layers
	idem := idempotency.NewService(be.idempotency, cfg.IdempotencyTTL, log)
	donations := donation.NewService(be.transactions, gateway, idem, log)

	reconciler := reconcile.New(be.transactions, gateway, reconcile.Config{
		Interval:    cfg.ReconcileInterval,
		Concurrency: cfg.ReconcileConcurrency,
		Locker:      be.locker,
	}, log)

	sched := scheduler.New(be.schedules, be.transactions, gateway, scheduler.Config{
		Interval: cfg.SchedulerInterval,
		Cooldown: cfg.SchedulerCooldown,
		Policy: scheduler.Policy{
			MaxRetries:     cfg.SchedulerMaxRetries,
			InitialBackoff: cfg.SchedulerInitialBackoff,
			MaxBackoff:     cfg.SchedulerMaxBackoff,
			Multiplier:     cfg.SchedulerBackoffMultiplier,
			Jitter:         0.3,
		},
		OnFailure: scheduler.ChainFailureHandlers(
			scheduler.LogFailureHandler(log),
			scheduler.DisableAfter(cfg.SchedulerDisableAfter, be.schedules, log),
		),
		Locker: be.locker,
	}, log)

	sweeper := idempotency.NewSweeper(be.idempotency, cfg.IdempotencyCleanupInterval, log)

	reconciler.Start(ctx)
	sched.Start(ctx)
	sweeper.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewHandler(donations, reconciler, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	stop()
	reconciler.Stop()
	sched.Stop()
	sweeper.Stop()
	log.Info().Msg("shutdown complete")
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := store.NewStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		log.Info().Msg("using postgres storage")
		return &backend{
			transactions: pg.Transactions(),
			idempotency:  pg.Idempotency(),
			schedules:    pg.Schedules(),
			locker:       pg.Locker(),
			close:        pg.Close,
		}, nil

	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		path := filepath.Join(cfg.DataDir, "transactions.json")
		txs, err := store.OpenTransactionStore(path)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("using file storage; idempotency keys and schedules are kept in memory")
		return &backend{
			transactions: txs,
			idempotency:  store.NewMemoryIdempotencyStore(),
			schedules:    store.NewMemoryScheduleStore(),
			close:        func() {},
		}, nil
	}
}
