// Command clearingd runs the clearing core's two background sweeps —
// the scheduled-payment driver and the escrow expiry sweep — against
// a configured storage backend. It has no HTTP surface of its own:
// the ledgercore/escrowcore/batch packages are meant to be imported
// directly by whatever transport layer a caller puts in front of
// them; batch in particular is purely on-demand and has no
// background loop to run here.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/clearing-core/internal/config"
	"github.com/mbd888/clearing-core/internal/escrowcore"
	"github.com/mbd888/clearing-core/internal/eventbus"
	"github.com/mbd888/clearing-core/internal/health"
	"github.com/mbd888/clearing-core/internal/idempotency"
	"github.com/mbd888/clearing-core/internal/ledgercore"
	"github.com/mbd888/clearing-core/internal/logging"
	"github.com/mbd888/clearing-core/internal/money"
	"github.com/mbd888/clearing-core/internal/scheduler"
	"github.com/mbd888/clearing-core/internal/storage"
)

// escrowSweepInterval is how often expired escrows are refunded back
// to their senders.
const escrowSweepInterval = 30 * time.Second

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")
	logger.Info("starting clearingd", "version", Version, "commit", Commit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, "text")

	db, closeDB, err := openStorage(cfg)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	bus := eventbus.New(logger)
	idem := idempotency.New(db)

	ledgerCfg := ledgercore.DefaultConfig()
	ledgerCfg.FeeSinkAccount = cfg.FeeSinkAccount
	if cfg.FeeRateBps > 0 {
		ledgerCfg.FeeCalculator = ledgercore.PercentageFee(cfg.FeeRateBps)
	}
	if cfg.DefaultMaxTransferAmount != "" {
		ledgerCfg.DefaultLimits.MaxTransferAmount = money.MustNew(cfg.DefaultMaxTransferAmount)
	}
	if cfg.DefaultDailyLimit != "" {
		ledgerCfg.DefaultLimits.DailyTransferLimit = money.MustNew(cfg.DefaultDailyLimit)
	}
	ledgerCfg.DefaultLimits.MinBalance = money.MustNew(cfg.DefaultMinBalance)

	ledger := ledgercore.New(db, bus, idem, ledgerCfg, logger)
	escrow := escrowcore.New(db, bus, logger)
	sched := scheduler.New(db, ledger, bus, logger).
		WithCheckInterval(cfg.SchedulerCheckInterval).
		WithMaxFailures(cfg.SchedulerMaxFailures)

	registry := health.NewRegistry()
	registry.Register("storage", storageChecker(db))
	registry.Register("scheduler", func(ctx context.Context) health.Status {
		return health.Status{Name: "scheduler", Healthy: sched.Running()}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go sched.Start(ctx)
	go runEscrowSweep(ctx, escrow, logger)
	logger.Info("clearingd running", "env", cfg.Env, "schedulerInterval", cfg.SchedulerCheckInterval)

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()

	healthy, statuses := registry.CheckAll(context.Background())
	logger.Info("final health snapshot", "healthy", healthy, "statuses", statuses)
}

func runEscrowSweep(ctx context.Context, engine *escrowcore.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(escrowSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.ExpireDue(ctx)
			if err != nil {
				logger.Error("escrow expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("escrow expiry sweep", "expired", n)
			}
		}
	}
}

func openStorage(cfg *config.Config) (storage.Adapter, func(), error) {
	if cfg.DatabaseURL == "" {
		return storage.NewMemoryAdapter(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	adapter := storage.NewPostgresAdapter(db)
	return adapter, func() { _ = db.Close() }, nil
}

func storageChecker(db storage.Adapter) health.Checker {
	return func(ctx context.Context) health.Status {
		if _, err := db.GetStatistics(ctx); err != nil {
			return health.Status{Name: "storage", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "storage", Healthy: true}
	}
}
