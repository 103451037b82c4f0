package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"github.com/dkrylov/stockcast/internal/adapters/clickhouse"
	"github.com/dkrylov/stockcast/internal/api"
	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/internal/adapters/database"
	"github.com/dkrylov/stockcast/internal/adapters/marketdata"
	"github.com/dkrylov/stockcast/internal/adapters/telegram"
	"github.com/dkrylov/stockcast/internal/calendar"
	"github.com/dkrylov/stockcast/internal/ensemble"
	"github.com/dkrylov/stockcast/internal/orchestrator"
	"github.com/dkrylov/stockcast/internal/scheduler"
	"github.com/dkrylov/stockcast/internal/signals"
	"github.com/dkrylov/stockcast/internal/store"
	"github.com/dkrylov/stockcast/internal/workers"
	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/metrics"
	"github.com/dkrylov/stockcast/pkg/worker"
)

func main() {
	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Stockcast predictor starting...",
		zap.Int("regions", len(cfg.Markets.Regions)),
	)

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Optional collaborators degrade to nil when unconfigured
	notifier, err := telegram.NewNotifier(&cfg.Telegram)
	if err != nil {
		logger.Warn("telegram notifier unavailable", zap.Error(err))
	}

	audit, err := clickhouse.NewAuditSink(&cfg.ClickHouse)
	if err != nil {
		logger.Warn("ClickHouse audit sink unavailable", zap.Error(err))
		audit = nil
	}
	if audit != nil {
		defer audit.Close()
		if err := audit.EnsureSchema(ctx); err != nil {
			logger.Warn("ClickHouse schema setup failed, sink disabled", zap.Error(err))
			audit.Close()
			audit = nil
		}
	}

	cal, err := calendar.New(&cfg.Markets, &cfg.Scheduler, calendar.RealClock())
	if err != nil {
		return fmt.Errorf("failed to build market calendar: %w", err)
	}

	repo := store.NewRepository(db.DB())
	combiner := ensemble.New(&cfg.Ensemble)
	bars := marketdata.NewChartClient(&cfg.MarketData)
	recorder := metrics.New()

	orch := orchestrator.New(
		cal, repo, combiner, bars,
		signals.NewHTTPDirection(&cfg.Direction),
		signals.NewSMATrend(),
		signals.NewIndicatorTechnical(),
		signals.NewHTTPSentiment(&cfg.Sentiment),
		recorder,
		&cfg.MarketData,
		&cfg.Scheduler,
	)
	sched := scheduler.New(
		cal, repo, bars, recorder, notifier, audit,
		combiner.DeadZonePercent(),
		&cfg.Scheduler, &cfg.MarketData,
	)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start validation scheduler: %w", err)
	}
	defer sched.Stop()

	sweeper := worker.RunBackground(ctx,
		workers.NewStatsSweeper(repo, cfg.Scheduler.AccuracyPeriodDays, combiner.DeadZonePercent()),
		cfg.Scheduler.StatsSweepInterval,
	)
	defer sweeper.Stop(10 * time.Second)

	if cfg.Metrics.Enabled {
		startMetricsListener(cfg.Metrics.ListenAddr)
	}

	apiServer := api.NewServer(&cfg.API, orch, sched, db)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	for _, st := range sched.Status() {
		logger.Info("next validation fire",
			zap.String("region", st.Region),
			zap.Time("at", st.NextFire),
		)
	}

	logger.Info("✅ Stockcast predictor started")

	<-ctx.Done()
	logger.Info("🛑 Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", zap.Error(err))
	}
	return nil
}

func initConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func initDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(db.Conn(), "./migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func startMetricsListener(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	go func() {
		logger.Info("metrics listener started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
}
