package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"github.com/dkrylov/stockcast/internal/adapters/clickhouse"
	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/internal/adapters/database"
	"github.com/dkrylov/stockcast/internal/adapters/marketdata"
	"github.com/dkrylov/stockcast/internal/adapters/telegram"
	"github.com/dkrylov/stockcast/internal/calendar"
	"github.com/dkrylov/stockcast/internal/ensemble"
	"github.com/dkrylov/stockcast/internal/scheduler"
	"github.com/dkrylov/stockcast/internal/store"
	"github.com/dkrylov/stockcast/pkg/logger"
)

// One-shot validation run for operators: grades every matured active
// prediction and exits. Useful after an outage that skipped a cron
// fire, or before inspecting accuracy stats.
func main() {
	region := flag.String("region", "", "validate a single region (default: all)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx, *region); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, region string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db.Conn(), "./migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

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

	combiner := ensemble.New(&cfg.Ensemble)
	sched := scheduler.New(
		cal,
		store.NewRepository(db.DB()),
		marketdata.NewChartClient(&cfg.MarketData),
		nil, notifier, audit,
		combiner.DeadZonePercent(),
		&cfg.Scheduler, &cfg.MarketData,
	)

	summaries, err := sched.TriggerValidation(ctx, region)
	if err != nil {
		return err
	}

	for _, s := range summaries {
		fmt.Printf("%-6s validated=%d correct=%d failed=%v\n",
			s.Region, s.Validated, s.Correct, s.FailedSymbols)
	}
	return nil
}
