package workers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/models"
)

// StatsStore is the persistence surface the sweeper needs.
type StatsStore interface {
	GradedTuples(ctx context.Context) ([][2]string, error)
	RecomputeStats(ctx context.Context, symbol, timeframe string, periodDays int, deadZonePercent float64) (*models.AccuracyStats, error)
}

// StatsSweeper periodically recomputes rolling accuracy stats for
// every (symbol, timeframe) pair that has at least one graded
// prediction. Post-validation recomputes keep stats fresh for symbols
// validated today; the sweep moves the rolling window forward for
// symbols that stopped trading.
type StatsSweeper struct {
	store           StatsStore
	periodDays      int
	deadZonePercent float64
}

// NewStatsSweeper creates the sweeper worker.
func NewStatsSweeper(store StatsStore, periodDays int, deadZonePercent float64) *StatsSweeper {
	return &StatsSweeper{
		store:           store,
		periodDays:      periodDays,
		deadZonePercent: deadZonePercent,
	}
}

// Name implements worker.Worker
func (w *StatsSweeper) Name() string {
	return "stats_sweeper"
}

// Run implements worker.Worker
func (w *StatsSweeper) Run(ctx context.Context) error {
	tuples, err := w.store.GradedTuples(ctx)
	if err != nil {
		return fmt.Errorf("failed to list graded tuples: %w", err)
	}

	var failures int
	for _, tuple := range tuples {
		if _, err := w.store.RecomputeStats(ctx, tuple[0], tuple[1], w.periodDays, w.deadZonePercent); err != nil {
			failures++
			logger.Warn("stats recompute failed",
				zap.String("symbol", tuple[0]),
				zap.String("timeframe", tuple[1]),
				zap.Error(err),
			)
		}
	}

	logger.Debug("stats sweep finished",
		zap.Int("tuples", len(tuples)),
		zap.Int("failures", failures),
	)

	if failures == len(tuples) && failures > 0 {
		return fmt.Errorf("all %d stats recomputes failed", failures)
	}
	return nil
}
