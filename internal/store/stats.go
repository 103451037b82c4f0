package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/models"
)

// RecomputeStats rebuilds the accuracy rollup for a (symbol, timeframe,
// period) grouping from the predictions table and upserts it. The
// rollup is a materialized view: it never feeds back into grading.
func (r *Repository) RecomputeStats(ctx context.Context, symbol, timeframe string, periodDays int, deadZonePercent float64) (*models.AccuracyStats, error) {
	completed, err := r.CompletedSince(ctx, symbol, timeframe, periodDays)
	if err != nil {
		return nil, err
	}

	stats := computeStats(symbol, timeframe, periodDays, deadZonePercent, completed)
	stats.ComputedAt = time.Now().UTC()

	if err := r.upsertStats(ctx, stats); err != nil {
		return nil, err
	}

	logger.Debug("accuracy stats recomputed",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Int("period_days", periodDays),
		zap.Int("total", stats.Total),
	)

	return stats, nil
}

// GetStats returns the stored rollup, ErrNotFound when never computed
func (r *Repository) GetStats(ctx context.Context, symbol, timeframe string, periodDays int) (*models.AccuracyStats, error) {
	query := `
		SELECT symbol, timeframe, period_days, total, correct,
		       buy_total, buy_correct, sell_total, sell_correct, hold_total, hold_correct,
		       mean_abs_error_percent, rmse_percent, mean_confidence,
		       direction_hit_rate, trend_hit_rate, technical_hit_rate, sentiment_hit_rate,
		       computed_at
		FROM accuracy_stats
		WHERE symbol = $1 AND timeframe = $2 AND period_days = $3
	`

	var stats models.AccuracyStats
	err := r.db.GetContext(ctx, &stats, query, symbol, timeframe, periodDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load accuracy stats: %w", err)
	}
	return &stats, nil
}

func (r *Repository) upsertStats(ctx context.Context, s *models.AccuracyStats) error {
	query := `
		INSERT INTO accuracy_stats (
			symbol, timeframe, period_days, total, correct,
			buy_total, buy_correct, sell_total, sell_correct, hold_total, hold_correct,
			mean_abs_error_percent, rmse_percent, mean_confidence,
			direction_hit_rate, trend_hit_rate, technical_hit_rate, sentiment_hit_rate,
			computed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (symbol, timeframe, period_days)
		DO UPDATE SET
			total = EXCLUDED.total,
			correct = EXCLUDED.correct,
			buy_total = EXCLUDED.buy_total,
			buy_correct = EXCLUDED.buy_correct,
			sell_total = EXCLUDED.sell_total,
			sell_correct = EXCLUDED.sell_correct,
			hold_total = EXCLUDED.hold_total,
			hold_correct = EXCLUDED.hold_correct,
			mean_abs_error_percent = EXCLUDED.mean_abs_error_percent,
			rmse_percent = EXCLUDED.rmse_percent,
			mean_confidence = EXCLUDED.mean_confidence,
			direction_hit_rate = EXCLUDED.direction_hit_rate,
			trend_hit_rate = EXCLUDED.trend_hit_rate,
			technical_hit_rate = EXCLUDED.technical_hit_rate,
			sentiment_hit_rate = EXCLUDED.sentiment_hit_rate,
			computed_at = EXCLUDED.computed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		s.Symbol, s.Timeframe, s.PeriodDays, s.Total, s.Correct,
		s.BuyTotal, s.BuyCorrect, s.SellTotal, s.SellCorrect, s.HoldTotal, s.HoldCorrect,
		s.MeanAbsErrorPercent, s.RMSEPercent, s.MeanConfidence,
		s.DirectionHitRate, s.TrendHitRate, s.TechnicalHitRate, s.SentimentHitRate,
		s.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert accuracy stats: %w", err)
	}
	return nil
}

// computeStats aggregates graded predictions into the rollup. Pure so
// the math is testable without a database.
func computeStats(symbol, timeframe string, periodDays int, deadZonePercent float64, completed []models.Prediction) *models.AccuracyStats {
	stats := &models.AccuracyStats{
		Symbol:     symbol,
		Timeframe:  timeframe,
		PeriodDays: periodDays,
	}

	var (
		absErrSum, sqErrSum, confSum float64
		signalHits, signalTotals     [4]int
	)

	for _, p := range completed {
		if p.Correct == nil || p.ActualChange == nil || p.ErrorPercent == nil {
			continue
		}

		stats.Total++
		if *p.Correct {
			stats.Correct++
		}

		switch p.Call {
		case models.CallBuy:
			stats.BuyTotal++
			if *p.Correct {
				stats.BuyCorrect++
			}
		case models.CallSell:
			stats.SellTotal++
			if *p.Correct {
				stats.SellCorrect++
			}
		case models.CallHold:
			stats.HoldTotal++
			if *p.Correct {
				stats.HoldCorrect++
			}
		}

		absErrSum += math.Abs(*p.ErrorPercent)
		sqErrSum += *p.ErrorPercent * *p.ErrorPercent
		confSum += p.Confidence

		actualCall := classifyChange(*p.ActualChange, deadZonePercent)
		for i, kind := range models.SignalKinds {
			vote := p.Components.Vote(kind)
			if !vote.Present {
				continue
			}
			signalTotals[i]++
			if vote.Call == actualCall {
				signalHits[i]++
			}
		}
	}

	if stats.Total > 0 {
		n := float64(stats.Total)
		stats.MeanAbsErrorPercent = absErrSum / n
		stats.RMSEPercent = math.Sqrt(sqErrSum / n)
		stats.MeanConfidence = confSum / n
	}

	rates := [4]*float64{
		&stats.DirectionHitRate, &stats.TrendHitRate,
		&stats.TechnicalHitRate, &stats.SentimentHitRate,
	}
	for i, rate := range rates {
		if signalTotals[i] > 0 {
			*rate = float64(signalHits[i]) / float64(signalTotals[i])
		}
	}

	return stats
}

// classifyChange maps an actual percent change to the call that would
// have been correct, using the same dead-zone as generation: HOLD is
// correct when the change stays inside the band.
func classifyChange(changePercent, deadZonePercent float64) models.Call {
	switch {
	case changePercent > deadZonePercent:
		return models.CallBuy
	case changePercent < -deadZonePercent:
		return models.CallSell
	default:
		return models.CallHold
	}
}
