package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/internal/adapters/marketdata"
	"github.com/dkrylov/stockcast/internal/calendar"
	"github.com/dkrylov/stockcast/internal/ensemble"
	"github.com/dkrylov/stockcast/internal/signals"
	"github.com/dkrylov/stockcast/internal/store"
	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/metrics"
	"github.com/dkrylov/stockcast/pkg/models"
)

var (
	// ErrMarketOpenLock is returned when a caller asks to regenerate a
	// prediction whose market has already opened: the payload is frozen
	// so its accuracy stays measurable.
	ErrMarketOpenLock = errors.New("prediction locked while market is open")

	// ErrUnavailable is returned when no prediction exists and the
	// generation window has passed (or never opens today). Generating
	// after open would poison validation, so the request is refused.
	ErrUnavailable = errors.New("prediction unavailable")
)

// Store is the slice of the prediction repository the orchestrator uses
type Store interface {
	Insert(ctx context.Context, p *models.Prediction) error
	GetBySession(ctx context.Context, symbol, sessionDate, timeframe string) (*models.Prediction, error)
	History(ctx context.Context, symbol string, since time.Time) ([]models.Prediction, error)
	RecomputeStats(ctx context.Context, symbol, timeframe string, periodDays int, deadZonePercent float64) (*models.AccuracyStats, error)
	GetStats(ctx context.Context, symbol, timeframe string, periodDays int) (*models.AccuracyStats, error)
}

// Orchestrator decides, per request, whether to generate a fresh
// prediction, return the cached one, or refuse. All lifecycle
// transitions except grading happen here; grading belongs to the
// validation scheduler.
type Orchestrator struct {
	cal       *calendar.Calendar
	store     Store
	combiner  *ensemble.Combiner
	bars      marketdata.Provider
	direction signals.DirectionEstimator
	trend     signals.TrendEstimator
	technical signals.TechnicalEstimator
	sentiment signals.SentimentScorer
	recorder  *metrics.Recorder

	lookbackDays       int
	defaultTimeframe   string
	accuracyPeriodDays int
	statsMaxAge        time.Duration
}

// New creates the orchestrator. recorder may be nil.
func New(
	cal *calendar.Calendar,
	st Store,
	combiner *ensemble.Combiner,
	bars marketdata.Provider,
	direction signals.DirectionEstimator,
	trend signals.TrendEstimator,
	technical signals.TechnicalEstimator,
	sentiment signals.SentimentScorer,
	recorder *metrics.Recorder,
	marketData *config.MarketDataConfig,
	sched *config.SchedulerConfig,
) *Orchestrator {
	return &Orchestrator{
		cal:                cal,
		store:              st,
		combiner:           combiner,
		bars:               bars,
		direction:          direction,
		trend:              trend,
		technical:          technical,
		sentiment:          sentiment,
		recorder:           recorder,
		lookbackDays:       marketData.LookbackDays,
		defaultTimeframe:   sched.DefaultTimeframe,
		accuracyPeriodDays: sched.AccuracyPeriodDays,
		statsMaxAge:        sched.StatsSweepInterval,
	}
}

// GetPrediction returns today's prediction for the symbol, generating
// it when the request lands inside the pre-open window.
func (o *Orchestrator) GetPrediction(ctx context.Context, symbol, timeframe string, forceRefresh bool) (*models.Prediction, error) {
	if timeframe == "" {
		timeframe = o.defaultTimeframe
	}

	session, err := o.cal.CurrentSession(symbol)
	if err != nil {
		return nil, err
	}
	if session == nil {
		next, nextErr := o.cal.NextSessionDate(symbol)
		if nextErr != nil {
			return nil, nextErr
		}
		return nil, fmt.Errorf("%w: no trading session today for %s, next session %s",
			ErrUnavailable, symbol, next)
	}

	existing, err := o.store.GetBySession(ctx, symbol, session.Date, timeframe)
	switch {
	case err == nil:
		o.annotate(existing, session)
		if forceRefresh && !existing.IsCompleted() && existing.Locked {
			return nil, fmt.Errorf("%w: %s opened at %s", ErrMarketOpenLock,
				symbol, session.Open.Format("15:04 MST"))
		}
		// Pre-open force refresh still returns the stored row: the
		// prediction is the audit trail and is never replaced.
		return existing, nil
	case errors.Is(err, store.ErrNotFound):
		// fall through to the state machine below
	default:
		return nil, err
	}

	now := o.cal.Now()
	switch {
	case !now.Before(session.PregenStart) && now.Before(session.PregenEnd):
		return o.generate(ctx, symbol, timeframe, session)
	case now.Before(session.PregenStart):
		return nil, fmt.Errorf("%w: generation window for %s opens at %s",
			ErrUnavailable, symbol, session.PregenStart.Format("15:04 MST"))
	default:
		// Pregen missed, market open or already closed. Generating now
		// would grade a stale-window prediction, so refuse explicitly.
		return nil, fmt.Errorf("%w: market already open for %s, generation window %s-%s missed",
			ErrUnavailable, symbol,
			session.PregenStart.Format("15:04"), session.PregenEnd.Format("15:04 MST"))
	}
}

// GetHistory returns the symbol's predictions over the trailing window,
// outcome fields embedded.
func (o *Orchestrator) GetHistory(ctx context.Context, symbol string, sinceDays int) ([]models.Prediction, error) {
	region, err := o.cal.Resolve(symbol)
	if err != nil {
		return nil, err
	}

	since := o.cal.Now().AddDate(0, 0, -sinceDays)
	history, err := o.store.History(ctx, symbol, since)
	if err != nil {
		return nil, err
	}

	for i := range history {
		p := &history[i]
		if p.Status != models.StatusActive {
			continue
		}
		if date, err := time.ParseInLocation("2006-01-02", p.SessionDate, region.Location); err == nil {
			o.annotate(p, o.cal.SessionOn(region, date))
		}
	}

	return history, nil
}

// GetAccuracy returns the accuracy rollup, serving the stored one
// while it is younger than the sweep interval and recomputing
// otherwise. Validation batches refresh the rollup eagerly, so a
// fresh stored row already reflects the latest graded session.
func (o *Orchestrator) GetAccuracy(ctx context.Context, symbol, timeframe string, periodDays int) (*models.AccuracyStats, error) {
	if timeframe == "" {
		timeframe = o.defaultTimeframe
	}
	if periodDays <= 0 {
		periodDays = o.accuracyPeriodDays
	}

	if stats, err := o.store.GetStats(ctx, symbol, timeframe, periodDays); err == nil {
		if o.statsMaxAge > 0 && o.cal.Now().Sub(stats.ComputedAt) < o.statsMaxAge {
			return stats, nil
		}
	}
	return o.store.RecomputeStats(ctx, symbol, timeframe, periodDays, o.combiner.DeadZonePercent())
}

// annotate computes the read-time lifecycle flags from the clock. The
// lock is a pure function of time, never a stored bit.
func (o *Orchestrator) annotate(p *models.Prediction, session *calendar.Session) {
	if p.Status != models.StatusActive {
		return
	}
	now := o.cal.Now()
	p.Locked = !now.Before(session.Open)
	p.PendingValidation = !now.Before(session.Close)
}

// generate builds a fresh prediction inside the pregen window. A
// duplicate-insert race is absorbed: the loser re-reads and returns the
// winner's row as a normal response.
func (o *Orchestrator) generate(ctx context.Context, symbol, timeframe string, session *calendar.Session) (*models.Prediction, error) {
	bars, err := o.bars.GetBars(ctx, symbol, o.lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bars for %s: %w", symbol, err)
	}
	currentPrice := models.LastClose(bars)

	inputs, err := o.collectSignals(ctx, symbol, bars)
	if err != nil {
		return nil, err
	}

	result, err := o.combiner.Combine(currentPrice, *inputs)
	if err != nil {
		return nil, err
	}

	prediction := &models.Prediction{
		Symbol:            symbol,
		SessionDate:       session.Date,
		Timeframe:         timeframe,
		Region:            session.Region,
		Call:              result.Call,
		Confidence:        result.Confidence,
		PriceAtGeneration: currentPrice,
		PredictedClose:    result.TargetPrice,
		PredictedChange:   result.PredictedChange,
		Components:        result.Components,
		Status:            models.StatusActive,
		GeneratedAt:       o.cal.Now(),
		TargetAt:          session.Close,
	}

	if err := o.store.Insert(ctx, prediction); err != nil {
		if errors.Is(err, store.ErrDuplicateActive) {
			// A concurrent request won the insert race; its row is the
			// prediction of record for this session.
			if o.recorder != nil {
				o.recorder.RecordDuplicateRace()
			}
			logger.Debug("duplicate insert race absorbed",
				zap.String("symbol", symbol),
				zap.String("session", session.Date),
			)
			winner, readErr := o.store.GetBySession(ctx, symbol, session.Date, timeframe)
			if readErr != nil {
				return nil, readErr
			}
			o.annotate(winner, session)
			return winner, nil
		}
		return nil, err
	}

	if o.recorder != nil {
		o.recorder.RecordGenerated(session.Region, string(result.Call), result.Confidence)
	}
	logger.Info("prediction generated",
		zap.String("symbol", symbol),
		zap.String("session", session.Date),
		zap.String("call", string(result.Call)),
		zap.Float64("confidence", result.Confidence),
		zap.String("predicted_close", result.TargetPrice.String()),
	)

	o.annotate(prediction, session)
	return prediction, nil
}

// collectSignals gathers all collaborator estimates. Trend and
// technical failures abort generation; direction and sentiment degrade
// to absent votes.
func (o *Orchestrator) collectSignals(ctx context.Context, symbol string, bars []models.Bar) (*ensemble.Inputs, error) {
	trendEst, err := o.trend.EstimateTrend(bars)
	if err != nil {
		return nil, fmt.Errorf("%w: trend estimator: %v", ensemble.ErrInsufficientSignals, err)
	}
	technicalEst, err := o.technical.EstimateTechnical(bars)
	if err != nil {
		return nil, fmt.Errorf("%w: technical estimator: %v", ensemble.ErrInsufficientSignals, err)
	}

	inputs := &ensemble.Inputs{
		Trend:     ensemble.Estimate{Present: true, Call: trendEst.Call, Confidence: trendEst.Confidence},
		Technical: ensemble.Estimate{Present: true, Call: technicalEst.Call, Confidence: technicalEst.Confidence},
	}

	if o.direction != nil && o.direction.Available() {
		if est, err := o.direction.EstimateDirection(ctx, bars); err != nil {
			logger.Warn("direction estimator unavailable, weight zeroed",
				zap.String("symbol", symbol), zap.Error(err))
		} else {
			inputs.Direction = ensemble.Estimate{
				Present:    true,
				Call:       est.Call,
				Confidence: est.Confidence,
				Price:      est.PredictedPrice,
				HasPrice:   true,
			}
		}
	}

	if o.sentiment != nil && o.sentiment.Available() {
		if score, err := o.sentiment.ScoreSentiment(ctx, symbol); err != nil {
			logger.Warn("sentiment scorer unavailable, weight zeroed",
				zap.String("symbol", symbol), zap.Error(err))
		} else {
			inputs.Sentiment = ensemble.SentimentEstimate{
				Estimate: ensemble.Estimate{
					Present:    true,
					Call:       sentimentCall(score.Label),
					Confidence: clamp01(absFloat(score.Score)),
				},
				Label:        score.Label,
				Score:        score.Score,
				ArticleCount: score.ArticleCount,
			}
		}
	}

	return inputs, nil
}

func sentimentCall(label string) models.Call {
	switch label {
	case "bullish":
		return models.CallBuy
	case "bearish":
		return models.CallSell
	default:
		return models.CallHold
	}
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
