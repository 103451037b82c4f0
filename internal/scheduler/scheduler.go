package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/internal/adapters/clickhouse"
	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/internal/adapters/marketdata"
	"github.com/dkrylov/stockcast/internal/adapters/telegram"
	"github.com/dkrylov/stockcast/internal/calendar"
	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/metrics"
	"github.com/dkrylov/stockcast/pkg/models"
)

// Store is the prediction persistence surface the scheduler needs.
// *store.Repository satisfies it.
type Store interface {
	ActiveMatured(ctx context.Context, region string, asOf time.Time) ([]models.Prediction, error)
	Complete(ctx context.Context, id int64, actualClose decimal.Decimal, actualChange, errorPercent float64, correct bool, validatedAt time.Time) error
	RecomputeStats(ctx context.Context, symbol, timeframe string, periodDays int, deadZonePercent float64) (*models.AccuracyStats, error)
}

// Summary reports one validation batch.
type Summary struct {
	Region        string    `json:"region"`
	Validated     int       `json:"validated_count"`
	Correct       int       `json:"correct_count"`
	FailedSymbols []string  `json:"failed_symbols"`
	RanAt         time.Time `json:"ran_at"`
}

// RegionStatus is one region's next scheduled validation fire.
type RegionStatus struct {
	Region   string    `json:"region"`
	NextFire time.Time `json:"next_fire_time"`
}

// Scheduler grades matured predictions after each region's close.
// Every region gets its own cron running in that region's timezone,
// so DST shifts never move the fire relative to the closing bell.
type Scheduler struct {
	cal      *calendar.Calendar
	store    Store
	bars     marketdata.Provider
	recorder *metrics.Recorder
	notifier *telegram.Notifier
	audit    *clickhouse.AuditSink

	deadZonePercent    float64
	fetchTimeout       time.Duration
	validateOffset     time.Duration
	lookbackDays       int
	accuracyPeriodDays int

	crons map[string]*cron.Cron
}

// New creates the scheduler. recorder, notifier and audit may be nil.
func New(
	cal *calendar.Calendar,
	st Store,
	bars marketdata.Provider,
	recorder *metrics.Recorder,
	notifier *telegram.Notifier,
	audit *clickhouse.AuditSink,
	deadZonePercent float64,
	sched *config.SchedulerConfig,
	marketData *config.MarketDataConfig,
) *Scheduler {
	return &Scheduler{
		cal:                cal,
		store:              st,
		bars:               bars,
		recorder:           recorder,
		notifier:           notifier,
		audit:              audit,
		deadZonePercent:    deadZonePercent,
		fetchTimeout:       sched.FetchTimeout,
		validateOffset:     sched.ValidateOffset,
		lookbackDays:       marketData.LookbackDays,
		accuracyPeriodDays: sched.AccuracyPeriodDays,
		crons:              make(map[string]*cron.Cron),
	}
}

// Start registers one post-close cron entry per region and starts them.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, region := range s.cal.Regions() {
		region := region

		h, m := validateWallClock(region, s.validateOffset)
		spec := fmt.Sprintf("%d %d * * MON-FRI", m, h)

		c := cron.New(cron.WithLocation(region.Location))
		if _, err := c.AddFunc(spec, func() {
			s.runRegionLogged(ctx, region)
		}); err != nil {
			return fmt.Errorf("failed to schedule region %s: %w", region.Name, err)
		}

		c.Start()
		s.crons[region.Name] = c

		logger.Info("validation cron registered",
			zap.String("region", region.Name),
			zap.String("spec", spec),
			zap.String("tz", region.Location.String()),
		)
	}
	return nil
}

// Stop stops all region crons and waits for running jobs.
func (s *Scheduler) Stop() {
	for name, c := range s.crons {
		<-c.Stop().Done()
		logger.Info("validation cron stopped", zap.String("region", name))
	}
}

// Status reports the next fire time for every region.
func (s *Scheduler) Status() []RegionStatus {
	out := make([]RegionStatus, 0, len(s.crons))
	for name, c := range s.crons {
		entries := c.Entries()
		if len(entries) == 0 {
			continue
		}
		out = append(out, RegionStatus{Region: name, NextFire: entries[0].Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// TriggerValidation runs validation on demand. Empty region means all
// regions; the per-region summaries are returned in region name order.
func (s *Scheduler) TriggerValidation(ctx context.Context, regionName string) ([]Summary, error) {
	var regions []*calendar.Region
	if regionName == "" {
		regions = s.cal.Regions()
	} else {
		region, ok := s.cal.Region(regionName)
		if !ok {
			return nil, fmt.Errorf("%w: region %q", calendar.ErrUnknownMarket, regionName)
		}
		regions = []*calendar.Region{region}
	}

	summaries := make([]Summary, 0, len(regions))
	for _, region := range regions {
		summaries = append(summaries, s.RunRegion(ctx, region))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Region < summaries[j].Region })
	return summaries, nil
}

func (s *Scheduler) runRegionLogged(ctx context.Context, region *calendar.Region) {
	summary := s.RunRegion(ctx, region)
	logger.Info("validation run finished",
		zap.String("region", summary.Region),
		zap.Int("validated", summary.Validated),
		zap.Int("correct", summary.Correct),
		zap.Strings("failed_symbols", summary.FailedSymbols),
	)
}

// RunRegion grades every matured active prediction in one region. A
// symbol that cannot be graded is logged and skipped; its prediction
// stays active and is retried on the next run.
func (s *Scheduler) RunRegion(ctx context.Context, region *calendar.Region) Summary {
	now := s.cal.Now()
	summary := Summary{Region: region.Name, RanAt: now, FailedSymbols: []string{}}

	matured, err := s.store.ActiveMatured(ctx, region.Name, now)
	if err != nil {
		logger.Error("failed to load matured predictions",
			zap.String("region", region.Name),
			zap.Error(err),
		)
		if s.recorder != nil {
			s.recorder.RecordValidationError(region.Name)
		}
		return summary
	}
	if len(matured) == 0 {
		logger.Debug("nothing to validate", zap.String("region", region.Name))
		return summary
	}

	barsBySymbol := make(map[string][]models.Bar)
	failed := make(map[string]bool)
	var outcomes []clickhouse.Outcome
	graded := make(map[[2]string]bool)

	for _, p := range matured {
		if failed[p.Symbol] {
			continue
		}

		bars, ok := barsBySymbol[p.Symbol]
		if !ok {
			bars, err = s.fetchBars(ctx, p.Symbol)
			if err != nil {
				s.markFailed(&summary, failed, region.Name, p.Symbol, err)
				continue
			}
			barsBySymbol[p.Symbol] = bars
		}

		bar, ok := marketdata.CloseOn(bars, p.SessionDate, region.Location)
		if !ok {
			s.markFailed(&summary, failed, region.Name, p.Symbol,
				fmt.Errorf("no bar for session %s", p.SessionDate))
			continue
		}

		actualClose := bar.Close
		actualChange := percentChange(p.PriceAtGeneration, actualClose)
		errorPercent := closeError(p.PredictedClose, actualClose, p.PriceAtGeneration)
		correct := grade(p.Call, actualChange, s.deadZonePercent)

		if err := s.store.Complete(ctx, p.ID, actualClose, actualChange, errorPercent, correct, now); err != nil {
			s.markFailed(&summary, failed, region.Name, p.Symbol, err)
			continue
		}

		summary.Validated++
		if correct {
			summary.Correct++
		}
		graded[[2]string{p.Symbol, p.Timeframe}] = true
		if s.recorder != nil {
			s.recorder.RecordValidated(region.Name, correct)
		}

		outcomes = append(outcomes, clickhouse.Outcome{
			ValidatedAt:    now,
			Region:         region.Name,
			Symbol:         p.Symbol,
			SessionDate:    p.SessionDate,
			Timeframe:      p.Timeframe,
			Call:           string(p.Call),
			PredictedClose: p.PredictedClose.InexactFloat64(),
			ActualClose:    actualClose.InexactFloat64(),
			ActualChange:   actualChange,
			ErrorPercent:   errorPercent,
			Correct:        boolToUint8(correct),
			Confidence:     p.Confidence,
		})

		logger.Info("prediction validated",
			zap.String("symbol", p.Symbol),
			zap.String("session", p.SessionDate),
			zap.String("call", string(p.Call)),
			zap.Float64("actual_change_percent", actualChange),
			zap.Bool("correct", correct),
		)
	}

	for tuple := range graded {
		if _, err := s.store.RecomputeStats(ctx, tuple[0], tuple[1], s.accuracyPeriodDays, s.deadZonePercent); err != nil {
			logger.Warn("failed to recompute accuracy stats",
				zap.String("symbol", tuple[0]),
				zap.String("timeframe", tuple[1]),
				zap.Error(err),
			)
		}
	}

	if err := s.audit.RecordOutcomes(ctx, outcomes); err != nil {
		logger.Warn("failed to write audit batch",
			zap.String("region", region.Name),
			zap.Error(err),
		)
	}

	if err := s.notifier.SendValidationSummary(region.Name, summary.Validated, summary.Correct, summary.FailedSymbols); err != nil {
		logger.Warn("failed to send validation summary",
			zap.String("region", region.Name),
			zap.Error(err),
		)
	}

	return summary
}

// fetchBars retries transient provider failures with exponential
// backoff; each attempt gets its own timeout.
func (s *Scheduler) fetchBars(ctx context.Context, symbol string) ([]models.Bar, error) {
	var bars []models.Bar

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()

		var err error
		bars, err = s.bars.GetBars(attemptCtx, symbol, s.lookbackDays)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to fetch bars for %s: %w", symbol, err)
	}
	return bars, nil
}

func (s *Scheduler) markFailed(summary *Summary, failed map[string]bool, region, symbol string, err error) {
	if !failed[symbol] {
		failed[symbol] = true
		summary.FailedSymbols = append(summary.FailedSymbols, symbol)
	}
	if s.recorder != nil {
		s.recorder.RecordValidationError(region)
	}
	logger.Error("validation failed for symbol, prediction stays active",
		zap.String("region", region),
		zap.String("symbol", symbol),
		zap.Error(err),
	)
}

// grade applies the same dead-zone rule used at generation time: a
// HOLD is correct when the move stays inside the band, BUY and SELL
// are correct only when the move clears it in their direction.
func grade(call models.Call, actualChangePercent, deadZonePercent float64) bool {
	switch call {
	case models.CallBuy:
		return actualChangePercent > deadZonePercent
	case models.CallSell:
		return actualChangePercent < -deadZonePercent
	default:
		return actualChangePercent >= -deadZonePercent && actualChangePercent <= deadZonePercent
	}
}

func percentChange(from, to decimal.Decimal) float64 {
	if from.IsZero() {
		return 0
	}
	return to.Sub(from).Div(from).InexactFloat64() * 100
}

// closeError is |predicted − actual| over the generation-time price,
// i.e. the gap between predicted and actual percent change.
func closeError(predicted, actual, base decimal.Decimal) float64 {
	if base.IsZero() {
		return 0
	}
	return predicted.Sub(actual).Abs().Div(base).InexactFloat64() * 100
}

func validateWallClock(region *calendar.Region, offset time.Duration) (hour, minute int) {
	total := region.CloseHour*60 + region.CloseMinute + int(offset.Minutes())
	total %= 24 * 60
	return total / 60, total % 60
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
