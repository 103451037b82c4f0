package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/internal/calendar"
	"github.com/dkrylov/stockcast/internal/ensemble"
	"github.com/dkrylov/stockcast/internal/signals"
	"github.com/dkrylov/stockcast/internal/store"
	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/models"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", ""); err != nil {
		panic(err)
	}
	m.Run()
}

// fakeStore is an in-memory Store enforcing the active-uniqueness
// invariant the way the database's partial unique index does.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*models.Prediction

	storedStats *models.AccuracyStats
	recomputes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*models.Prediction)}
}

func key(symbol, sessionDate, timeframe string) string {
	return symbol + "|" + sessionDate + "|" + timeframe
}

func (s *fakeStore) Insert(_ context.Context, p *models.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(p.Symbol, p.SessionDate, p.Timeframe)
	if existing, ok := s.rows[k]; ok && existing.Status == models.StatusActive {
		return fmt.Errorf("%w: %s", store.ErrDuplicateActive, k)
	}

	s.nextID++
	p.ID = s.nextID
	clone := *p
	s.rows[k] = &clone
	return nil
}

func (s *fakeStore) GetBySession(_ context.Context, symbol, sessionDate, timeframe string) (*models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.rows[key(symbol, sessionDate, timeframe)]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) History(_ context.Context, symbol string, _ time.Time) ([]models.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Prediction
	for _, p := range s.rows {
		if p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) RecomputeStats(_ context.Context, symbol, timeframe string, periodDays int, _ float64) (*models.AccuracyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputes++
	return &models.AccuracyStats{Symbol: symbol, Timeframe: timeframe, PeriodDays: periodDays}, nil
}

func (s *fakeStore) GetStats(_ context.Context, _, _ string, _ int) (*models.AccuracyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storedStats == nil {
		return nil, store.ErrNotFound
	}
	return s.storedStats, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeBars struct {
	err error
}

func (f *fakeBars) GetName() string { return "fake" }

func (f *fakeBars) GetBars(_ context.Context, symbol string, _ int) ([]models.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	bars := make([]models.Bar, 40)
	price := 96.0
	for i := range bars {
		price += 0.1
		bars[i] = models.Bar{Symbol: symbol, Close: models.NewDecimal(price)}
	}
	bars[len(bars)-1].Close = models.NewDecimal(100.0)
	return bars, nil
}

type fakeCallEstimator struct {
	call models.Call
	conf float64
	err  error
}

func (f *fakeCallEstimator) EstimateTrend(_ []models.Bar) (*signals.CallEstimate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &signals.CallEstimate{Call: f.call, Confidence: f.conf}, nil
}

func (f *fakeCallEstimator) EstimateTechnical(_ []models.Bar) (*signals.CallEstimate, error) {
	return f.EstimateTrend(nil)
}

type fakeDirection struct {
	available bool
	price     float64
	conf      float64
}

func (f *fakeDirection) Available() bool { return f.available }

func (f *fakeDirection) EstimateDirection(_ context.Context, _ []models.Bar) (*signals.DirectionEstimate, error) {
	return &signals.DirectionEstimate{
		Call:           models.CallBuy,
		PredictedPrice: models.NewDecimal(f.price),
		Confidence:     f.conf,
	}, nil
}

type fakeSentiment struct {
	available bool
}

func (f *fakeSentiment) Available() bool { return f.available }

func (f *fakeSentiment) ScoreSentiment(_ context.Context, _ string) (*signals.SentimentScore, error) {
	return &signals.SentimentScore{Label: "bullish", Score: 0.6, ArticleCount: 9}, nil
}

type fixture struct {
	clock *calendar.FixedClock
	store *fakeStore
	orch  *Orchestrator
}

func newFixture(t *testing.T, at string) *fixture {
	t.Helper()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", at, loc)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	clock := &calendar.FixedClock{Current: ts}

	markets := &config.MarketsConfig{
		Regions: []string{"US||America/New_York|09:30|16:00|"},
	}
	sched := &config.SchedulerConfig{
		PregenWindow:       90 * time.Minute,
		ValidateOffset:     15 * time.Minute,
		DefaultTimeframe:   "session-close",
		StatsSweepInterval: time.Hour,
		AccuracyPeriodDays: 30,
	}
	cal, err := calendar.New(markets, sched, clock)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}

	combiner := ensemble.New(&config.EnsembleConfig{
		DirectionWeight:    0.45,
		TrendWeight:        0.25,
		TechnicalWeight:    0.15,
		SentimentWeight:    0.15,
		DeadZonePercent:    0.3,
		AgreementThreshold: 0.6,
		MaxDisagreePenalty: 15.0,
	})

	st := newFakeStore()
	orch := New(
		cal, st, combiner, &fakeBars{},
		&fakeDirection{available: true, price: 102.0, conf: 0.8},
		&fakeCallEstimator{call: models.CallBuy, conf: 0.7},
		&fakeCallEstimator{call: models.CallBuy, conf: 0.6},
		&fakeSentiment{available: true},
		nil,
		&config.MarketDataConfig{LookbackDays: 60},
		sched,
	)

	return &fixture{clock: clock, store: st, orch: orch}
}

func TestGetPrediction_GeneratesInPregenWindow(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	ctx := context.Background()

	p, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if err != nil {
		t.Fatalf("GetPrediction: %v", err)
	}

	if p.Call != models.CallBuy {
		t.Errorf("expected BUY, got %s", p.Call)
	}
	if p.SessionDate != "2026-01-09" {
		t.Errorf("unexpected session date %s", p.SessionDate)
	}
	if p.Locked {
		t.Error("prediction must not be locked inside pregen window")
	}
	if !p.TargetAt.Equal(time.Date(2026, 1, 9, 16, 0, 0, 0, p.TargetAt.Location())) {
		t.Errorf("target must be session close, got %v", p.TargetAt)
	}
	if f.store.count() != 1 {
		t.Errorf("expected 1 stored row, got %d", f.store.count())
	}
}

func TestGetPrediction_IdempotentWithinPregen(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	ctx := context.Background()

	first, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	f.clock.Advance(30 * time.Minute) // still pre-open

	second, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if second.ID != first.ID ||
		second.Call != first.Call ||
		!second.PredictedClose.Equal(first.PredictedClose) ||
		second.Confidence != first.Confidence {
		t.Error("repeated pregen requests must return the identical payload")
	}
	if f.store.count() != 1 {
		t.Errorf("expected 1 stored row, got %d", f.store.count())
	}
}

func TestGetPrediction_LocksAtOpen(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	ctx := context.Background()

	generated, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	f.clock.Advance(90 * time.Minute) // 09:45, market open

	locked, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if err != nil {
		t.Fatalf("read at open: %v", err)
	}

	if !locked.Locked {
		t.Error("prediction must be locked once the market opens")
	}
	if !locked.PredictedClose.Equal(generated.PredictedClose) || locked.Confidence != generated.Confidence {
		t.Error("locked payload must be unchanged from pregen value")
	}

	// Force refresh is rejected, distinctly from "no data"
	_, err = f.orch.GetPrediction(ctx, "AAA", "", true)
	if !errors.Is(err, ErrMarketOpenLock) {
		t.Errorf("expected ErrMarketOpenLock, got %v", err)
	}
}

func TestGetPrediction_MissedWindowIsUnavailable(t *testing.T) {
	f := newFixture(t, "2026-01-09 09:35") // 5 min after open, no row
	ctx := context.Background()

	_, err := f.orch.GetPrediction(ctx, "DDD", "", false)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if f.store.count() != 0 {
		t.Error("missed-window requests must not generate predictions")
	}
}

func TestGetPrediction_BeforePregenIsUnavailable(t *testing.T) {
	f := newFixture(t, "2026-01-09 06:00")
	ctx := context.Background()

	_, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable before the pregen window, got %v", err)
	}
}

func TestGetPrediction_WeekendIsUnavailable(t *testing.T) {
	f := newFixture(t, "2026-01-10 08:15") // Saturday
	ctx := context.Background()

	_, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable on a weekend, got %v", err)
	}
}

func TestGetPrediction_UnknownSuffix(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	ctx := context.Background()

	_, err := f.orch.GetPrediction(ctx, "SAP.DE", "", false)
	if !errors.Is(err, calendar.ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestGetPrediction_PendingValidationAfterClose(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	ctx := context.Background()

	if _, err := f.orch.GetPrediction(ctx, "AAA", "", false); err != nil {
		t.Fatalf("generate: %v", err)
	}

	f.clock.Advance(8 * time.Hour) // 16:15, closed, not yet validated

	p, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if err != nil {
		t.Fatalf("read after close: %v", err)
	}

	if p.Status != models.StatusActive {
		t.Errorf("expected still-active prediction, got %s", p.Status)
	}
	if !p.PendingValidation {
		t.Error("post-close active predictions must flag pending_validation")
	}
}

func TestGetPrediction_ConcurrentCallsOneRow(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:00")
	ctx := context.Background()

	const n = 8
	results := make([]*models.Prediction, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.GetPrediction(ctx, "CCC", "", false)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
	}
	if f.store.count() != 1 {
		t.Errorf("expected exactly 1 row, got %d", f.store.count())
	}
	for i := 1; i < n; i++ {
		if results[i].ID != results[0].ID || !results[i].PredictedClose.Equal(results[0].PredictedClose) {
			t.Errorf("caller %d saw a different prediction", i)
		}
	}
}

func TestGetPrediction_MandatorySignalFailure(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	f.orch.trend = &fakeCallEstimator{err: errors.New("model offline")}
	ctx := context.Background()

	_, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if !errors.Is(err, ensemble.ErrInsufficientSignals) {
		t.Errorf("expected ErrInsufficientSignals, got %v", err)
	}
	if f.store.count() != 0 {
		t.Error("failed generation must not write a row")
	}
}

func TestGetPrediction_OptionalSignalsAbsent(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	f.orch.direction = &fakeDirection{available: false}
	f.orch.sentiment = &fakeSentiment{available: false}
	ctx := context.Background()

	p, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if err != nil {
		t.Fatalf("GetPrediction: %v", err)
	}

	if p.Components.Direction.Present || p.Components.Sentiment.Present {
		t.Error("absent collaborators must not appear as present votes")
	}

	sum := p.Components.Trend.Weight + p.Components.Technical.Weight
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("remaining weights must renormalize to 1, got %f", sum)
	}
}

func TestGetAccuracy_ServesFreshStoredRollup(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	ctx := context.Background()

	// Never computed: falls through to a recompute.
	if _, err := f.orch.GetAccuracy(ctx, "AAA", "", 0); err != nil {
		t.Fatalf("GetAccuracy: %v", err)
	}
	if f.store.recomputes != 1 {
		t.Fatalf("expected 1 recompute, got %d", f.store.recomputes)
	}

	// A rollup younger than the sweep interval is served as stored.
	f.store.storedStats = &models.AccuracyStats{
		Symbol:     "AAA",
		Timeframe:  "session-close",
		PeriodDays: 30,
		Total:      7,
		ComputedAt: f.clock.Current.Add(-10 * time.Minute),
	}
	stats, err := f.orch.GetAccuracy(ctx, "AAA", "", 0)
	if err != nil {
		t.Fatalf("GetAccuracy: %v", err)
	}
	if stats.Total != 7 {
		t.Errorf("expected the stored rollup, got total=%d", stats.Total)
	}
	if f.store.recomputes != 1 {
		t.Errorf("fresh rollup must not trigger a recompute, got %d", f.store.recomputes)
	}

	// Once it ages past the sweep interval, recompute again.
	f.store.storedStats.ComputedAt = f.clock.Current.Add(-2 * time.Hour)
	if _, err := f.orch.GetAccuracy(ctx, "AAA", "", 0); err != nil {
		t.Fatalf("GetAccuracy: %v", err)
	}
	if f.store.recomputes != 2 {
		t.Errorf("stale rollup must recompute, got %d", f.store.recomputes)
	}
}

func TestGetPrediction_BarsFetchFailure(t *testing.T) {
	f := newFixture(t, "2026-01-09 08:15")
	f.orch.bars = &fakeBars{err: signals.ErrDataUnavailable}
	ctx := context.Background()

	_, err := f.orch.GetPrediction(ctx, "AAA", "", false)
	if !errors.Is(err, signals.ErrDataUnavailable) {
		t.Errorf("expected ErrDataUnavailable, got %v", err)
	}
	if f.store.count() != 0 {
		t.Error("failed generation must not write a row")
	}
}
