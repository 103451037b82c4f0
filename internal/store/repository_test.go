package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/models"
	"github.com/dkrylov/stockcast/test/testdb"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", ""); err != nil {
		panic(err)
	}
	m.Run()
}

func newTestRepository(t *testing.T) (*Repository, *sqlx.DB) {
	t.Helper()
	db := testdb.Connect(t)
	testdb.Truncate(t, db, "predictions", "accuracy_stats")
	return NewRepository(db), db
}

func samplePrediction(symbol, sessionDate string) *models.Prediction {
	generated := time.Date(2026, 1, 9, 13, 15, 0, 0, time.UTC)
	return &models.Prediction{
		Symbol:            symbol,
		SessionDate:       sessionDate,
		Timeframe:         "session-close",
		Region:            "US",
		Call:              models.CallBuy,
		Confidence:        78,
		PriceAtGeneration: models.NewDecimal(100.00),
		PredictedClose:    models.NewDecimal(102.00),
		PredictedChange:   2.0,
		Components: models.ComponentBreakdown{
			Direction: models.SignalVote{Present: true, Call: models.CallBuy, Confidence: 0.8, Weight: 0.45},
			Trend:     models.SignalVote{Present: true, Call: models.CallBuy, Confidence: 0.7, Weight: 0.25},
			Technical: models.SignalVote{Present: true, Call: models.CallHold, Confidence: 0.6, Weight: 0.15},
			Sentiment: models.SentimentVote{
				SignalVote: models.SignalVote{Present: true, Call: models.CallBuy, Confidence: 0.5, Weight: 0.15},
				Label:      "bullish",
				Score:      0.4, ArticleCount: 7,
			},
		},
		GeneratedAt: generated,
		TargetAt:    generated.Add(7 * time.Hour),
	}
}

func TestRepository_InsertAndGetActive(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	p := samplePrediction("AAA", "2026-01-09")
	if err := repo.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if p.ID == 0 {
		t.Fatal("Insert must populate the row id")
	}

	got, err := repo.GetActive(ctx, "AAA", "2026-01-09", "session-close")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}

	if got.ID != p.ID || got.Call != models.CallBuy || got.Status != models.StatusActive {
		t.Errorf("unexpected row: id=%d call=%s status=%s", got.ID, got.Call, got.Status)
	}
	if !got.PredictedClose.Equal(models.NewDecimal(102.00)) {
		t.Errorf("predicted close mismatch: %s", got.PredictedClose)
	}
	if !got.Components.Direction.Present || got.Components.Sentiment.ArticleCount != 7 {
		t.Error("component breakdown did not round-trip")
	}
	if got.ActualClose != nil || got.Correct != nil {
		t.Error("outcome fields must be null before validation")
	}
}

func TestRepository_DuplicateActiveRejected(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	if err := repo.Insert(ctx, samplePrediction("AAA", "2026-01-09")); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err := repo.Insert(ctx, samplePrediction("AAA", "2026-01-09"))
	if !errors.Is(err, ErrDuplicateActive) {
		t.Errorf("expected ErrDuplicateActive, got %v", err)
	}

	// Different session and different symbol are both fine
	if err := repo.Insert(ctx, samplePrediction("AAA", "2026-01-12")); err != nil {
		t.Errorf("different session should insert: %v", err)
	}
	if err := repo.Insert(ctx, samplePrediction("BBB", "2026-01-09")); err != nil {
		t.Errorf("different symbol should insert: %v", err)
	}
}

func TestRepository_ConcurrentInsertsOneWinner(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Insert(ctx, samplePrediction("CCC", "2026-01-09"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrDuplicateActive):
		default:
			t.Errorf("unexpected insert error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 successful insert, got %d", winners)
	}

	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM predictions WHERE symbol = 'CCC'"); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 row, got %d", count)
	}
}

func TestRepository_CompleteOnce(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	p := samplePrediction("AAA", "2026-01-09")
	if err := repo.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	validatedAt := time.Date(2026, 1, 9, 21, 15, 0, 0, time.UTC)
	if err := repo.Complete(ctx, p.ID, models.NewDecimal(101.80), 1.8, 0.20, true, validatedAt); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := repo.GetBySession(ctx, "AAA", "2026-01-09", "session-close")
	if err != nil {
		t.Fatalf("GetBySession: %v", err)
	}

	if got.Status != models.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.ActualClose == nil || !got.ActualClose.Equal(models.NewDecimal(101.80)) {
		t.Error("actual close not recorded")
	}
	if got.Correct == nil || !*got.Correct {
		t.Error("correctness not recorded")
	}
	if got.ValidatedAt == nil {
		t.Error("validated_at not recorded")
	}

	// Second completion is a no-op, not an error, and does not change
	// the recorded outcome.
	if err := repo.Complete(ctx, p.ID, models.NewDecimal(99.00), -1.0, 3.0, false, validatedAt.Add(time.Hour)); err != nil {
		t.Fatalf("second Complete: %v", err)
	}

	var actual float64
	if err := db.Get(&actual, "SELECT actual_close FROM predictions WHERE id = $1", p.ID); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if actual != 101.80 {
		t.Errorf("outcome must be immutable after first completion, got %f", actual)
	}

	// GetActive no longer finds it
	if _, err := repo.GetActive(ctx, "AAA", "2026-01-09", "session-close"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for completed prediction, got %v", err)
	}
}

func TestRepository_ActiveMatured(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	early := samplePrediction("AAA", "2026-01-09")
	late := samplePrediction("BBB", "2026-01-09")
	late.TargetAt = late.TargetAt.Add(24 * time.Hour)
	other := samplePrediction("VOD.L", "2026-01-09")
	other.Region = "LSE"

	for _, p := range []*models.Prediction{early, late, other} {
		if err := repo.Insert(ctx, p); err != nil {
			t.Fatalf("Insert(%s): %v", p.Symbol, err)
		}
	}

	asOf := early.TargetAt.Add(15 * time.Minute)
	matured, err := repo.ActiveMatured(ctx, "US", asOf)
	if err != nil {
		t.Fatalf("ActiveMatured: %v", err)
	}

	if len(matured) != 1 || matured[0].Symbol != "AAA" {
		t.Errorf("expected only AAA matured, got %+v", matured)
	}
}

func TestRepository_HistoryAndStats(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	today := time.Now().UTC()
	dates := []string{
		today.AddDate(0, 0, -2).Format("2006-01-02"),
		today.AddDate(0, 0, -1).Format("2006-01-02"),
	}

	for i, date := range dates {
		p := samplePrediction("AAA", date)
		if err := repo.Insert(ctx, p); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		correct := i == 0
		change := 1.8
		if !correct {
			change = -0.5
		}
		if err := repo.Complete(ctx, p.ID, models.NewDecimal(100*(1+change/100)), change, 0.3, correct, today); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	history, err := repo.History(ctx, "AAA", today.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
	if history[0].SessionDate != dates[1] {
		t.Errorf("history must be newest first, got %s", history[0].SessionDate)
	}
	if history[0].ActualChange == nil {
		t.Error("history must embed outcome fields")
	}

	stats, err := repo.RecomputeStats(ctx, "AAA", "session-close", 30, 0.3)
	if err != nil {
		t.Fatalf("RecomputeStats: %v", err)
	}
	if stats.Total != 2 || stats.Correct != 1 {
		t.Errorf("expected 1/2 correct, got %d/%d", stats.Correct, stats.Total)
	}

	stored, err := repo.GetStats(ctx, "AAA", "session-close", 30)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stored.Total != stats.Total || stored.Correct != stats.Correct {
		t.Error("stored rollup does not match recomputed values")
	}
}
