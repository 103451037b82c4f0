package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/models"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", ""); err != nil {
		panic(err)
	}
	m.Run()
}

type fakeStatsStore struct {
	tuples     [][2]string
	tuplesErr  error
	recomputed [][2]string
	failFor    map[[2]string]bool
}

func (s *fakeStatsStore) GradedTuples(_ context.Context) ([][2]string, error) {
	if s.tuplesErr != nil {
		return nil, s.tuplesErr
	}
	return s.tuples, nil
}

func (s *fakeStatsStore) RecomputeStats(_ context.Context, symbol, timeframe string, periodDays int, _ float64) (*models.AccuracyStats, error) {
	if s.failFor[[2]string{symbol, timeframe}] {
		return nil, errors.New("recompute failed")
	}
	s.recomputed = append(s.recomputed, [2]string{symbol, timeframe})
	return &models.AccuracyStats{Symbol: symbol, Timeframe: timeframe, PeriodDays: periodDays}, nil
}

func TestStatsSweeper_RecomputesAllTuples(t *testing.T) {
	st := &fakeStatsStore{
		tuples: [][2]string{{"AAA", "session-close"}, {"BBB.L", "session-close"}},
	}
	w := NewStatsSweeper(st, 30, 0.3)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.recomputed) != 2 {
		t.Errorf("expected 2 recomputes, got %d", len(st.recomputed))
	}
}

func TestStatsSweeper_PartialFailureIsNotFatal(t *testing.T) {
	st := &fakeStatsStore{
		tuples:  [][2]string{{"AAA", "session-close"}, {"BAD", "session-close"}},
		failFor: map[[2]string]bool{{"BAD", "session-close"}: true},
	}
	w := NewStatsSweeper(st, 30, 0.3)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("partial failure must not fail the sweep: %v", err)
	}
	if len(st.recomputed) != 1 {
		t.Errorf("expected 1 successful recompute, got %d", len(st.recomputed))
	}
}

func TestStatsSweeper_ListFailure(t *testing.T) {
	st := &fakeStatsStore{tuplesErr: errors.New("db down")}
	w := NewStatsSweeper(st, 30, 0.3)

	if err := w.Run(context.Background()); err == nil {
		t.Error("expected error when tuple listing fails")
	}
}
