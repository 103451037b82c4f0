package signals

import (
	"fmt"
	"math"

	"github.com/cinar/indicator"

	"github.com/dkrylov/stockcast/pkg/models"
)

const (
	trendFastPeriod = 10
	trendSlowPeriod = 30
)

// SMATrend estimates direction from fast/slow moving-average separation
type SMATrend struct{}

// NewSMATrend creates the default trend estimator
func NewSMATrend() *SMATrend {
	return &SMATrend{}
}

// EstimateTrend votes BUY when the fast average sits above the slow
// one, SELL below, HOLD when they are effectively on top of each other.
// Confidence grows with the relative separation.
func (e *SMATrend) EstimateTrend(bars []models.Bar) (*CallEstimate, error) {
	if len(bars) < trendSlowPeriod {
		return nil, fmt.Errorf("insufficient bars for trend (need %d, got %d)", trendSlowPeriod, len(bars))
	}

	closes := models.Closes(bars)
	fast := indicator.Sma(trendFastPeriod, closes)
	slow := indicator.Sma(trendSlowPeriod, closes)

	lastFast := fast[len(fast)-1]
	lastSlow := slow[len(slow)-1]
	if lastSlow == 0 {
		return nil, fmt.Errorf("degenerate price series")
	}

	// Separation as a percent of the slow average
	gap := (lastFast - lastSlow) / lastSlow * 100

	call := models.CallHold
	switch {
	case gap > 0.1:
		call = models.CallBuy
	case gap < -0.1:
		call = models.CallSell
	}

	// 1% separation maps to full confidence; HOLD confidence grows as
	// the averages converge.
	confidence := math.Min(math.Abs(gap), 1.0)
	if call == models.CallHold {
		confidence = 1.0 - math.Abs(gap)/0.1*0.5
	}

	return &CallEstimate{Call: call, Confidence: clamp01(confidence)}, nil
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
