package signals

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dkrylov/stockcast/pkg/models"
)

// ErrSignalUnavailable marks an optional collaborator that cannot
// currently serve: its ensemble weight is zeroed and generation
// proceeds without it.
var ErrSignalUnavailable = errors.New("signal unavailable")

// ErrDataUnavailable marks a market-data fetch failure
var ErrDataUnavailable = errors.New("market data unavailable")

// CallEstimate is a directional call with a confidence in [0,1]
type CallEstimate struct {
	Call       models.Call
	Confidence float64
}

// DirectionEstimate adds a point price estimate to the call
type DirectionEstimate struct {
	Call           models.Call
	PredictedPrice decimal.Decimal
	Confidence     float64
}

// SentimentScore is the news scorer's output for a symbol
type SentimentScore struct {
	Label        string  // bullish, bearish, neutral
	Score        float64 // -1..1
	ArticleCount int
}

// DirectionEstimator is the optional neural/sequence price model.
// Callers branch on Available(), never on probing errors.
type DirectionEstimator interface {
	Available() bool
	EstimateDirection(ctx context.Context, bars []models.Bar) (*DirectionEstimate, error)
}

// TrendEstimator derives a directional call from moving-average
// structure. Mandatory: an error here fails generation.
type TrendEstimator interface {
	EstimateTrend(bars []models.Bar) (*CallEstimate, error)
}

// TechnicalEstimator derives a directional call from oscillator and
// band indicators. Mandatory.
type TechnicalEstimator interface {
	EstimateTechnical(bars []models.Bar) (*CallEstimate, error)
}

// SentimentScorer is the optional news sentiment collaborator
type SentimentScorer interface {
	Available() bool
	ScoreSentiment(ctx context.Context, symbol string) (*SentimentScore, error)
}
