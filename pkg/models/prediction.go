package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewDecimal creates decimal from float64
func NewDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

// Call represents a directional trading recommendation
type Call string

const (
	CallBuy  Call = "BUY"
	CallSell Call = "SELL"
	CallHold Call = "HOLD"
)

// PredictionStatus represents prediction lifecycle state
type PredictionStatus string

const (
	StatusActive    PredictionStatus = "active"
	StatusCompleted PredictionStatus = "completed"
)

// SignalKind identifies a contributing ensemble signal
type SignalKind string

const (
	SignalDirection SignalKind = "direction"
	SignalTrend     SignalKind = "trend"
	SignalTechnical SignalKind = "technical"
	SignalSentiment SignalKind = "sentiment"
)

// SignalKinds lists all known signals in ensemble weight order
var SignalKinds = []SignalKind{SignalDirection, SignalTrend, SignalTechnical, SignalSentiment}

// Prediction represents one recommendation per (symbol, session, timeframe)
type Prediction struct {
	ID          int64  `json:"id" db:"id"`
	Symbol      string `json:"symbol" db:"symbol"`
	SessionDate string `json:"session_date" db:"session_date"` // YYYY-MM-DD in region tz
	Timeframe   string `json:"timeframe" db:"timeframe"`
	Region      string `json:"region" db:"region"`

	Call       Call    `json:"call" db:"call"`
	Confidence float64 `json:"confidence" db:"confidence"` // 0-100

	PriceAtGeneration decimal.Decimal `json:"price_at_generation" db:"price_at_generation"`
	PredictedClose    decimal.Decimal `json:"predicted_close" db:"predicted_close"`
	PredictedChange   float64         `json:"predicted_change_percent" db:"predicted_change_percent"`

	Components ComponentBreakdown `json:"components" db:"-"`

	Status      PredictionStatus `json:"status" db:"status"`
	GeneratedAt time.Time        `json:"generated_at" db:"generated_at"`
	TargetAt    time.Time        `json:"target_at" db:"target_at"` // session close instant
	ValidatedAt *time.Time       `json:"validated_at,omitempty" db:"validated_at"`

	// Outcome fields, null until validated
	ActualClose  *decimal.Decimal `json:"actual_close,omitempty" db:"actual_close"`
	ActualChange *float64         `json:"actual_change_percent,omitempty" db:"actual_change_percent"`
	ErrorPercent *float64         `json:"prediction_error_percent,omitempty" db:"prediction_error_percent"`
	Correct      *bool            `json:"prediction_correct,omitempty" db:"prediction_correct"`

	// Read-time flags computed against the market calendar, not persisted
	Locked            bool `json:"locked" db:"-"`
	PendingValidation bool `json:"pending_validation" db:"-"`
}

// IsCompleted reports whether the prediction has been graded
func (p *Prediction) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// ComponentBreakdown records each signal's own vote and its ensemble weight
type ComponentBreakdown struct {
	Direction SignalVote    `json:"direction"`
	Trend     SignalVote    `json:"trend"`
	Technical SignalVote    `json:"technical"`
	Sentiment SentimentVote `json:"sentiment"`
}

// Vote returns the breakdown entry for a signal kind
func (cb *ComponentBreakdown) Vote(kind SignalKind) SignalVote {
	switch kind {
	case SignalDirection:
		return cb.Direction
	case SignalTrend:
		return cb.Trend
	case SignalTechnical:
		return cb.Technical
	case SignalSentiment:
		return cb.Sentiment.SignalVote
	}
	return SignalVote{}
}

// SignalVote is one signal's contribution to the ensemble
type SignalVote struct {
	Present    bool    `json:"present"`
	Call       Call    `json:"call,omitempty"`
	Confidence float64 `json:"confidence,omitempty"` // 0-1
	Weight     float64 `json:"weight"`               // renormalized ensemble weight
}

// SentimentVote extends SignalVote with news scoring detail
type SentimentVote struct {
	SignalVote
	Label        string  `json:"label,omitempty"` // bullish, bearish, neutral
	Score        float64 `json:"score,omitempty"` // -1..1
	ArticleCount int     `json:"article_count,omitempty"`
}

// AccuracyStats is a recomputable rollup over completed predictions.
// Derived state: the predictions table remains the source of truth.
type AccuracyStats struct {
	Symbol     string `json:"symbol" db:"symbol"`
	Timeframe  string `json:"timeframe" db:"timeframe"`
	PeriodDays int    `json:"period_days" db:"period_days"`

	Total   int `json:"total" db:"total"`
	Correct int `json:"correct" db:"correct"`

	BuyTotal    int `json:"buy_total" db:"buy_total"`
	BuyCorrect  int `json:"buy_correct" db:"buy_correct"`
	SellTotal   int `json:"sell_total" db:"sell_total"`
	SellCorrect int `json:"sell_correct" db:"sell_correct"`
	HoldTotal   int `json:"hold_total" db:"hold_total"`
	HoldCorrect int `json:"hold_correct" db:"hold_correct"`

	MeanAbsErrorPercent float64 `json:"mean_abs_error_percent" db:"mean_abs_error_percent"`
	RMSEPercent         float64 `json:"rmse_percent" db:"rmse_percent"`
	MeanConfidence      float64 `json:"mean_confidence" db:"mean_confidence"`

	// How often each component's own call matched the graded outcome
	DirectionHitRate float64 `json:"direction_hit_rate" db:"direction_hit_rate"`
	TrendHitRate     float64 `json:"trend_hit_rate" db:"trend_hit_rate"`
	TechnicalHitRate float64 `json:"technical_hit_rate" db:"technical_hit_rate"`
	SentimentHitRate float64 `json:"sentiment_hit_rate" db:"sentiment_hit_rate"`

	ComputedAt time.Time `json:"computed_at" db:"computed_at"`
}

// HitRate returns overall correct fraction, 0 when no samples
func (s *AccuracyStats) HitRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}
