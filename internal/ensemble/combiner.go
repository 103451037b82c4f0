package ensemble

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/pkg/models"
)

// ErrInsufficientSignals is returned when a mandatory signal (trend or
// technical) is missing: no prediction may be generated without them.
var ErrInsufficientSignals = errors.New("insufficient signals for ensemble")

// Estimate is one signal's input to the combiner. Present=false zeroes
// its weight; the remaining weights are renormalized to sum to 1.
type Estimate struct {
	Present    bool
	Call       models.Call
	Confidence float64 // 0-1
	Price      decimal.Decimal
	HasPrice   bool
}

// SentimentEstimate carries the news-scoring detail alongside the vote
type SentimentEstimate struct {
	Estimate
	Label        string
	Score        float64 // -1..1
	ArticleCount int
}

// Inputs is the full, exhaustive set of known signal kinds
type Inputs struct {
	Direction Estimate
	Trend     Estimate
	Technical Estimate
	Sentiment SentimentEstimate
}

// Result is the combined recommendation
type Result struct {
	Call            models.Call
	TargetPrice     decimal.Decimal
	PredictedChange float64 // percent vs current price
	Confidence      float64 // 0-100
	Components      models.ComponentBreakdown
}

// Combiner merges heterogeneous signals into one call, target price
// and confidence score using a fixed, renormalizable weight vector.
type Combiner struct {
	cfg *config.EnsembleConfig
}

// New creates a combiner with the configured weights and dead-zone
func New(cfg *config.EnsembleConfig) *Combiner {
	return &Combiner{cfg: cfg}
}

// DeadZonePercent returns the configured no-movement band
func (c *Combiner) DeadZonePercent() float64 {
	return c.cfg.DeadZonePercent
}

// ClassifyChange maps a percent change to a call using the symmetric
// dead-zone band around zero.
func (c *Combiner) ClassifyChange(changePercent float64) models.Call {
	switch {
	case changePercent > c.cfg.DeadZonePercent:
		return models.CallBuy
	case changePercent < -c.cfg.DeadZonePercent:
		return models.CallSell
	default:
		return models.CallHold
	}
}

// Combine produces the ensemble recommendation for the given current
// price. Trend and technical are mandatory; direction and sentiment
// are optional and renormalized away when absent.
func (c *Combiner) Combine(currentPrice decimal.Decimal, in Inputs) (*Result, error) {
	if !in.Trend.Present || !in.Technical.Present {
		return nil, fmt.Errorf("%w: trend=%v technical=%v",
			ErrInsufficientSignals, in.Trend.Present, in.Technical.Present)
	}
	if currentPrice.IsZero() {
		return nil, fmt.Errorf("%w: no current price", ErrInsufficientSignals)
	}

	// A direction estimate that carries a price is reclassified against
	// the dead-zone so noise around zero never flips the label.
	direction := in.Direction
	if direction.Present && direction.HasPrice {
		change := percentChange(currentPrice, direction.Price)
		direction.Call = c.ClassifyChange(change)
	}

	votes := map[models.SignalKind]Estimate{
		models.SignalDirection: direction,
		models.SignalTrend:     in.Trend,
		models.SignalTechnical: in.Technical,
		models.SignalSentiment: in.Sentiment.Estimate,
	}
	weights := c.renormalizedWeights(votes)

	// Weighted majority across {BUY, SELL, HOLD}
	tally := map[models.Call]float64{}
	for kind, vote := range votes {
		if vote.Present {
			tally[vote.Call] += weights[kind]
		}
	}
	finalCall, majorityFraction := winningCall(tally)

	// Target price: weighted mean of signals producing a price estimate,
	// re-weighted among themselves. Without any price-producing signal
	// the target is implied from the weighted votes.
	target := c.targetPrice(currentPrice, votes, weights)
	predictedChange := percentChange(currentPrice, target)

	// Confidence: weighted mean of component confidences, scaled down
	// when the majority fraction falls under the agreement threshold.
	confidence := 0.0
	for kind, vote := range votes {
		if vote.Present {
			confidence += weights[kind] * vote.Confidence * 100
		}
	}
	if majorityFraction < c.cfg.AgreementThreshold {
		penalty := c.cfg.MaxDisagreePenalty *
			(c.cfg.AgreementThreshold - majorityFraction) / c.cfg.AgreementThreshold
		confidence -= penalty
	}
	confidence = clamp(confidence, 0, 100)

	return &Result{
		Call:            finalCall,
		TargetPrice:     target,
		PredictedChange: predictedChange,
		Confidence:      confidence,
		Components:      c.breakdown(votes, weights, in.Sentiment),
	}, nil
}

// renormalizedWeights zeroes the weights of absent signals and scales
// the remaining ones to sum to 1.
func (c *Combiner) renormalizedWeights(votes map[models.SignalKind]Estimate) map[models.SignalKind]float64 {
	base := map[models.SignalKind]float64{
		models.SignalDirection: c.cfg.DirectionWeight,
		models.SignalTrend:     c.cfg.TrendWeight,
		models.SignalTechnical: c.cfg.TechnicalWeight,
		models.SignalSentiment: c.cfg.SentimentWeight,
	}

	sum := 0.0
	for kind, vote := range votes {
		if vote.Present {
			sum += base[kind]
		}
	}

	weights := make(map[models.SignalKind]float64, len(base))
	for kind, vote := range votes {
		if vote.Present && sum > 0 {
			weights[kind] = base[kind] / sum
		}
	}
	return weights
}

func (c *Combiner) targetPrice(currentPrice decimal.Decimal, votes map[models.SignalKind]Estimate, weights map[models.SignalKind]float64) decimal.Decimal {
	priceSum := decimal.Zero
	weightSum := 0.0
	for kind, vote := range votes {
		if vote.Present && vote.HasPrice {
			priceSum = priceSum.Add(vote.Price.Mul(models.NewDecimal(weights[kind])))
			weightSum += weights[kind]
		}
	}
	if weightSum > 0 {
		return priceSum.Div(models.NewDecimal(weightSum)).Round(6)
	}

	// No price-producing signal: imply a move of twice the dead-zone,
	// scaled by confidence, in each voting signal's direction.
	implied := 0.0
	for kind, vote := range votes {
		if !vote.Present {
			continue
		}
		switch vote.Call {
		case models.CallBuy:
			implied += weights[kind] * 2 * c.cfg.DeadZonePercent * vote.Confidence
		case models.CallSell:
			implied -= weights[kind] * 2 * c.cfg.DeadZonePercent * vote.Confidence
		}
	}
	factor := models.NewDecimal(1 + implied/100)
	return currentPrice.Mul(factor).Round(6)
}

func (c *Combiner) breakdown(votes map[models.SignalKind]Estimate, weights map[models.SignalKind]float64, sentiment SentimentEstimate) models.ComponentBreakdown {
	toVote := func(kind models.SignalKind) models.SignalVote {
		vote := votes[kind]
		sv := models.SignalVote{Present: vote.Present, Weight: weights[kind]}
		if vote.Present {
			sv.Call = vote.Call
			sv.Confidence = vote.Confidence
		}
		return sv
	}

	return models.ComponentBreakdown{
		Direction: toVote(models.SignalDirection),
		Trend:     toVote(models.SignalTrend),
		Technical: toVote(models.SignalTechnical),
		Sentiment: models.SentimentVote{
			SignalVote:   toVote(models.SignalSentiment),
			Label:        sentiment.Label,
			Score:        sentiment.Score,
			ArticleCount: sentiment.ArticleCount,
		},
	}
}

// winningCall picks the heaviest call; ties resolve to HOLD. A split
// book is not a directional signal, so an exact BUY/SELL tie falls
// back to HOLD no matter how much weight the pair carries.
func winningCall(tally map[models.Call]float64) (models.Call, float64) {
	buy := tally[models.CallBuy]
	sell := tally[models.CallSell]
	hold := tally[models.CallHold]

	switch {
	case buy == sell:
		return models.CallHold, hold
	case buy > sell && buy > hold:
		return models.CallBuy, buy
	case sell > buy && sell > hold:
		return models.CallSell, sell
	default:
		return models.CallHold, hold
	}
}

func percentChange(from, to decimal.Decimal) float64 {
	if from.IsZero() {
		return 0
	}
	change, _ := to.Sub(from).Div(from).Mul(models.NewDecimal(100)).Float64()
	return change
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
