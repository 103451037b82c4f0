package signals

import (
	"fmt"

	"github.com/cinar/indicator"

	"github.com/dkrylov/stockcast/pkg/models"
)

const technicalMinBars = 26

// IndicatorTechnical votes from RSI, MACD and Bollinger band position
type IndicatorTechnical struct{}

// NewIndicatorTechnical creates the default technical estimator
func NewIndicatorTechnical() *IndicatorTechnical {
	return &IndicatorTechnical{}
}

// EstimateTechnical takes a simple majority of three indicator votes.
// Confidence is the winning fraction of cast votes.
func (e *IndicatorTechnical) EstimateTechnical(bars []models.Bar) (*CallEstimate, error) {
	if len(bars) < technicalMinBars {
		return nil, fmt.Errorf("insufficient bars for technical indicators (need %d, got %d)", technicalMinBars, len(bars))
	}

	closes := models.Closes(bars)
	last := closes[len(closes)-1]

	_, rsi := indicator.Rsi(closes)
	macdLine, signalLine := indicator.Macd(closes)
	_, bbUpper, bbLower := indicator.BollingerBands(closes)

	votes := []models.Call{
		rsiVote(rsi[len(rsi)-1]),
		macdVote(macdLine[len(macdLine)-1], signalLine[len(signalLine)-1]),
		bandVote(last, bbUpper[len(bbUpper)-1], bbLower[len(bbLower)-1]),
	}

	tally := map[models.Call]int{}
	for _, v := range votes {
		tally[v]++
	}

	winner := models.CallHold
	best := tally[models.CallHold]
	for _, call := range []models.Call{models.CallBuy, models.CallSell} {
		if tally[call] > best {
			winner = call
			best = tally[call]
		}
	}

	return &CallEstimate{
		Call:       winner,
		Confidence: float64(best) / float64(len(votes)),
	}, nil
}

func rsiVote(rsi float64) models.Call {
	switch {
	case rsi < 30:
		return models.CallBuy
	case rsi > 70:
		return models.CallSell
	default:
		return models.CallHold
	}
}

func macdVote(macd, signal float64) models.Call {
	switch {
	case macd > signal:
		return models.CallBuy
	case macd < signal:
		return models.CallSell
	default:
		return models.CallHold
	}
}

func bandVote(price, upper, lower float64) models.Call {
	switch {
	case price < lower:
		return models.CallBuy
	case price > upper:
		return models.CallSell
	default:
		return models.CallHold
	}
}
