package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one OHLCV price bar
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Closes extracts close prices as float64 slice for indicator math
func Closes(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
	}
	return closes
}

// LastClose returns the most recent close, zero decimal when empty
func LastClose(bars []Bar) decimal.Decimal {
	if len(bars) == 0 {
		return decimal.Zero
	}
	return bars[len(bars)-1].Close
}
