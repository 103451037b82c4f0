package marketdata

import (
	"context"

	"github.com/dkrylov/stockcast/pkg/models"
)

// Provider fetches ordered OHLC bars for a symbol
type Provider interface {
	GetName() string
	GetBars(ctx context.Context, symbol string, lookbackDays int) ([]models.Bar, error)
}
