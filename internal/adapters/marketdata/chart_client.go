package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/internal/signals"
	"github.com/dkrylov/stockcast/pkg/models"
)

// ChartClient implements Provider against a Yahoo-style chart API
type ChartClient struct {
	cfg    *config.MarketDataConfig
	client *http.Client
}

// NewChartClient creates the default market-data provider
func NewChartClient(cfg *config.MarketDataConfig) *ChartClient {
	return &ChartClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *ChartClient) GetName() string { return "chart-api" }

// chartResponse is the chart API envelope
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// GetBars fetches daily bars for the lookback window, oldest first.
// Gaps (null quotes on halted days) are skipped.
func (c *ChartClient) GetBars(ctx context.Context, symbol string, lookbackDays int) ([]models.Bar, error) {
	url := fmt.Sprintf("%s/v8/finance/chart/%s?range=%dd&interval=1d",
		c.cfg.BaseURL, symbol, lookbackDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "stockcast/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signals.ErrDataUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: chart API error %d: %s", signals.ErrDataUnavailable, resp.StatusCode, string(body))
	}

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("failed to decode chart response: %w", err)
	}

	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", signals.ErrDataUnavailable,
			chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w: empty chart result for %s", signals.ErrDataUnavailable, symbol)
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]

	bars := make([]models.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil {
			continue
		}
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: time.Unix(ts, 0).UTC(),
			Open:      models.NewDecimal(deref(quote.Open, i)),
			High:      models.NewDecimal(deref(quote.High, i)),
			Low:       models.NewDecimal(deref(quote.Low, i)),
			Close:     models.NewDecimal(*quote.Close[i]),
			Volume:    models.NewDecimal(deref(quote.Volume, i)),
		})
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no usable bars for %s", signals.ErrDataUnavailable, symbol)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	return bars, nil
}

func deref(values []*float64, i int) float64 {
	if i >= len(values) || values[i] == nil {
		return 0
	}
	return *values[i]
}

// CloseOn returns the close of the bar that falls on the given session
// date in the region's timezone.
func CloseOn(bars []models.Bar, sessionDate string, loc *time.Location) (models.Bar, bool) {
	for i := len(bars) - 1; i >= 0; i-- {
		if bars[i].Timestamp.In(loc).Format("2006-01-02") == sessionDate {
			return bars[i], true
		}
	}
	return models.Bar{}, false
}
