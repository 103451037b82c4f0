package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/pkg/models"
)

// HTTPDirection queries an external sequence-model service for a point
// price estimate. The model is a black box: bars in, call + price +
// confidence out. Optional collaborator.
type HTTPDirection struct {
	cfg    *config.DirectionConfig
	client *http.Client
}

// NewHTTPDirection creates the direction estimator client
func NewHTTPDirection(cfg *config.DirectionConfig) *HTTPDirection {
	return &HTTPDirection{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Available reports whether the model backend is configured
func (d *HTTPDirection) Available() bool {
	return d.cfg.Enabled
}

type directionRequest struct {
	Symbol string    `json:"symbol"`
	Closes []float64 `json:"closes"`
}

type directionResponse struct {
	Call           string  `json:"call"`
	PredictedPrice float64 `json:"predicted_price"`
	Confidence     float64 `json:"confidence"`
}

// EstimateDirection posts the recent close series to the model service
func (d *HTTPDirection) EstimateDirection(ctx context.Context, bars []models.Bar) (*DirectionEstimate, error) {
	if !d.cfg.Enabled {
		return nil, ErrSignalUnavailable
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars", ErrSignalUnavailable)
	}

	payload, err := json.Marshal(directionRequest{
		Symbol: bars[0].Symbol,
		Closes: models.Closes(bars),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal direction request: %w", err)
	}

	url := d.cfg.BaseURL + "/v1/estimate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: model API error %d: %s", ErrSignalUnavailable, resp.StatusCode, string(body))
	}

	var result directionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode direction response: %w", err)
	}

	if result.PredictedPrice <= 0 {
		return nil, fmt.Errorf("%w: model returned non-positive price", ErrSignalUnavailable)
	}

	return &DirectionEstimate{
		Call:           models.Call(result.Call),
		PredictedPrice: models.NewDecimal(result.PredictedPrice),
		Confidence:     clamp01(result.Confidence),
	}, nil
}
