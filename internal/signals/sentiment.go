package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/dkrylov/stockcast/internal/adapters/config"
)

// HTTPSentiment queries an external news-scoring service for a symbol.
// Optional collaborator: absent or failing, its weight is zeroed.
type HTTPSentiment struct {
	cfg    *config.SentimentConfig
	client *http.Client
}

// NewHTTPSentiment creates the sentiment scorer client
func NewHTTPSentiment(cfg *config.SentimentConfig) *HTTPSentiment {
	return &HTTPSentiment{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Available reports whether the scorer backend is configured
func (s *HTTPSentiment) Available() bool {
	return s.cfg.Enabled
}

type sentimentResponse struct {
	Label        string  `json:"label"`
	Score        float64 `json:"score"`
	ArticleCount int     `json:"article_count"`
}

// ScoreSentiment fetches the aggregated news score for a symbol
func (s *HTTPSentiment) ScoreSentiment(ctx context.Context, symbol string) (*SentimentScore, error) {
	if !s.cfg.Enabled {
		return nil, ErrSignalUnavailable
	}

	endpoint := fmt.Sprintf("%s/v1/sentiment?symbol=%s", s.cfg.BaseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: sentiment API error %d: %s", ErrSignalUnavailable, resp.StatusCode, string(body))
	}

	var result sentimentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode sentiment response: %w", err)
	}

	if result.ArticleCount == 0 {
		return nil, fmt.Errorf("%w: no recent articles for %s", ErrSignalUnavailable, symbol)
	}

	return &SentimentScore{
		Label:        result.Label,
		Score:        result.Score,
		ArticleCount: result.ArticleCount,
	}, nil
}
