package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Markets    MarketsConfig    `envconfig:"MARKETS"`
	Ensemble   EnsembleConfig   `envconfig:"ENSEMBLE"`
	Scheduler  SchedulerConfig  `envconfig:"SCHEDULER"`
	MarketData MarketDataConfig `envconfig:"MARKET_DATA"`
	Direction  DirectionConfig  `envconfig:"DIRECTION"`
	Sentiment  SentimentConfig  `envconfig:"SENTIMENT"`
	Telegram   TelegramConfig   `envconfig:"TELEGRAM"`
	API        APIConfig        `envconfig:"API"`
	Metrics    MetricsConfig    `envconfig:"METRICS"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
}

// DatabaseConfig represents PostgreSQL connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"stockcast"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// ClickHouseConfig represents the optional validation audit sink
type ClickHouseConfig struct {
	Enabled bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	DSN     string `envconfig:"CLICKHOUSE_DSN" default:"clickhouse://localhost:9000/stockcast"`
	Table   string `envconfig:"CLICKHOUSE_TABLE" default:"validation_outcomes"`
}

// MarketsConfig maps symbol suffixes to market regions.
// Region entries are comma-separated tuples:
//
//	name|suffix|tz|open|close|holidays
//
// where open/close are HH:MM wall-clock in tz and holidays is a
// semicolon-separated list of YYYY-MM-DD dates. Empty suffix matches
// symbols without any suffix.
type MarketsConfig struct {
	Regions []string `envconfig:"MARKET_REGIONS" default:"US||America/New_York|09:30|16:00|,LSE|.L|Europe/London|08:00|16:30|,TSE|.T|Asia/Tokyo|09:00|15:00|"`
}

// EnsembleConfig represents signal combination parameters
type EnsembleConfig struct {
	DirectionWeight    float64 `envconfig:"ENSEMBLE_DIRECTION_WEIGHT" default:"0.45"`
	TrendWeight        float64 `envconfig:"ENSEMBLE_TREND_WEIGHT" default:"0.25"`
	TechnicalWeight    float64 `envconfig:"ENSEMBLE_TECHNICAL_WEIGHT" default:"0.15"`
	SentimentWeight    float64 `envconfig:"ENSEMBLE_SENTIMENT_WEIGHT" default:"0.15"`
	DeadZonePercent    float64 `envconfig:"ENSEMBLE_DEAD_ZONE_PERCENT" default:"0.3"`
	AgreementThreshold float64 `envconfig:"ENSEMBLE_AGREEMENT_THRESHOLD" default:"0.6"`
	MaxDisagreePenalty float64 `envconfig:"ENSEMBLE_MAX_DISAGREE_PENALTY" default:"15.0"`
}

// SchedulerConfig represents prediction lifecycle timing parameters
type SchedulerConfig struct {
	PregenWindow        time.Duration `envconfig:"SCHEDULER_PREGEN_WINDOW" default:"90m"`
	ValidateOffset      time.Duration `envconfig:"SCHEDULER_VALIDATE_OFFSET" default:"15m"`
	FetchTimeout        time.Duration `envconfig:"SCHEDULER_FETCH_TIMEOUT" default:"10s"`
	StatsSweepInterval  time.Duration `envconfig:"SCHEDULER_STATS_SWEEP_INTERVAL" default:"1h"`
	DefaultTimeframe    string        `envconfig:"SCHEDULER_DEFAULT_TIMEFRAME" default:"session-close"`
	AccuracyPeriodDays  int           `envconfig:"SCHEDULER_ACCURACY_PERIOD_DAYS" default:"30"`
}

// MarketDataConfig represents the OHLC bar provider
type MarketDataConfig struct {
	BaseURL      string        `envconfig:"MARKET_DATA_BASE_URL" default:"https://query1.finance.yahoo.com"`
	Timeout      time.Duration `envconfig:"MARKET_DATA_TIMEOUT" default:"10s"`
	LookbackDays int           `envconfig:"MARKET_DATA_LOOKBACK_DAYS" default:"90"`
}

// DirectionConfig represents the optional price-estimator model backend
type DirectionConfig struct {
	Enabled bool          `envconfig:"DIRECTION_ENABLED" default:"false"`
	BaseURL string        `envconfig:"DIRECTION_BASE_URL" default:"http://localhost:8501"`
	Timeout time.Duration `envconfig:"DIRECTION_TIMEOUT" default:"15s"`
}

// SentimentConfig represents the optional news sentiment scorer
type SentimentConfig struct {
	Enabled bool          `envconfig:"SENTIMENT_ENABLED" default:"false"`
	BaseURL string        `envconfig:"SENTIMENT_BASE_URL" default:"http://localhost:8502"`
	Timeout time.Duration `envconfig:"SENTIMENT_TIMEOUT" default:"10s"`
}

// TelegramConfig represents the optional validation summary notifier
type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" required:"false"`
}

// APIConfig represents the HTTP API server
type APIConfig struct {
	Port         string        `envconfig:"API_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"API_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"30s"`
}

// MetricsConfig represents the prometheus listener
type MetricsConfig struct {
	Enabled    bool   `envconfig:"METRICS_ENABLED" default:"true"`
	ListenAddr string `envconfig:"METRICS_LISTEN_ADDR" default:":9090"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:""`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if len(c.Markets.Regions) == 0 {
		return fmt.Errorf("at least one market region must be configured")
	}

	sum := c.Ensemble.DirectionWeight + c.Ensemble.TrendWeight +
		c.Ensemble.TechnicalWeight + c.Ensemble.SentimentWeight
	if sum <= 0 {
		return fmt.Errorf("ensemble weights must sum to a positive value")
	}
	if c.Ensemble.DeadZonePercent <= 0 {
		return fmt.Errorf("dead zone percent must be positive")
	}
	if c.Ensemble.AgreementThreshold <= 0 || c.Ensemble.AgreementThreshold > 1 {
		return fmt.Errorf("agreement threshold must be in (0,1]")
	}

	if c.Scheduler.PregenWindow <= 0 {
		return fmt.Errorf("pregen window must be positive")
	}
	if c.Scheduler.ValidateOffset <= 0 {
		return fmt.Errorf("validate offset must be positive")
	}

	if c.Telegram.BotToken != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram chat_id is required when bot token is set")
	}

	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
