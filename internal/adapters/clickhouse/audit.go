package clickhouse

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/pkg/logger"
)

// Outcome is one graded prediction written to the audit table.
type Outcome struct {
	ValidatedAt    time.Time
	Region         string
	Symbol         string
	SessionDate    string
	Timeframe      string
	Call           string
	PredictedClose float64
	ActualClose    float64
	ActualChange   float64
	ErrorPercent   float64
	Correct        uint8
	Confidence     float64
}

// AuditSink appends validation outcomes to ClickHouse. The Postgres
// row remains the source of truth; this table only feeds analytics.
type AuditSink struct {
	db    *sqlx.DB
	table string
}

// NewAuditSink connects to ClickHouse, or returns (nil, nil) when the
// sink is disabled so callers can treat it as optional.
func NewAuditSink(cfg *config.ClickHouseConfig) (*AuditSink, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	db, err := sqlx.Connect("clickhouse", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	logger.Info("ClickHouse audit sink connected",
		zap.String("table", cfg.Table),
	)

	return &AuditSink{db: db, table: cfg.Table}, nil
}

// EnsureSchema creates the audit table when it does not exist yet.
func (s *AuditSink) EnsureSchema(ctx context.Context) error {
	if s == nil {
		return nil
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			validated_at    DateTime,
			region          LowCardinality(String),
			symbol          LowCardinality(String),
			session_date    Date,
			timeframe       LowCardinality(String),
			call            LowCardinality(String),
			predicted_close Float64,
			actual_close    Float64,
			actual_change   Float64,
			error_percent   Float64,
			correct         UInt8,
			confidence      Float64
		) ENGINE = MergeTree()
		ORDER BY (region, symbol, session_date)
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// RecordOutcomes batch-inserts graded predictions.
func (s *AuditSink) RecordOutcomes(ctx context.Context, outcomes []Outcome) error {
	if s == nil || len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.Preparex(fmt.Sprintf(`
		INSERT INTO %s
		(validated_at, region, symbol, session_date, timeframe, call,
		 predicted_close, actual_close, actual_change, error_percent, correct, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range outcomes {
		_, err = stmt.ExecContext(ctx,
			o.ValidatedAt,
			o.Region,
			o.Symbol,
			o.SessionDate,
			o.Timeframe,
			o.Call,
			o.PredictedClose,
			o.ActualClose,
			o.ActualChange,
			o.ErrorPercent,
			o.Correct,
			o.Confidence,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert outcome for %s: %w", o.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}

	logger.Debug("audit batch written",
		zap.String("table", s.table),
		zap.Int("rows", len(outcomes)),
	)

	return nil
}

// Close closes the underlying connection.
func (s *AuditSink) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
