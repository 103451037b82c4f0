package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/pkg/logger"
	"github.com/dkrylov/stockcast/pkg/models"
)

var (
	// ErrDuplicateActive is returned by Insert when an ACTIVE prediction
	// already exists for the (symbol, session, timeframe) tuple. The
	// database's partial unique index is the source of truth; racing
	// writers see this error, never a second row.
	ErrDuplicateActive = errors.New("active prediction already exists")

	// ErrNotFound is returned when no prediction matches a point lookup
	ErrNotFound = errors.New("prediction not found")
)

const uniqueViolation = "23505"

// Repository handles prediction persistence and accuracy rollups
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new prediction repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const predictionColumns = `
	id, symbol, session_date::text, timeframe, region, call, confidence,
	price_at_generation, predicted_close, predicted_change_percent,
	components, status, generated_at, target_at, validated_at,
	actual_close, actual_change_percent, prediction_error_percent, prediction_correct
`

// Insert persists a new ACTIVE prediction. Insert-or-fail: the
// uniqueness check is atomic with the write, there is no check-then-
// insert race window.
func (r *Repository) Insert(ctx context.Context, p *models.Prediction) error {
	componentsJSON, err := json.Marshal(p.Components)
	if err != nil {
		return fmt.Errorf("failed to marshal components: %w", err)
	}

	query := `
		INSERT INTO predictions (
			symbol, session_date, timeframe, region, call, confidence,
			price_at_generation, predicted_close, predicted_change_percent,
			components, status, generated_at, target_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	err = r.db.QueryRowContext(ctx, query,
		p.Symbol, p.SessionDate, p.Timeframe, p.Region, p.Call, p.Confidence,
		p.PriceAtGeneration, p.PredictedClose, p.PredictedChange,
		componentsJSON, models.StatusActive, p.GeneratedAt, p.TargetAt,
	).Scan(&p.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s %s %s", ErrDuplicateActive, p.Symbol, p.SessionDate, p.Timeframe)
		}
		return fmt.Errorf("failed to insert prediction: %w", err)
	}

	p.Status = models.StatusActive

	logger.Debug("prediction inserted",
		zap.Int64("id", p.ID),
		zap.String("symbol", p.Symbol),
		zap.String("session", p.SessionDate),
	)

	return nil
}

// GetActive returns the ACTIVE prediction for the tuple, ErrNotFound
// when none exists.
func (r *Repository) GetActive(ctx context.Context, symbol, sessionDate, timeframe string) (*models.Prediction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM predictions
		WHERE symbol = $1 AND session_date = $2 AND timeframe = $3 AND status = $4
	`, predictionColumns)

	row := r.db.QueryRowContext(ctx, query, symbol, sessionDate, timeframe, models.StatusActive)
	return scanPrediction(row)
}

// GetBySession returns the prediction for the tuple regardless of
// status, preferring the most recent row.
func (r *Repository) GetBySession(ctx context.Context, symbol, sessionDate, timeframe string) (*models.Prediction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM predictions
		WHERE symbol = $1 AND session_date = $2 AND timeframe = $3
		ORDER BY id DESC
		LIMIT 1
	`, predictionColumns)

	row := r.db.QueryRowContext(ctx, query, symbol, sessionDate, timeframe)
	return scanPrediction(row)
}

// ActiveMatured returns ACTIVE predictions in a region whose target
// instant has passed and which are therefore due for validation.
func (r *Repository) ActiveMatured(ctx context.Context, region string, asOf time.Time) ([]models.Prediction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM predictions
		WHERE region = $1 AND status = $2 AND target_at <= $3
		ORDER BY symbol, session_date
	`, predictionColumns)

	rows, err := r.db.QueryContext(ctx, query, region, models.StatusActive, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query matured predictions: %w", err)
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// Complete grades an ACTIVE prediction exactly once. A zero-row update
// means another validator already completed it; that is not an error.
func (r *Repository) Complete(ctx context.Context, id int64, actualClose decimal.Decimal, actualChange, errorPercent float64, correct bool, validatedAt time.Time) error {
	query := `
		UPDATE predictions
		SET status = $1,
		    actual_close = $2,
		    actual_change_percent = $3,
		    prediction_error_percent = $4,
		    prediction_correct = $5,
		    validated_at = $6
		WHERE id = $7 AND status = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		models.StatusCompleted, actualClose, actualChange, errorPercent, correct,
		validatedAt, id, models.StatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to complete prediction %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		logger.Debug("prediction already completed", zap.Int64("id", id))
	}

	return nil
}

// History returns predictions for a symbol since the given date,
// newest session first, with outcome fields embedded.
func (r *Repository) History(ctx context.Context, symbol string, since time.Time) ([]models.Prediction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM predictions
		WHERE symbol = $1 AND session_date >= $2
		ORDER BY session_date DESC, id DESC
	`, predictionColumns)

	rows, err := r.db.QueryContext(ctx, query, symbol, since.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// CompletedSince returns graded predictions for stats recomputation
func (r *Repository) CompletedSince(ctx context.Context, symbol, timeframe string, periodDays int) ([]models.Prediction, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM predictions
		WHERE symbol = $1 AND timeframe = $2 AND status = $3
		  AND session_date >= CURRENT_DATE - $4 * INTERVAL '1 day'
		ORDER BY session_date
	`, predictionColumns)

	rows, err := r.db.QueryContext(ctx, query, symbol, timeframe, models.StatusCompleted, periodDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed predictions: %w", err)
	}
	defer rows.Close()

	return scanPredictions(rows)
}

// GradedTuples lists distinct (symbol, timeframe) pairs that have at
// least one graded prediction; used by the periodic stats sweep.
func (r *Repository) GradedTuples(ctx context.Context) ([][2]string, error) {
	query := `
		SELECT DISTINCT symbol, timeframe FROM predictions
		WHERE status = $1
		ORDER BY symbol, timeframe
	`

	rows, err := r.db.QueryContext(ctx, query, models.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query graded tuples: %w", err)
	}
	defer rows.Close()

	var tuples [][2]string
	for rows.Next() {
		var symbol, timeframe string
		if err := rows.Scan(&symbol, &timeframe); err != nil {
			return nil, err
		}
		tuples = append(tuples, [2]string{symbol, timeframe})
	}
	return tuples, rows.Err()
}

func scanPredictions(rows *sql.Rows) ([]models.Prediction, error) {
	predictions := make([]models.Prediction, 0)
	for rows.Next() {
		p, err := scanPredictionRow(rows)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, *p)
	}
	return predictions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrediction(row *sql.Row) (*models.Prediction, error) {
	p, err := scanPredictionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPredictionRow(row rowScanner) (*models.Prediction, error) {
	var (
		p              models.Prediction
		componentsJSON []byte
		validatedAt    sql.NullTime
		actualClose    decimal.NullDecimal
		actualChange   sql.NullFloat64
		errorPercent   sql.NullFloat64
		correct        sql.NullBool
	)

	err := row.Scan(
		&p.ID, &p.Symbol, &p.SessionDate, &p.Timeframe, &p.Region,
		&p.Call, &p.Confidence,
		&p.PriceAtGeneration, &p.PredictedClose, &p.PredictedChange,
		&componentsJSON, &p.Status, &p.GeneratedAt, &p.TargetAt,
		&validatedAt, &actualClose, &actualChange, &errorPercent, &correct,
	)
	if err != nil {
		return nil, err
	}

	// session_date comes back as a date-cast text; trim any time part
	if len(p.SessionDate) > 10 {
		p.SessionDate = p.SessionDate[:10]
	}

	if len(componentsJSON) > 0 {
		if err := json.Unmarshal(componentsJSON, &p.Components); err != nil {
			return nil, fmt.Errorf("failed to unmarshal components for prediction %d: %w", p.ID, err)
		}
	}

	if validatedAt.Valid {
		p.ValidatedAt = &validatedAt.Time
	}
	if actualClose.Valid {
		p.ActualClose = &actualClose.Decimal
	}
	if actualChange.Valid {
		p.ActualChange = &actualChange.Float64
	}
	if errorPercent.Valid {
		p.ErrorPercent = &errorPercent.Float64
	}
	if correct.Valid {
		p.Correct = &correct.Bool
	}

	return &p, nil
}
