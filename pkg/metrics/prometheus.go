package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes the service's prometheus instruments
type Recorder struct {
	generated      *prometheus.CounterVec
	duplicateRaces prometheus.Counter
	validated      *prometheus.CounterVec
	validationErrs *prometheus.CounterVec
	confidence     prometheus.Histogram
}

// New creates and registers the prometheus recorder
func New() *Recorder {
	return &Recorder{
		generated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockcast_predictions_generated_total",
				Help: "Predictions generated, by region and call",
			},
			[]string{"region", "call"},
		),
		duplicateRaces: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stockcast_duplicate_insert_races_total",
				Help: "Generation races absorbed by the store's unique index",
			},
		),
		validated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockcast_predictions_validated_total",
				Help: "Predictions graded, by region and correctness",
			},
			[]string{"region", "outcome"},
		),
		validationErrs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stockcast_validation_errors_total",
				Help: "Per-symbol validation failures, by region",
			},
			[]string{"region"},
		),
		confidence: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stockcast_prediction_confidence",
				Help:    "Confidence score of generated predictions",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
		),
	}
}

// RecordGenerated records one generated prediction
func (r *Recorder) RecordGenerated(region, call string, confidence float64) {
	r.generated.WithLabelValues(region, call).Inc()
	r.confidence.Observe(confidence)
}

// RecordDuplicateRace records a losing concurrent generation attempt
func (r *Recorder) RecordDuplicateRace() {
	r.duplicateRaces.Inc()
}

// RecordValidated records one graded prediction
func (r *Recorder) RecordValidated(region string, correct bool) {
	outcome := "incorrect"
	if correct {
		outcome = "correct"
	}
	r.validated.WithLabelValues(region, outcome).Inc()
}

// RecordValidationError records a per-symbol validation failure
func (r *Recorder) RecordValidationError(region string) {
	r.validationErrs.WithLabelValues(region).Inc()
}

// Handler returns the scrape endpoint handler
func Handler() http.Handler {
	return promhttp.Handler()
}
