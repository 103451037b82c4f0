package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dkrylov/stockcast/internal/adapters/config"
	"github.com/dkrylov/stockcast/internal/adapters/database"
	"github.com/dkrylov/stockcast/internal/calendar"
	"github.com/dkrylov/stockcast/internal/ensemble"
	"github.com/dkrylov/stockcast/internal/orchestrator"
	"github.com/dkrylov/stockcast/internal/scheduler"
	"github.com/dkrylov/stockcast/internal/signals"
	"github.com/dkrylov/stockcast/pkg/logger"
)

// Server exposes the prediction lifecycle over HTTP, plus K8s probes.
type Server struct {
	server    *http.Server
	orch      *orchestrator.Orchestrator
	sched     *scheduler.Scheduler
	db        *database.DB
	startTime time.Time
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewServer creates the API server.
func NewServer(cfg *config.APIConfig, orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, db *database.DB) *Server {
	mux := http.NewServeMux()

	s := &Server{
		server: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
		orch:      orch,
		sched:     sched,
		db:        db,
		startTime: time.Now(),
	}

	mux.HandleFunc("GET /v1/prediction", s.handlePrediction)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/accuracy", s.handleAccuracy)
	mux.HandleFunc("POST /v1/validate", s.handleValidate)
	mux.HandleFunc("GET /v1/scheduler/status", s.handleSchedulerStatus)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	return s
}

// Start starts the API server, blocking until shutdown.
func (s *Server) Start() error {
	logger.Info("API server starting", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info("stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	timeframe := r.URL.Query().Get("timeframe")
	force := r.URL.Query().Get("force_refresh") == "true"

	p, err := s.orch.GetPrediction(r.Context(), symbol, timeframe, force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	history, err := s.orch.GetHistory(r.Context(), symbol, days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	timeframe := r.URL.Query().Get("timeframe")

	days := 0 // orchestrator default
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	stats, err := s.orch.GetAccuracy(r.Context(), symbol, timeframe, days)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")

	summaries, err := s.sched.TriggerValidation(r.Context(), region)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := healthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	if r.URL.Query().Get("verbose") == "true" {
		checks := make(map[string]string)
		if err := s.db.Health(); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
		} else {
			checks["database"] = "healthy"
		}
		status.Checks = checks
	}

	writeJSON(w, http.StatusOK, status)
}

// writeDomainError maps lifecycle errors to HTTP statuses. The lock
// rejection gets its own status so clients can tell "come back
// tomorrow" apart from "no such market".
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrMarketOpenLock):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrUnavailable):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, calendar.ErrUnknownMarket):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ensemble.ErrInsufficientSignals),
		errors.Is(err, signals.ErrDataUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
