// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package api serves the HTTP surface of the ingestion service: the observer
// WebSocket, service status, and read access to persisted records and alerts.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sensorhub/ingest/internal/log"
	"github.com/sensorhub/ingest/internal/wallclock"
	"github.com/sensorhub/ingest/pipeline"
	"github.com/sensorhub/ingest/storage"
	"github.com/sensorhub/ingest/telemetry"
)

type (
	// Status reports on the running pipeline.
	Status interface {
		Health() pipeline.Health
		Stats() pipeline.Stats
	}

	// Reader is the read side of the store.
	Reader interface {
		Query(
			context.Context,
			storage.Filter,
			*telemetry.Router,
		) ([]storage.StoredRecord, error)
		Alerts(context.Context, storage.Filter) ([]storage.StoredAlert, error)
	}

	// Observers is the live observer endpoint.
	Observers interface {
		http.Handler
		Count() int
	}

	// Server holds the handler dependencies.
	Server struct {
		status    Status
		reader    Reader
		router    *telemetry.Router
		observers Observers
		started   time.Time
		log       log.Logger
	}

	// Option represents a single server option.
	Option func(*Server)

	statusResponse struct {
		Status    string          `json:"status"`
		Health    pipeline.Health `json:"health"`
		Stats     pipeline.Stats  `json:"stats"`
		Observers int             `json:"observers"`
		Uptime    string          `json:"uptime"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// WithLogger sets the logger used for request and error logging.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = log.Wrap(l) }
}

// NewServer creates the server. A nil router selects the default rules.
func NewServer(
	status Status,
	reader Reader,
	router *telemetry.Router,
	observers Observers,
	opts ...Option,
) *Server {
	if router == nil {
		router = telemetry.DefaultRouter()
	}
	s := &Server{
		status:    status,
		reader:    reader,
		router:    router,
		observers: observers,
		started:   wallclock.Instance.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.observers.ServeHTTP)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/data", s.handleData)
		r.Get("/alerts", s.handleAlerts)
	})
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	health := s.status.Health()
	status := "running"
	if health.State != pipeline.Subscribed {
		status = health.StateName
	}
	s.write(w, r, http.StatusOK, statusResponse{
		Status:    status,
		Health:    health,
		Stats:     s.status.Stats(),
		Observers: s.observers.Count(),
		Uptime:    wallclock.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.status.Health()
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.write(w, r, code, health)
}

func (s *Server) write(
	w http.ResponseWriter,
	r *http.Request,
	code int,
	v any,
) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn(r.Context(), "cannot write response",
			slog.String("error", err.Error()))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := wallclock.Instance.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", wallclock.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
