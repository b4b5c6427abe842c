// Package server exposes the fleet health HTTP surface: the agent protocol
// (telemetry ingest, heartbeat, command delivery), the read-only query API
// over engine state, the suppression operations, and the websocket health
// stream. Handlers stay thin; every decision lives in the engines they call.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ArabotHXL/BTC-project-sub002/internal/events"
	"github.com/ArabotHXL/BTC-project-sub002/internal/health"
	"github.com/ArabotHXL/BTC-project-sub002/internal/store"
)

// Options configure the HTTP listener and the agent rate limits.
type Options struct {
	Port int

	// AllowedOrigins lists origins permitted on the query API and the
	// websocket stream. Empty leaves CORS off, same-host tooling only.
	AllowedOrigins []string

	// Per-agent ingest rate limiting (token bucket). Zero values fall back
	// to the deployment defaults.
	AgentRatePerMinute int
	AgentRateBurst     int
}

// Deps are the server's collaborators, built once at startup.
type Deps struct {
	Store  store.Store
	Events *events.Engine
	Health *health.Cache
	Stream *health.Hub
}

// Server is the fleet health HTTP server.
type Server struct {
	opts    Options
	deps    Deps
	logger  *zap.Logger
	handler http.Handler
	limiter *agentLimiter

	// Injectable clock for ingest and command timestamps in tests.
	now func() time.Time
}

// NewServer assembles the router, middleware chain and CORS wrapper.
func NewServer(opts Options, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	s := &Server{
		opts:    opts,
		deps:    deps,
		logger:  logger,
		limiter: newAgentLimiter(opts.AgentRatePerMinute, opts.AgentRateBurst),
		now:     time.Now,
	}
	s.handler = s.buildHandler()
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Agent protocol. Rate limited per agent so one hot site cannot starve
	// the rest of the fleet.
	agent := api.PathPrefix("/agent").Subrouter()
	agent.Use(s.limiter.middleware)
	agent.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	agent.HandleFunc("/telemetry", s.handleTelemetry).Methods(http.MethodPost)
	agent.HandleFunc("/telemetry/batch", s.handleTelemetryBatch).Methods(http.MethodPost)
	agent.HandleFunc("/commands/pending", s.handlePendingCommands).Methods(http.MethodGet)
	agent.HandleFunc("/commands/{id}/result", s.handleCommandResult).Methods(http.MethodPost)

	// Query API.
	api.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}", s.handleGetEvent).Methods(http.MethodGet)
	api.HandleFunc("/miners/{miner_id}/health", s.handleMinerHealth).Methods(http.MethodGet)
	api.HandleFunc("/miners/{miner_id}/baselines", s.handleMinerBaselines).Methods(http.MethodGet)
	api.HandleFunc("/miners/{miner_id}/suppress", s.handleSuppress).Methods(http.MethodPost)
	api.HandleFunc("/miners/{miner_id}/unsuppress", s.handleUnsuppress).Methods(http.MethodPost)
	api.HandleFunc("/sites/{site_id}/summary", s.handleSiteSummary).Methods(http.MethodGet)
	api.HandleFunc("/models", s.handleListModels).Methods(http.MethodGet)
	api.HandleFunc("/stream/health", s.handleHealthStream).Methods(http.MethodGet)

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	var handler http.Handler = tracingMiddleware(r)

	if len(s.opts.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Agent-ID"},
			AllowCredentials: true,
		})
		handler = c.Handler(handler)
	}
	return handler
}

// Run serves until ctx is cancelled, then drains in-flight requests. The
// write timeout is generous because the websocket stream upgrades out of the
// HTTP server's deadline handling.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.opts.Port),
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.Int("port", s.opts.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-errCh
	return ctx.Err()
}

// handleHealthz reports process liveness and datastore reachability.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		level := s.logger.Debug
		if rw.statusCode >= 500 {
			level = s.logger.Error
		} else if rw.statusCode >= 400 {
			level = s.logger.Warn
		}
		level("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the wrapped writer so the websocket upgrade keeps
// working through the status-capturing wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in handler",
					zap.Any("panic", err),
					zap.String("path", r.URL.Path))
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
