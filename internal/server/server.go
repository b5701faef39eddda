// Package server exposes the dashboard HTTP API: VM status and power
// control, playbook runs, provisioning, the VM config editor, and the
// per-run websocket log stream.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labdash/internal/broadcast"
	"labdash/internal/config"
	"labdash/internal/history"
	"labdash/internal/hypervisor"
	"labdash/internal/orchestrator"
	"labdash/internal/scheduler"
	"labdash/internal/vmstat"
)

// Deps holds the collaborators the server routes requests to.
// Scheduler may be nil when no schedules are configured.
type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Hub          *broadcast.Hub
	Store        history.Store
	Hypervisor   *hypervisor.Client
	Metrics      *vmstat.Collector
	Scheduler    *scheduler.Scheduler
	Logger       *slog.Logger
}

// Server is the HTTP server for the lab dashboard API.
type Server struct {
	addr      string
	cfg       *config.Config
	orch      *orchestrator.Orchestrator
	hub       *broadcast.Hub
	store     history.Store
	hype      *hypervisor.Client
	collector *vmstat.Collector
	sched     *scheduler.Scheduler
	logger    *slog.Logger

	srv       *http.Server
	router    *http.ServeMux
	startTime time.Time

	mu      sync.RWMutex
	started bool
}

// New creates a new Server instance.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:      deps.Config.Server.Addr(),
		cfg:       deps.Config,
		orch:      deps.Orchestrator,
		hub:       deps.Hub,
		store:     deps.Store,
		hype:      deps.Hypervisor,
		collector: deps.Metrics,
		sched:     deps.Scheduler,
		logger:    logger,
		startTime: time.Now(),
		router:    http.NewServeMux(),
	}

	s.registerRoutes()

	return s
}

// registerRoutes sets up all HTTP routes
func (s *Server) registerRoutes() {
	s.router.HandleFunc("GET /api/health", s.handleHealth)

	s.router.HandleFunc("GET /api/vms", s.handleListVMs)
	s.router.HandleFunc("POST /api/vms/{name}/start", s.handleVMStart)
	s.router.HandleFunc("POST /api/vms/{name}/stop", s.handleVMStop)
	s.router.HandleFunc("POST /api/vms/{name}/restart", s.handleVMRestart)
	s.router.HandleFunc("GET /api/vm-metrics", s.handleVMMetrics)

	s.router.HandleFunc("GET /api/playbooks", s.handleListPlaybooks)
	s.router.HandleFunc("POST /api/playbooks/{name}/run", s.handleRunPlaybook)
	s.router.HandleFunc("GET /api/history", s.handleHistory)
	s.router.HandleFunc("GET /api/schedules", s.handleSchedules)

	s.router.HandleFunc("POST /api/provision", s.handleProvision)
	s.router.HandleFunc("POST /api/deprovision", s.handleDeprovision)
	s.router.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	s.router.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)

	s.router.HandleFunc("GET /api/vm-config", s.handleGetVMConfig)
	s.router.HandleFunc("PUT /api/vm-config", s.handlePutVMConfig)

	s.router.Handle("GET /metrics", promhttp.Handler())
}

// Start starts the HTTP server with graceful shutdown support.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.mu.Unlock()

	s.srv = &http.Server{
		Addr:        s.addr,
		Handler:     s.loggingMiddleware(s.router),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket log streams outlive any sane value.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server", "reason", ctx.Err())
		return s.Stop(context.Background())
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.srv == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error during shutdown", "error", err)
		return fmt.Errorf("shutdown failed: %w", err)
	}

	s.started = false
	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the routed handler, used by tests to serve over httptest.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.router)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
// Unwrap keeps http.ResponseController (and the websocket hijack) working.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Uptime returns the server uptime as a string
func (s *Server) Uptime() string {
	duration := time.Since(s.startTime)
	hours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
