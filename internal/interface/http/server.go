// Package http exposes the warning engine over REST: event ingestion, engine
// status, warning statistics and cache administration.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alem-hub/warning-engine/internal/application/engine"
	"github.com/alem-hub/warning-engine/internal/application/query"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
	"github.com/alem-hub/warning-engine/internal/infrastructure/cache"
	"github.com/alem-hub/warning-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/warning-engine/internal/interface/http/handlers"
	"github.com/alem-hub/warning-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// MaxBodyBytes - maximum size of request bodies (batch ingestion included).
	MaxBodyBytes int64

	// MaxBatchSize - maximum number of events in one batch request.
	MaxBatchSize int

	// EnableMetrics - expose /metrics.
	EnableMetrics bool

	// APIKeyHeader and APIKeys protect the cache and job admin endpoints. No keys
	// means no authentication.
	APIKeyHeader string
	APIKeys      []string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		MaxBodyBytes:   4 << 20,
		MaxBatchSize:   1000,
		EnableMetrics:  true,
		APIKeyHeader:   "X-API-Key",
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// EventProcessor is the engine surface the API uses.
type EventProcessor interface {
	ProcessDataChangeEvent(ctx context.Context, event warning.DataChangeEvent) error
	ProcessBatchEvents(ctx context.Context, events []warning.DataChangeEvent) (int, error)
	Status() engine.Status
	EventStatus(id string) (engine.TrackedEvent, bool)
	RecentEvents() []engine.TrackedEvent
}

// JobController is the scheduler surface behind /engine/status and the
// /jobs admin routes. *scheduler.Scheduler implements it.
type JobController interface {
	ListJobs() []scheduler.JobInfo
	GetJobInfo(name string) (*scheduler.JobInfo, error)
	RunNow(ctx context.Context, name string) (*scheduler.JobResult, error)
	EnableJob(name string) error
	DisableJob(name string) error
	GetHistory(limit int) []scheduler.JobResult
	GetMetrics() *scheduler.Metrics
}

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	Engine EventProcessor
	Cache  *cache.Manager

	// Query Handlers (CQRS Read Side)
	WarningStats    *query.GetWarningStatsHandler
	StudentWarnings *query.GetStudentWarningsHandler

	// Optional.
	Scheduler     JobController
	HealthChecker handlers.HealthChecker
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Engine == nil || deps.Cache == nil || deps.WarningStats == nil || deps.StudentWarnings == nil {
		return nil, errors.New("http: engine, cache and query handlers are required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewCompositeHealthChecker("v1")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: chi.NewRouter(),
		logger: deps.Logger.With(logger.Component("http")),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(handlers.SecurityHeadersMiddleware)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Metrics
	// ─────────────────────────────────────────────────────────────────────────
	r.Get("/health", s.handleHealth)
	r.Get("/live", s.handleLive)
	if s.config.EnableMetrics {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes))

		// ─────────────────────────────────────────────────────────────────────
		// Event ingestion
		// ─────────────────────────────────────────────────────────────────────
		r.Post("/events", s.handleSubmitEvent)
		r.Post("/events/batch", s.handleSubmitBatch)
		r.Get("/events", s.handleRecentEvents)
		r.Get("/events/{id}", s.handleEventStatus)

		// ─────────────────────────────────────────────────────────────────────
		// Engine & scheduler status
		// ─────────────────────────────────────────────────────────────────────
		r.Get("/engine/status", s.handleEngineStatus)

		// ─────────────────────────────────────────────────────────────────────
		// Read side
		// ─────────────────────────────────────────────────────────────────────
		r.Get("/warnings/stats", s.handleWarningStats)
		r.Get("/students/{id}/warnings", s.handleStudentWarnings)

		// ─────────────────────────────────────────────────────────────────────
		// Cache administration
		// ─────────────────────────────────────────────────────────────────────
		r.Route("/cache", func(r chi.Router) {
			r.Use(s.adminMiddleware()...)
			r.Get("/stats", s.handleCacheStats)
			r.Post("/clear", s.handleCacheClear)
			r.Post("/invalidate/{dataType}", s.handleCacheInvalidate)
			r.Post("/cleanup", s.handleCacheCleanup)
		})

		// ─────────────────────────────────────────────────────────────────────
		// Scheduled jobs
		// ─────────────────────────────────────────────────────────────────────
		if s.deps.Scheduler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(s.adminMiddleware()...)
				r.Get("/", s.handleListJobs)
				r.Get("/history", s.handleJobHistory)
				r.Get("/{name}", s.handleJobInfo)
				r.Post("/{name}/run", s.handleRunJob)
				r.Post("/{name}/enable", s.handleToggleJob(true))
				r.Post("/{name}/disable", s.handleToggleJob(false))
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// adminMiddleware guards the operator routes: API key when keys are
// configured, never cached.
func (s *Server) adminMiddleware() []func(http.Handler) http.Handler {
	mw := make([]func(http.Handler) http.Handler, 0, 2)
	if len(s.config.APIKeys) > 0 {
		mw = append(mw, handlers.NewAPIKeyAuth(s.config.APIKeyHeader, s.config.APIKeys).Middleware)
	}
	return append(mw, handlers.NoCacheMiddleware)
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			logger.Latency(time.Since(start)),
			slog.String("ip", r.RemoteAddr),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// recoveryMiddleware recovers from panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					slog.Any("error", rec),
					slog.String("stack", string(debug.Stack())),
					slog.String("path", r.URL.Path),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
				writeJSONError(w, r, http.StatusInternalServerError, "internal_server_error", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", slog.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version,omitempty"`
	TotalCount int       `json:"totalCount,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSONWithMeta(w, r, status, data, nil)
}

func writeJSONWithMeta(w http.ResponseWriter, r *http.Request, status int, data any, meta *ResponseMeta) {
	if meta == nil {
		meta = &ResponseMeta{}
	}
	meta.Timestamp = time.Now().UTC()
	meta.Version = "v1"

	render.Status(r, status)
	render.JSON(w, r, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      meta,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSONErrorWithDetails(w, r, status, code, message, "")
}

func writeJSONErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code, message, details string) {
	render.Status(r, status)
	render.JSON(w, r, JSONResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message, Details: details},
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1"},
		RequestID: middleware.GetReqID(r.Context()),
	})
}
