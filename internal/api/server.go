// Package api serves scan results and service health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anstrom/porteye/internal/db"
	"github.com/anstrom/porteye/internal/errors"
	"github.com/anstrom/porteye/internal/logging"
	"github.com/anstrom/porteye/internal/metrics"
	"github.com/anstrom/porteye/internal/report"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	healthCheckTimeout    = 5 * time.Second
	defaultRunsLimit      = 20
	maxRunsLimit          = 500
)

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// Config holds API server configuration.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr" json:"listen_addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	RateLimitRequests int           `yaml:"rate_limit_requests" json:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" json:"rate_limit_window"`
	// TrustProxyHeaders attributes requests to X-Forwarded-For or X-Real-IP.
	// Enable only behind a reverse proxy that sets them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8080",
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}
}

// RunStore reads persisted scan runs.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]db.ScanRun, error)
	LoadReport(ctx context.Context, runID uuid.UUID) (*report.Report, error)
}

// Pinger checks a dependency.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReportHolder keeps the report of the most recent run.
type ReportHolder struct {
	mu      sync.RWMutex
	report  *report.Report
	updated time.Time
}

// NewReportHolder creates an empty holder.
func NewReportHolder() *ReportHolder {
	return &ReportHolder{}
}

// Set replaces the latest report.
func (h *ReportHolder) Set(r *report.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.report = r
	h.updated = time.Now().UTC()
}

// Get returns the latest report and when it was stored.
func (h *ReportHolder) Get() (*report.Report, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.report, h.updated, h.report != nil
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	config     Config
	reports    *ReportHolder
	runs       RunStore
	database   Pinger
	metrics    *metrics.PrometheusMetrics
	limiter    *RateLimiter
	logger     *logging.Logger
	startTime  time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithRunStore enables the stored run endpoints.
func WithRunStore(store RunStore) Option {
	return func(s *Server) {
		s.runs = store
	}
}

// WithDatabase adds a database health check.
func WithDatabase(p Pinger) Option {
	return func(s *Server) {
		s.database = p
	}
}

// WithMetrics sets the metrics exposed on /metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a new API server instance.
func New(cfg Config, reports *ReportHolder, opts ...Option) *Server {
	defaults := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = defaults.RateLimitWindow
	}
	if reports == nil {
		reports = NewReportHolder()
	}

	s := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		reports:   reports,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithComponent("api")
	if s.metrics == nil {
		s.metrics = metrics.GetGlobalMetrics()
	}
	if cfg.RateLimitRequests > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.Handler(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
	return s
}

// Handler returns the root handler with panic recovery and compression.
func (s *Server) Handler() http.Handler {
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger: s.logger}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(handlers.CompressHandler(s.router))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to listen on %s", s.httpServer.Addr), err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server", "address", listener.Addr().String())

	if s.limiter != nil {
		go s.limiter.RunCleanup(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(Logging(s.logger, s.config.TrustProxyHeaders))
	s.router.Use(Metrics(s.metrics))
	s.router.Use(SecurityHeaders())
	if s.limiter != nil {
		s.router.Use(RateLimit(s.limiter, s.config.TrustProxyHeaders, s.logger))
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{})).
		Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/report", s.reportHandler).Methods(http.MethodGet)
	api.HandleFunc("/runs", s.listRunsHandler).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.getRunHandler).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})
}

// ErrorResponse represents a standard API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	LastRun   *time.Time        `json:"last_run,omitempty"`
	Checks    map[string]string `json:"checks"`
}

// writeJSON writes data as a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("API error", "method", r.Method, "path", r.URL.Path, "status", statusCode, "error", err)
	}
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: GetRequestID(r),
	})
}

// healthHandler reports service health and its dependencies.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    map[string]string{},
	}

	if _, updated, ok := s.reports.Get(); ok {
		resp.LastRun = &updated
	}

	switch {
	case s.database == nil:
		resp.Checks["database"] = StatusNotConfigured
	case s.database.PingContext(ctx) != nil:
		resp.Checks["database"] = StatusUnhealthy
		resp.Status = StatusUnhealthy
	default:
		resp.Checks["database"] = StatusHealthy
	}

	status := http.StatusOK
	if resp.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

// reportHandler returns the latest report, as JSON unless ?format= asks
// for yaml or xml.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	rep, _, ok := s.reports.Get()
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Errorf("no scan has completed yet"))
		return
	}
	s.writeReport(w, r, rep)
}

func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, rep *report.Report) {
	format := report.FormatJSON
	if q := r.URL.Query().Get("format"); q != "" {
		f, err := report.ParseFormat(q)
		if err != nil || f == report.FormatTable {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("unsupported format %q", q))
			return
		}
		format = f
	}

	switch format {
	case report.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	case report.FormatXML:
		w.Header().Set("Content-Type", "application/xml")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	if err := report.Write(w, rep, format); err != nil {
		s.logger.Error("Failed to write report", "error", err)
	}
}

// listRunsHandler lists stored runs, newest first.
func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, http.StatusNotImplemented, fmt.Errorf("report storage is not configured"))
		return
	}

	limit := defaultRunsLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > maxRunsLimit {
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and %d", maxRunsLimit))
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []db.ScanRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

// getRunHandler returns one stored report.
func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, r, http.StatusNotImplemented, fmt.Errorf("report storage is not configured"))
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid run id"))
		return
	}

	rep, err := s.runs.LoadReport(r.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			s.writeError(w, r, http.StatusNotFound, fmt.Errorf("run %s not found", id))
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeReport(w, r, rep)
}
