// Package server assembles the HTTP API: routes, probes and the middleware chain
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/health"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/metrics"
	"github.com/saas-invoice/saas-invoice/internal/platform/middleware"
	"github.com/saas-invoice/saas-invoice/internal/platform/telemetry"
)

// APIPrefix is the mount point of every versioned route
const APIPrefix = "/api/v1"

// MaxBodyBytes caps request bodies
const MaxBodyBytes = 1 << 20

// Routes is implemented by the handlers mounted under /api/v1
type Routes interface {
	RegisterRoutes(router *mux.Router)
}

// Server serves the API
type Server struct {
	config     config.HTTPConfig
	logger     logger.Logger
	health     *health.Handler
	metrics    *metrics.Metrics
	telemetry  *telemetry.Telemetry
	routes     []Routes
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithConfig sets the listener configuration
func WithConfig(cfg config.HTTPConfig) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(s *Server) {
		s.logger = log
	}
}

// WithHealth mounts the probes of h
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMetrics records HTTP metrics and serves /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTelemetry traces every request
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) {
		s.telemetry = t
	}
}

// WithRoutes mounts handlers under /api/v1
func WithRoutes(routes ...Routes) Option {
	return func(s *Server) {
		s.routes = append(s.routes, routes...)
	}
}

// New builds the router and the middleware chain
func New(opts ...Option) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.NewNop()
	}
	if s.health == nil {
		s.health = health.NewHandler("api", "")
	}
	if s.config.Port == 0 {
		s.config.Port = 8080
	}

	s.router = mux.NewRouter()
	// Sibling routes under a shared prefix reset mux's method mismatch, so
	// 405 is decided by the fallback from the registered paths.
	s.router.NotFoundHandler = unmatched(s.router)
	s.router.MethodNotAllowedHandler = s.router.NotFoundHandler

	s.router.HandleFunc("/health", s.health.ReadinessHandler()).Methods("GET")
	s.router.HandleFunc("/health/live", s.health.LivenessHandler()).Methods("GET")
	s.router.HandleFunc("/health/ready", s.health.ReadinessHandler()).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix(APIPrefix).Subrouter()
	api.MethodNotAllowedHandler = s.router.NotFoundHandler
	for _, r := range s.routes {
		r.RegisterRoutes(api)
	}

	s.handler = s.chain(s.router)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	return s
}

// chain wraps h so that CORS runs first and panic recovery sits next to the router
func (s *Server) chain(h http.Handler) http.Handler {
	h = middleware.Recovery(s.logger)(h)
	h = logger.HTTPMiddleware(s.logger)(h)
	if s.metrics != nil {
		h = s.metrics.HTTPMetricsMiddleware()(h)
	}
	if s.telemetry != nil {
		h = s.telemetry.Middleware()(h)
	}
	h = middleware.RequestSizeLimit(MaxBodyBytes)(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.RequestID(h)

	cors := middleware.DefaultCORSConfig()
	if len(s.config.AllowedOrigins) > 0 {
		cors.AllowedOrigins = s.config.AllowedOrigins
	}
	return middleware.CORS(cors)(h)
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "port", s.config.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
