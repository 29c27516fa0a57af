// Package server exposes the gateway's HTTP surface: health and readiness,
// metrics, per-service snapshots, the orchestrator action API, the live event
// stream and the reverse proxy under /api/.
package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/semgate/alert"
	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/events"
	"github.com/c360/semgate/health"
	"github.com/c360/semgate/metric"
	"github.com/c360/semgate/orchestrator"
	"github.com/c360/semgate/pkg/clock"
	"github.com/c360/semgate/registry"
)

// Connectivity reports the state of an optional backing connection such as NATS.
type Connectivity interface {
	IsHealthy() bool
}

// Deps are the components the HTTP surface reads from and drives.
type Deps struct {
	Registry     *registry.Registry
	Cache        *health.Cache
	Tracker      *health.Tracker
	Collector    *metric.Collector
	Metrics      *metric.MetricsRegistry
	Orchestrator *orchestrator.Orchestrator
	Alerts       *alert.Dispatcher
	Bus          *events.Bus
	Proxy        http.Handler
	NATS         Connectivity
}

// Server serves the gateway API.
type Server struct {
	deps     Deps
	auth     Authorizer
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
	stream   bool
	tlsConf  *tls.Config

	closing   chan struct{}
	closeOnce sync.Once
	handler   http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithAuthorizer guards privileged endpoints.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Server) { s.auth = a }
}

// WithClock injects the time source used for snapshots.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithEventStream enables or disables the websocket event stream.
func WithEventStream(enabled bool) Option {
	return func(s *Server) { s.stream = enabled }
}

// WithTLS serves HTTPS using the given configuration. A nil config keeps
// plain HTTP.
func WithTLS(c *tls.Config) Option {
	return func(s *Server) { s.tlsConf = c }
}

// New builds the server and its route table.
func New(deps Deps, opts ...Option) (*Server, error) {
	if deps.Registry == nil || deps.Cache == nil || deps.Collector == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "registry, cache and collector are required")
	}
	s := &Server{
		deps:   deps,
		auth:   AllowAll(),
		clock:  clock.Real(),
		logger: slog.Default(),
		stream: true,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.handler = s.instrument(s.routes())
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /ready", s.handleReadiness)

	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics/prometheus", s.deps.Metrics.Handler())
	}
	mux.Handle("POST /metrics/reset", s.privileged(s.handleMetricsReset))

	mux.HandleFunc("GET /services", s.handleServices)
	mux.HandleFunc("GET /services/{key}/health", s.handleServiceHealth)
	mux.HandleFunc("GET /services/{key}/metrics", s.handleServiceMetrics)

	if s.deps.Orchestrator != nil {
		mux.HandleFunc("GET /orchestrator/status-all", s.handleStatusAll)
		mux.HandleFunc("GET /orchestrator/services/{key}/status", s.handleStatus)
		mux.Handle("POST /orchestrator/services/{key}/actions", s.privileged(s.handleAction))
		mux.Handle("POST /orchestrator/services/{key}/reset", s.privileged(s.handleReset))
	}
	if s.deps.Alerts != nil {
		mux.HandleFunc("GET /orchestrator/alerts", s.handleAlerts)
	}
	if s.stream && s.deps.Bus != nil {
		mux.HandleFunc("GET /orchestrator/events", s.handleEvents)
	}

	if s.deps.Proxy != nil {
		mux.Handle("/api/", s.deps.Proxy)
	}
	return mux
}

// Run listens on addr until ctx is done, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, readHeaderTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         s.tlsConf,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr, "tls", s.tlsConf != nil)
		if s.tlsConf != nil {
			// certificates come from TLSConfig
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WrapFatal(err, "Server", "Run", "listen")
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "Server", "Run", "graceful shutdown")
	}
	s.logger.Info("server stopped")
	return nil
}

// Close ends open event streams. It is called by Run on shutdown.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}
