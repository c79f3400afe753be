package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/health"
	"github.com/c360/connectgate/pkg/security"
	"github.com/c360/connectgate/pkg/tlsutil"
)

// SystemName labels the aggregate readiness status
const SystemName = "connectgate"

// Server owns the listener serving the RPC routes, health, admin and
// optionally metrics.
type Server struct {
	gateway     *Gateway
	security    security.Config
	monitor     *health.Monitor
	metrics     http.Handler
	metricsPath string
	logger      *slog.Logger

	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	tlsConfig  *tls.Config

	running  bool
	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithHealthMonitor serves readiness from m instead of the registry alone
func WithHealthMonitor(m *health.Monitor) ServerOption {
	return func(s *Server) {
		if m != nil {
			s.monitor = m
		}
	}
}

// WithMetricsHandler serves h at path on the gateway listener
func WithMetricsHandler(path string, h http.Handler) ServerOption {
	return func(s *Server) {
		if path == "" {
			path = "/metrics"
		}
		s.metricsPath = path
		s.metrics = h
	}
}

// WithSecurity enables TLS on the listener
func WithSecurity(cfg security.Config) ServerOption {
	return func(s *Server) {
		s.security = cfg
	}
}

// WithServerLogger sets the server logger
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server for g
func NewServer(g *Gateway, opts ...ServerOption) *Server {
	s := &Server{
		gateway:  g,
		logger:   g.logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.monitor == nil {
		s.monitor = health.NewMonitor()
		s.monitor.Register("registry", g.holder.Probe)
	}
	return s
}

// Handler builds the router. Setup calls it; tests use it directly.
func (s *Server) Handler() http.Handler {
	g := s.gateway
	cfg := g.cfg

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(s.logger))
	r.Use(g.recoverer)
	if cfg.EnableCORS {
		r.Use(cors(cfg.CORSOrigins))
	}

	r.Get("/health", health.LivenessHandler())
	r.Get("/ready", health.ReadinessHandler(s.monitor, SystemName))

	if cfg.Admin.Enabled {
		r.Route("/admin", func(ar chi.Router) {
			ar.Get("/services", g.handleServices)
			ar.Post("/reload", g.handleReload)
		})
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, s.metricsPath, s.metrics)
	}

	r.Group(func(rpc chi.Router) {
		if cfg.MaxRequestBytes > 0 {
			rpc.Use(middleware.RequestSize(cfg.MaxRequestBytes))
		}
		if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond > 0 {
			rpc.Use(g.rateLimit(newClientLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)))
		}
		rpc.Handle("/*", g)
	})
	return r
}

// Setup builds the router and the HTTP server. A disabled gateway is a
// configuration error.
func (s *Server) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.gateway.cfg.Enabled {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Server", "Setup", "gateway is disabled")
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.security.TLS.Server)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Setup", "load TLS config")
	}
	s.tlsConfig = tlsConfig

	// gRPC needs HTTP/2, including over cleartext
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetHTTP2(true)
	protocols.SetUnencryptedHTTP2(true)

	s.handler = s.Handler()
	s.httpServer = &http.Server{
		Addr:              s.gateway.cfg.ListenAddress,
		Handler:           s.handler,
		TLSConfig:         tlsConfig,
		Protocols:         &protocols,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Server configured",
		"address", s.gateway.cfg.ListenAddress,
		"tls", tlsConfig != nil,
		"admin", s.gateway.cfg.Admin.Enabled,
		"metrics_on_listener", s.metrics != nil)
	return nil
}

// Start binds the listener, closes ready once connections can be
// accepted, and serves until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context, ready chan<- struct{}) error {
	s.mu.Lock()
	if s.httpServer == nil {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrNotStarted, "Server", "Start", "Setup was not called")
	}
	if s.running {
		s.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "server already running")
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.httpServer.Addr))
	}
	s.listener = ln
	s.running = true
	server := s.httpServer
	tlsOn := s.tlsConfig != nil
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		s.logger.Info("Server listening", "address", ln.Addr().String())

		var serveErr error
		if tlsOn {
			serveErr = server.ServeTLS(ln, "", "")
		} else {
			serveErr = server.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", serveErr)
			errChan <- serveErr
		}
	}()

	if ready != nil {
		close(ready)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Server context cancelled, shutting down")
		return s.Stop(30 * time.Second)

	case <-s.stopChan:
		return nil

	case err, ok := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if !ok {
			return nil
		}
		return errors.WrapFatal(err, "Server", "Start", "HTTP server failed")
	}
}

// Stop gracefully shuts down the server, waiting up to timeout for
// in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	server := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Server stopping")
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown server gracefully", "error", err)
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown failed")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Server stopped")
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning reports whether the server is serving
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
