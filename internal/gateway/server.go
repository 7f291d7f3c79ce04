package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flemzord/toolgate/internal/security"
)

// ServerOptions carries the collaborators of the HTTP transport.
type ServerOptions struct {
	Audit   *security.AuditLogger
	Limiter *security.RateLimiter
	// Gatherer backs /metrics. Nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server exposes a Gateway over HTTP. It binds to loopback by default.
type Server struct {
	cfg      Config
	gw       *Gateway
	audit    *security.AuditLogger
	limiter  *security.RateLimiter
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	stopping chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	server    *http.Server
	addr      net.Addr
	startedAt time.Time
}

// NewServer builds the HTTP transport. cfg zero values take defaults.
func NewServer(cfg Config, gw *Gateway, opts ServerOptions) *Server {
	cfg.Defaults()
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		gw:       gw,
		audit:    opts.Audit,
		limiter:  opts.Limiter,
		gatherer: opts.Gatherer,
		logger:   opts.Logger.With("component", "http"),
		stopping: make(chan struct{}),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// buildRouter constructs the chi mux with all routes wired.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public, no auth.
	r.Get("/health", s.handleHealth())
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.Auth.IsConfigured() {
			r.Use(authMiddleware(s.cfg.Auth, s.audit, s.limiter))
		} else {
			s.logger.Warn("API authentication disabled; bind to loopback only")
		}
		r.Use(middleware.RequestSize(s.cfg.MaxBodyBytes))

		r.Post("/invoke", s.handleInvoke())
		r.Get("/confirmations", s.handleListConfirmations())
		r.Get("/confirmations/{id}", s.handleGetConfirmation())
		r.Post("/confirmations/{id}", s.handleResolve())
		r.Get("/tools", s.handleListTools())
		r.Get("/sessions", s.handleListSessions())
		r.Delete("/sessions/{id}", s.handleDeleteSession())
		r.Get("/status", s.handleStatus())
		r.Get("/events", s.handleEvents())
	})

	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.Bind, err)
	}

	srv := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr()
	s.startedAt = time.Now()
	s.mu.Unlock()

	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// Stop shuts the server down gracefully within the configured timeout.
// Open event streams are closed first; Shutdown does not track them.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopping) })

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return time.Since(s.gw.startedAt)
	}
	return time.Since(s.startedAt)
}
