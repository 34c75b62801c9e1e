// Package server provides the HTTP and WebSocket API of the task server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cyberelf/claude-code-server/internal/auth"
	"github.com/cyberelf/claude-code-server/internal/config"
	"github.com/cyberelf/claude-code-server/internal/events"
	"github.com/cyberelf/claude-code-server/internal/idle"
	"github.com/cyberelf/claude-code-server/internal/session"
	"github.com/cyberelf/claude-code-server/internal/task"
)

// Deps are the services the API exposes.
type Deps struct {
	Sessions *session.Manager
	Tasks    *task.Executor
	Bus      events.Bus
	// Scheduler is optional; when set its last sweep is reported by /health.
	Scheduler *idle.Scheduler
	// Auth is required when cfg.AuthEnabled is set.
	Auth    auth.Authenticator
	Version string
	Logger  *slog.Logger
}

// Server is the HTTP server of the task API.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	sessions   *session.Manager
	tasks      *task.Executor
	bus        events.Bus
	scheduler  *idle.Scheduler
	auth       auth.Authenticator
	limiter    *clientLimiter
	version    string
	logger     *slog.Logger
	startedAt  time.Time
}

// New creates a server. It does not start listening.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Sessions == nil || deps.Tasks == nil || deps.Bus == nil {
		return nil, errors.New("server: sessions, tasks and bus are required")
	}
	if cfg.AuthEnabled && deps.Auth == nil {
		return nil, errors.New("server: auth is enabled but no authenticator was provided")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		config:    cfg,
		sessions:  deps.Sessions,
		tasks:     deps.Tasks,
		bus:       deps.Bus,
		scheduler: deps.Scheduler,
		auth:      deps.Auth,
		version:   version,
		logger:    logger,
		startedAt: time.Now(),
	}
	if cfg.RateLimitEnabled {
		s.limiter = newClientLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.Handler(),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		ErrorLog:    slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	// WriteTimeout stays 0: it would cut long-lived WebSocket streams.
	return s, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	h = s.rateLimitMiddleware(h)
	h = corsMiddleware(h, s.config.AllowedOrigins)
	h = s.loggingMiddleware(h)
	h = s.recoverMiddleware(h)
	return h
}

// Start listens on the configured address and blocks until the server is
// stopped. A clean stop returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server is stopped.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting API server", "addr", ln.Addr().String(), "version", s.version)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops accepting requests, interrupts running tasks and waits for them
// to publish their terminal events. If tasks are still running when ctx ends,
// every event queue is force-closed so attached streams end with an error.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.tasks.Shutdown(ctx); err != nil {
		s.bus.CloseAll()
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
