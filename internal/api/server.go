// Package api serves cells over HTTP: invocation submission, cell listing
// and a server-sent event stream of signals.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/cellhost/internal/auth"
	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/queue"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/store"
	"github.com/mattjoyce/cellhost/internal/workflow"
)

// Engine is the part of engine.Engine the server needs.
type Engine interface {
	Submit(ctx context.Context, inv cell.Invocation) (workflow.Output, error)
	Subscribe() *signal.Subscription
	Cells() []engine.CellInfo
	Lookup(ref string) (engine.CellInfo, error)
	Head(ctx context.Context, id cell.CellID) (store.Snapshot, error)
	Triggers(ctx context.Context, id cell.CellID, status queue.Status) ([]*queue.Trigger, error)
	Depth(ctx context.Context) (int, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	Tokens []auth.TokenConfig
	// KeepAlive is the interval between SSE comment lines. Defaults to 15s.
	KeepAlive time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	engine    Engine
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, eng Engine, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		engine:    eng,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /signals streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("cells:ro")).Get("/cells", s.handleListCells)
		r.With(s.requireScopes("cells:ro")).Get("/cells/{cell}", s.handleGetCell)
		r.With(s.requireScopes("cells:ro")).Get("/cells/{cell}/triggers", s.handleListTriggers)
		r.With(s.requireScopes("cells:call")).Post("/cells/{cell}/call", s.handleCall)
		r.With(s.requireScopes("signals:ro")).Get("/signals", s.handleSignals)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
