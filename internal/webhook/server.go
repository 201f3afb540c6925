package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lithammer/shortuuid/v4"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/workflow"
)

// Server is the webhook HTTP server.
type Server struct {
	config  Config
	invoker Invoker
	logger  *slog.Logger
	server  *http.Server

	endpoints map[string]*EndpointConfig

	// baseCtx parents background invocations; Start replaces it.
	baseCtx  context.Context
	inflight sync.WaitGroup
}

// New creates a webhook server. Endpoint defaults are applied here so a
// Config built by hand behaves like one from FromGlobalConfig.
func New(config Config, invoker Invoker, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig, len(config.Endpoints))
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		invoker:   invoker,
		logger:    logger,
		endpoints: endpoints,
		baseCtx:   context.Background(),
	}
}

// Start serves until ctx is cancelled, then waits for background
// invocations to finish.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.Wait()
		if err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Wait blocks until every accepted invocation has finished.
func (s *Server) Wait() { s.inflight.Wait() }

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	// Signature first: nothing about the body is reported to an
	// unauthenticated sender.
	signature := r.Header.Get(endpoint.SignatureHeader)
	if signature == "" {
		s.logger.Warn("webhook signature missing", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := verifySignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed", "path", r.URL.Path, "error", err)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	if !json.Valid(body) {
		s.respondError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	info, err := s.invoker.Lookup(endpoint.Cell)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownCell) {
			s.respondError(w, http.StatusNotFound, "cell not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "cell lookup failed")
		return
	}

	inv := cell.Invocation{
		ID:         shortuuid.New(),
		CellID:     info.ID,
		ZomeName:   endpoint.Zome,
		FnName:     endpoint.Fn,
		Payload:    json.RawMessage(body),
		Provenance: info.ID.Agent,
	}
	s.submit(inv, endpoint.Path, middleware.GetReqID(r.Context()))

	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{InvocationID: inv.ID})
}

// submit runs inv in the background under the server's base context.
func (s *Server) submit(inv cell.Invocation, path, requestID string) {
	logger := s.logger.With(
		"path", path,
		"invocation_id", inv.ID,
		"zome", inv.ZomeName,
		"fn", inv.FnName,
		"request_id", requestID,
	)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.invoker.Submit(s.baseCtx, inv); err != nil {
			logger.Error("webhook invocation failed", "code", workflow.CodeOf(err), "error", err)
			return
		}
		logger.Info("webhook invocation committed")
	}()
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
