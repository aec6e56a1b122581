// Package server implements the Michi HTTP API over the agent runtime.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/ctxutil"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/ratelimit"
)

// Server is the Michi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Index, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Runtime *agent.Runtime
	Store   RunStore
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Index     HealthChecker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreKind           string // "postgres" or "memory", reported by /health.
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Runtime:             cfg.Runtime,
		Store:               cfg.Store,
		Index:               cfg.Index,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StoreKind:           cfg.StoreKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Starting or continuing a run spends LLM calls; limit those per user.
	spend := ratelimit.Middleware(cfg.Limiter,
		func(r *http.Request) string { return ctxutil.UserIDFromContext(r.Context()) },
		func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited,
				fmt.Sprintf("too many runs; retry in %s", retryAfter.Round(time.Second)))
		})

	mux := http.NewServeMux()

	mux.Handle("POST /v1/runs", spend(http.HandlerFunc(h.HandleCreateRun)))
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.Handle("POST /v1/runs/{run_id}/continue", spend(http.HandlerFunc(h.HandleContinueRun)))
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/invocations/{invocation_id}/confirm", h.HandleConfirm)
	mux.HandleFunc("GET /v1/confirmations", h.HandleListConfirmations)
	mux.HandleFunc("GET /v1/tools", h.HandleListTools)

	// MCP StreamableHTTP transport. The identity middleware has already put
	// the caller into the request context; hand it to tool calls.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
				return ctxutil.WithUserID(ctx, ctxutil.UserIDFromContext(r.Context()))
			}),
		)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no identity, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → identity → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = identityMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for background runs
// started by this server until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	err := s.httpServer.Shutdown(ctx)
	if werr := s.handlers.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	return err
}
