package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tapedeck/internal/auth"
	"github.com/ashita-ai/tapedeck/internal/ratelimit"
	"github.com/ashita-ai/tapedeck/internal/recording"
	"github.com/ashita-ai/tapedeck/internal/storage"
	"github.com/ashita-ai/tapedeck/internal/transport"
)

// Server is the tapedeck HTTP server.
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
// Optional fields (nil-safe): Store, Recorder, JWTMgr, Keys, Limiter, Broker,
// Controller, Metrics, MCPServer. A nil JWTMgr disables authentication.
type ServerConfig struct {
	// Required dependencies.
	Service Daemon
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	Store      storage.Store
	StoreKind  string
	Recorder   *recording.Recorder
	JWTMgr     *auth.JWTManager
	Keys       *auth.KeyVerifier
	Limiter    ratelimit.Limiter
	Broker     *Broker
	Controller *transport.Server
	Metrics    *transport.Metrics
	MCPServer  *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	deps := HandlersDeps{
		Service:   cfg.Service,
		Store:     cfg.Store,
		StoreKind: cfg.StoreKind,
		Recorder:  cfg.Recorder,
		JWTMgr:    cfg.JWTMgr,
		Keys:      cfg.Keys,
		Broker:    cfg.Broker,
		Logger:    cfg.Logger,
		Version:   cfg.Version,
	}
	if cfg.Controller != nil {
		deps.Controller = cfg.Controller
	}
	h := NewHandlers(deps)

	limited := ratelimit.Middleware(cfg.Limiter, ratelimit.ClientKeyFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth and health (no bearer token; token issuance limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Service control.
	mux.Handle("GET /v1/state", limited(http.HandlerFunc(h.HandleState)))
	mux.Handle("POST /v1/commands", limited(http.HandlerFunc(h.HandleCommand)))
	mux.Handle("POST /v1/platform/{event}", limited(http.HandlerFunc(h.HandlePlatform)))

	// Recorded sessions.
	mux.Handle("GET /v1/sessions", limited(http.HandlerFunc(h.HandleListSessions)))
	mux.Handle("GET /v1/sessions/{id}", limited(http.HandlerFunc(h.HandleGetSession)))
	mux.Handle("GET /v1/sessions/{id}/events", limited(http.HandlerFunc(h.HandleExportSession)))

	// Long-lived streams (no rate limit).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)
	if cfg.Controller != nil {
		mux.Handle("GET /v1/controller", cfg.Controller)
	}

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Prometheus transport metrics.
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
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

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Hijacked websocket
// connections are not tracked by http.Server; close the controller server
// separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
