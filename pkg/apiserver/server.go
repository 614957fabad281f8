// Package apiserver implements the relaymesh REST API server.
package apiserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaymesh/relaymesh/pkg/events"
	"github.com/relaymesh/relaymesh/pkg/feedback"
	"github.com/relaymesh/relaymesh/pkg/observability"
	"github.com/relaymesh/relaymesh/pkg/registry"
	"github.com/relaymesh/relaymesh/pkg/routing"
	"github.com/relaymesh/relaymesh/pkg/store"
	"github.com/relaymesh/relaymesh/pkg/trust"
)

// Role represents the RBAC role assigned to an API key.
type Role int

const (
	// RoleViewer allows read-only operations (GET).
	RoleViewer Role = iota
	// RoleOperator allows read and write operations (GET, POST, PUT).
	RoleOperator
	// RoleAdmin allows all operations.
	RoleAdmin
)

// ParseRole maps a configured role name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return RoleViewer, nil
	case "operator":
		return RoleOperator, nil
	case "admin":
		return RoleAdmin, nil
	}
	return RoleViewer, fmt.Errorf("unknown role %q (allowed: viewer, operator, admin)", s)
}

// APIKeyInfo associates a Bearer token with its description and RBAC role.
type APIKeyInfo struct {
	Description string
	Role        Role
}

// ServerOptions holds optional configuration for the Server.
type ServerOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// APIKeys maps Bearer token to APIKeyInfo. When non-empty, all routes
	// except /healthz and /readyz require a valid Bearer token. Leave empty
	// to disable authentication (dev/test mode only).
	APIKeys map[string]APIKeyInfo
	// AllowedOrigins lists the origins allowed for CORS and for the trust
	// stream websocket. Empty denies cross-origin requests.
	AllowedOrigins []string
	// RateLimit and RateBurst bound the global request rate. A zero
	// RateLimit disables limiting.
	RateLimit    rate.Limit
	RateBurst    int
	MaxBodyBytes int64
}

// DefaultServerOptions returns sensible defaults: 1000 requests per minute
// with a burst of 50 and a 1 MiB body limit.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		RateLimit:    rate.Limit(1000.0 / 60.0),
		RateBurst:    50,
		MaxBodyBytes: 1 << 20,
	}
}

// Deps are the components the API fronts. Metrics and Hub may be nil.
type Deps struct {
	Store    store.Store
	Registry *registry.Registry
	Router   *routing.Router
	Feedback *feedback.Recorder
	Trust    *trust.Engine
	Hub      *events.Hub
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Server is the relaymesh HTTP API server.
type Server struct {
	httpServer *http.Server
	store      store.Store
	registry   *registry.Registry
	router     *routing.Router
	feedback   *feedback.Recorder
	trust      *trust.Engine
	hub        *events.Hub
	metrics    *observability.Metrics
	logger     *zap.Logger
	limiter    *rate.Limiter
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	opts       ServerOptions
}

// NewServer creates a Server wired to deps.
func NewServer(deps Deps, opts ServerOptions) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultServerOptions().MaxBodyBytes
	}
	srv := &Server{
		store:    deps.Store,
		registry: deps.Registry,
		router:   deps.Router,
		feedback: deps.Feedback,
		trust:    deps.Trust,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		logger:   logger.Named("api"),
		mux:      http.NewServeMux(),
		opts:     opts,
	}
	if opts.RateLimit > 0 {
		srv.limiter = rate.NewLimiter(opts.RateLimit, max(opts.RateBurst, 1))
	}
	srv.upgrader = websocket.Upgrader{CheckOrigin: srv.originAllowed}
	srv.registerRoutes()
	handler := srv.applyMiddleware(srv.mux)
	srv.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return srv
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("API server listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// GracefulShutdown performs a graceful shutdown of the HTTP server.
func (s *Server) GracefulShutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root http.Handler (useful for testing with httptest).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
