package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/handler"
	"github.com/marqueeapi/marquee/internal/openapi"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	APIKeyHeader      string
	AdminSecretHeader string

	// TokenExchangePerMinute throttles the unauthenticated token endpoints
	// per client IP. Zero disables the throttle.
	TokenExchangePerMinute int

	// TrustProxyHeaders rewrites the client address from X-Forwarded-For
	// and X-Real-IP. Off, the throttle keys on the connection address, so
	// clients cannot pick their own bucket.
	TrustProxyHeaders bool

	// BaseURL and Version are advertised in /openapi.json.
	BaseURL string
	Version string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:                   "0.0.0.0",
		Port:                   8080,
		ShutdownTimeout:        30 * time.Second,
		CORSOrigins:            []string{"*"},
		APIKeyHeader:           service.DefaultAPIKeyHeader,
		AdminSecretHeader:      service.DefaultAdminSecretHeader,
		TokenExchangePerMinute: 30,
	}
}

// Pinger reports whether the credential store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the routes are built on.
type Deps struct {
	Store  Pinger
	Keys   *apikey.Manager
	Tokens *service.TokenService
	Auth   *service.Authenticator
	// MCP, when set, is mounted at /mcp behind the admin check.
	MCP http.Handler
}

// Server is the top-level HTTP server for Marquee. It owns the Chi router
// and the authentication services every route goes through.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger

	docOnce  sync.Once
	docJSON  []byte
	docErr   error
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	if s.cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(cors.Handler(service.CORSOptions(s.cfg.CORSOrigins, s.cfg.APIKeyHeader, s.cfg.AdminSecretHeader)))

	// --- Health checks and docs (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.json", s.handleOpenAPI)

	authHandler := handler.NewAuthHandler(s.deps.Tokens, s.cfg.APIKeyHeader, s.logger)
	keyHandler := handler.NewKeyHandler(s.deps.Keys, s.deps.Tokens, s.logger)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			// Token endpoints take raw credentials, so throttle them per IP
			// before any store lookup happens.
			r.Group(func(r chi.Router) {
				if s.cfg.TokenExchangePerMinute > 0 {
					r.Use(middleware.RateLimit(s.cfg.TokenExchangePerMinute))
				}
				r.Post("/token", authHandler.Token)
				r.Post("/refresh", authHandler.Refresh)
			})

			r.With(middleware.Authenticate(s.deps.Auth, service.Options{RequireAuth: true})).
				Get("/me", authHandler.Me)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin(s.deps.Auth))

			r.Get("/keys", keyHandler.ListKeys)
			r.Post("/keys", keyHandler.CreateKey)
			r.Get("/keys/{keyId}", keyHandler.GetKey)
			r.Patch("/keys/{keyId}", keyHandler.PatchKey)
			r.Delete("/keys/{keyId}", keyHandler.DeleteKey)
			r.Post("/keys/{keyId}/rotate", keyHandler.RotateKey)

			r.Post("/tokens", keyHandler.IssueToken)
		})
	})

	if s.deps.MCP != nil {
		r.With(middleware.RequireAdmin(s.deps.Auth)).Handle("/mcp", s.deps.MCP)
	}

	s.router = r
}

// handleHealthz is the liveness check. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is the readiness check. Returns 200 when the credential store
// is reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	if s.deps.Store == nil {
		checks["store"] = "not configured"
		status = "degraded"
	} else if err := s.deps.Store.Ping(r.Context()); err != nil {
		// Driver errors can carry hosts and DSN fragments; they stay in the log.
		s.logger.Error("readiness check failed", "check", "store", "error", err,
			"request_id", middleware.GetRequestID(r.Context()))
		checks["store"] = "unavailable"
		status = "degraded"
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleOpenAPI serves the API reference. The document is built once.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.docOnce.Do(func() {
		doc := openapi.Generate(openapi.Options{
			BaseURL:           s.cfg.BaseURL,
			Version:           s.cfg.Version,
			APIKeyHeader:      s.cfg.APIKeyHeader,
			AdminSecretHeader: s.cfg.AdminSecretHeader,
		})
		s.docJSON, s.docErr = json.Marshal(doc)
	})
	if s.docErr != nil {
		s.logger.Error("failed to render openapi document", "error", s.docErr)
		http.Error(w, "openapi document unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(s.docJSON)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received or ctx is cancelled. It then performs a graceful shutdown,
// draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
