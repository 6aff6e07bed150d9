package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/service"
)

// Actor is recorded as createdBy on keys provisioned through MCP tools.
const Actor = "mcp"

// MCPServer wraps the mcp-go server with Marquee's key-management tools
// and plan resources. It lets operators drive the API-key lifecycle from an
// MCP client.
type MCPServer struct {
	keys   *apikey.Manager
	tokens *service.TokenService
	logger *slog.Logger
	server *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with all Marquee tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(keys *apikey.Manager, tokens *service.TokenService, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	s := &MCPServer{
		keys:   keys,
		tokens: tokens,
		logger: logger,
	}

	mcpServer := server.NewMCPServer(
		"Marquee Key Management",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ErrUnguarded is returned by ServeHTTP when no authorization guard is given.
var ErrUnguarded = errors.New("mcp: HTTP transport requires an authorization guard")

const shutdownTimeout = 10 * time.Second

// ServeHTTP serves the Streamable HTTP transport on addr until ctx is done.
// Every request passes through guard, which must enforce admin
// authorization. The tools mint keys and tokens, so a nil guard is refused.
func (s *MCPServer) ServeHTTP(ctx context.Context, addr string, guard func(http.Handler) http.Handler) error {
	if guard == nil {
		return ErrUnguarded
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           guard(s.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("MCP HTTP server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("MCP HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler returns the bare Streamable HTTP transport. Callers must mount it
// behind the admin middleware.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(false),
	}
}

func destructiveAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
