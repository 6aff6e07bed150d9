package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marqueeapi/marquee/internal/config"
	mmcp "github.com/marqueeapi/marquee/internal/mcp"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes the API-key lifecycle
as tools for AI agents. Supports stdio (default) and HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for clients that launch it as a subprocess.

In HTTP mode, the server listens on --addr using the Streamable HTTP transport.
Every request must pass the admin check: the admin secret header or a bearer
token carrying the admin permission.`,
		Example: `  marquee mcp                                         # stdio mode
  marquee mcp --transport http --addr 127.0.0.1:3001  # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{
				"mcp.transport": "transport",
				"mcp.addr":      "addr",
			})
			if err != nil {
				return err
			}
			return runMCP(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3001", "HTTP listen address (only used with --transport http)")

	return cmd
}

func runMCP(cmd *cobra.Command, cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	// stdout carries the protocol in stdio mode, so logs go to stderr.
	logger, closer, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	keys, err := newManager(st, cfg, logger)
	if err != nil {
		return err
	}
	defer keys.Close()

	codec, err := newCodec(cfg, st)
	if err != nil {
		return err
	}
	tokens := service.NewTokenService(codec, keys, logger)

	mcpSrv := mmcp.NewMCPServer(keys, tokens, versionString(), logger)

	switch cfg.MCP.Transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		if err := checkMCPHTTPAuth(cfg); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		limiter := newLimiter(cfg, st, logger)
		go limiter.Run(ctx, cfg.RateLimit.PurgeInterval)
		auth := newAuthenticator(cfg, codec, keys, limiter, logger)
		return mcpSrv.ServeHTTP(ctx, cfg.MCP.Addr, mcpHTTPGuard(auth, logger))
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", cfg.MCP.Transport)
	}
}

// checkMCPHTTPAuth refuses to serve MCP over HTTP when no admin credential
// could ever be accepted.
func checkMCPHTTPAuth(cfg *config.Config) error {
	if cfg.Auth.AdminSecret == "" && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: the MCP HTTP transport needs auth.admin_secret or auth.jwt_secret", config.ErrInvalid)
	}
	return nil
}

// mcpHTTPGuard admits only admin-authorized requests, with the same request
// id and logging as the API server.
func mcpHTTPGuard(auth *service.Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := middleware.RequireAdmin(auth)(next)
		h = middleware.Logger(logger)(h)
		return middleware.RequestID(h)
	}
}
