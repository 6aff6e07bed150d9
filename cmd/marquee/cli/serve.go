package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marqueeapi/marquee/internal/config"
	mmcp "github.com/marqueeapi/marquee/internal/mcp"
	"github.com/marqueeapi/marquee/internal/server"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/store"
	"github.com/marqueeapi/marquee/internal/telemetry"
)

const banner = `
 __  __    _    ____   ___  _   _ _____ _____
|  \/  |  / \  |  _ \ / _ \| | | | ____| ____|
| |\/| | / _ \ | |_) | | | | | | |  _| |  _|
| |  | |/ ___ \|  _ <| |_| | |_| | |___| |___
|_|  |_/_/   \_\_| \_\\__\_\\___/|_____|_____|
`

func newServeCmd() *cobra.Command {
	var (
		port     int
		host     string
		logLevel string
		mountMCP bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Marquee API server",
		Long: `Start the HTTP server that exchanges API keys for tokens, authenticates
requests and exposes the admin key-management API.

The signing secret must be configured, e.g. with MARQUEE_AUTH_JWT_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, map[string]string{
				"server.port": "port",
				"server.host": "host",
				"log.level":   "log-level",
				"mcp.mount":   "mcp",
			})
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&mountMCP, "mcp", false, "Mount the MCP endpoint at /mcp behind the admin check")

	return cmd
}

func runServe(cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	logger, logCloser, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if cfg.Log.File == "" {
		fmt.Print(banner)
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Credential store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("credential store opened", "driver", st.Driver())

	// 2. Key manager and token codec
	keys, err := newManager(st, cfg, logger)
	if err != nil {
		return err
	}
	defer keys.Close()

	codec, err := newCodec(cfg, st)
	if err != nil {
		return err
	}
	if cfg.Auth.RefreshReplayProtection {
		go purgeRefreshLedger(ctx, st, cfg.RateLimit.PurgeInterval, logger)
	}

	// 3. Rate limiter
	limiter := newLimiter(cfg, st, logger)
	go limiter.Run(ctx, cfg.RateLimit.PurgeInterval)
	logger.Info("rate limiter initialized", "backend", cfg.RateLimit.Backend)

	// 4. Authentication services
	tokens := service.NewTokenService(codec, keys, logger)
	auth := newAuthenticator(cfg, codec, keys, limiter, logger)
	if cfg.Auth.AdminSecret == "" {
		logger.Warn("no admin secret configured; admin routes require a principal with the admin permission")
	}

	deps := server.Deps{
		Store:  st,
		Keys:   keys,
		Tokens: tokens,
		Auth:   auth,
	}
	if cfg.MCP.Mount {
		deps.MCP = mmcp.NewMCPServer(keys, tokens, versionString(), logger).Handler()
	}

	// 5. Inventory gauges
	tracker := telemetry.New(st, versionString(), cfg.RateLimit.PurgeInterval, logger)
	tracker.Start()
	defer tracker.Shutdown()

	// 6. HTTP server
	srv := server.New(server.Config{
		Host:                   cfg.Server.Host,
		Port:                   cfg.Server.Port,
		ShutdownTimeout:        cfg.Server.ShutdownTimeout,
		CORSOrigins:            cfg.Server.CORSOrigins,
		APIKeyHeader:           cfg.Auth.APIKeyHeader,
		AdminSecretHeader:      cfg.Auth.AdminSecretHeader,
		TokenExchangePerMinute: cfg.RateLimit.TokenExchangePerMinute,
		TrustProxyHeaders:      cfg.Server.TrustProxyHeaders,
		BaseURL:                cfg.Server.BaseURL,
		Version:                versionString(),
	}, deps, logger)

	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	if cfg.Log.File == "" {
		fmt.Printf("→ Marquee %s\n", versionString())
		fmt.Printf("→ Listening on http://%s:%d\n", host, cfg.Server.Port)
		fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, cfg.Server.Port)
		fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, cfg.Server.Port)
		if deps.MCP != nil {
			fmt.Printf("→ MCP:        http://%s:%d/mcp\n", host, cfg.Server.Port)
		}
		fmt.Println()
	}

	return srv.ListenAndServe(ctx)
}

// purgeRefreshLedger drops consumed refresh tokens that have expired
// anyway, every interval until ctx is done.
func purgeRefreshLedger(ctx context.Context, st *store.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeExpiredRefreshTokens(ctx, time.Now())
			if err != nil {
				logger.Warn("purge refresh token ledger failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged refresh token ledger", "rows", n)
			}
		}
	}
}
