package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marqueeapi/marquee/internal/apikey"
	"github.com/marqueeapi/marquee/internal/config"
	"github.com/marqueeapi/marquee/internal/ratelimit"
	"github.com/marqueeapi/marquee/internal/server/middleware"
	"github.com/marqueeapi/marquee/internal/service"
	"github.com/marqueeapi/marquee/internal/store"
	"github.com/marqueeapi/marquee/internal/token"
)

// loadConfig reads the effective configuration. bindings maps config keys
// to flags of cmd; a flag only wins when it was set explicitly.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	for key, flag := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", flag, err)
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	cfg.Store.DataDir = resolveDataDir(cfg.Store.DataDir)
	return cfg, nil
}

// resolveDataDir returns the data directory from --data-dir, the config
// file or MARQUEE_STORE_DATA_DIR, or ~/.marquee as fallback.
func resolveDataDir(configured string) string {
	if dataDir != "" {
		return dataDir
	}
	if configured != "" {
		return configured
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".marquee")
}

// newLogger builds the process logger. When log.file is set the output is
// rotated by size; the returned closer flushes it.
func newLogger(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    = stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openStore opens the credential store described by cfg.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, store.Options{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		DataDir:      cfg.Store.DataDir,
		Timeout:      cfg.Store.Timeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// newManager builds the API-key manager over st.
func newManager(st *store.Store, cfg *config.Config, logger *slog.Logger) (*apikey.Manager, error) {
	return apikey.NewManager(st, apikey.Options{
		Logger:       logger,
		CacheTTL:     cfg.Auth.KeyCacheTTL,
		CacheSize:    cfg.Auth.KeyCacheSize,
		DisableTouch: !cfg.Auth.TrackLastUsed,
	})
}

// newCodec builds the token codec. ledger is only used when refresh replay
// protection is enabled.
func newCodec(cfg *config.Config, ledger token.RefreshLedger) (*token.Codec, error) {
	opts := token.Options{
		Secret:        cfg.Auth.JWTSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		Issuer:        cfg.Auth.Issuer,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
	}
	if cfg.Auth.RefreshReplayProtection {
		opts.Ledger = ledger
	}
	codec, err := token.NewCodec(opts)
	if err != nil {
		return nil, fmt.Errorf("init token codec: %w", err)
	}
	return codec, nil
}

// newLimiter builds the per-principal rate limiter on the configured
// backend.
func newLimiter(cfg *config.Config, st *store.Store, logger *slog.Logger) *ratelimit.Limiter {
	var counter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if cfg.RateLimit.Backend == config.BackendStore {
		counter = st
	}
	return ratelimit.New(counter, ratelimit.WithLogger(logger))
}

// newAuthenticator builds the Authenticator shared by the API server and the
// MCP HTTP transport.
func newAuthenticator(cfg *config.Config, codec *token.Codec, keys *apikey.Manager, limiter *ratelimit.Limiter, logger *slog.Logger) *service.Authenticator {
	return service.NewAuthenticator(codec, keys, limiter, service.Config{
		APIKeyHeader:      cfg.Auth.APIKeyHeader,
		AdminSecretHeader: cfg.Auth.AdminSecretHeader,
		AdminSecret:       cfg.Auth.AdminSecret,
		Logger:            logger,
		RequestID:         func(r *http.Request) string { return middleware.GetRequestID(r.Context()) },
	})
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
