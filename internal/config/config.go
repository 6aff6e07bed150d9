// Package config holds Marquee's typed configuration. Values come from
// marquee.yaml, MARQUEE_* environment variables and command-line flags,
// merged by viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable override, e.g.
// MARQUEE_AUTH_JWT_SECRET for auth.jwt_secret.
const EnvPrefix = "MARQUEE"

// Config is the top-level Marquee configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	MCP       MCPConfig       `yaml:"mcp" mapstructure:"mcp"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	// BaseURL is advertised in the OpenAPI document.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable it only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

// StoreConfig selects the credential store database.
type StoreConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"`
	DSN          string        `yaml:"dsn" mapstructure:"dsn"`
	DataDir      string        `yaml:"data_dir" mapstructure:"data_dir"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxOpenConns int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
}

// AuthConfig controls token signing, credential headers and the key cache.
type AuthConfig struct {
	JWTSecret               string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	RefreshSecret           string        `yaml:"refresh_secret" mapstructure:"refresh_secret"`
	AdminSecret             string        `yaml:"admin_secret" mapstructure:"admin_secret"`
	Issuer                  string        `yaml:"issuer" mapstructure:"issuer"`
	AccessTTL               time.Duration `yaml:"access_ttl" mapstructure:"access_ttl"`
	RefreshTTL              time.Duration `yaml:"refresh_ttl" mapstructure:"refresh_ttl"`
	APIKeyHeader            string        `yaml:"api_key_header" mapstructure:"api_key_header"`
	AdminSecretHeader       string        `yaml:"admin_secret_header" mapstructure:"admin_secret_header"`
	RefreshReplayProtection bool          `yaml:"refresh_replay_protection" mapstructure:"refresh_replay_protection"`
	KeyCacheTTL             time.Duration `yaml:"key_cache_ttl" mapstructure:"key_cache_ttl"`
	KeyCacheSize            int64         `yaml:"key_cache_size" mapstructure:"key_cache_size"`
	TrackLastUsed           bool          `yaml:"track_last_used" mapstructure:"track_last_used"`
}

// RateLimitConfig selects where per-principal counters live.
type RateLimitConfig struct {
	// Backend is "memory" for a single replica or "store" to share counters
	// through the credential store.
	Backend                string        `yaml:"backend" mapstructure:"backend"`
	TokenExchangePerMinute int           `yaml:"token_exchange_per_minute" mapstructure:"token_exchange_per_minute"`
	PurgeInterval          time.Duration `yaml:"purge_interval" mapstructure:"purge_interval"`
}

// LogConfig controls log output. When File is set, output is rotated by
// size.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// MCPConfig controls the MCP server.
type MCPConfig struct {
	Transport string `yaml:"transport" mapstructure:"transport"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	// Mount exposes the MCP endpoint at /mcp on the main server behind the
	// admin check.
	Mount bool `yaml:"mount" mapstructure:"mount"`
}

const (
	BackendMemory = "memory"
	BackendStore  = "store"
)

// Default returns a Config pre-filled with sensible defaults. Secrets are
// left empty.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			Timeout:      2 * time.Second,
			MaxOpenConns: 10,
		},
		Auth: AuthConfig{
			Issuer:            "marquee",
			AccessTTL:         15 * time.Minute,
			RefreshTTL:        7 * 24 * time.Hour,
			APIKeyHeader:      "X-API-Key",
			AdminSecretHeader: "X-Admin-Secret",
			KeyCacheTTL:       5 * time.Second,
			KeyCacheSize:      10000,
			TrackLastUsed:     true,
		},
		RateLimit: RateLimitConfig{
			Backend:                BackendMemory,
			TokenExchangePerMinute: 30,
			PurgeInterval:          time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Addr:      "127.0.0.1:3001",
		},
	}
}

// SetDefaults registers every default with v so that environment variables
// resolve for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	set := map[string]interface{}{
		"server.host":                d.Server.Host,
		"server.port":                d.Server.Port,
		"server.shutdown_timeout":    d.Server.ShutdownTimeout,
		"server.cors_origins":        d.Server.CORSOrigins,
		"server.base_url":            d.Server.BaseURL,
		"server.trust_proxy_headers": d.Server.TrustProxyHeaders,

		"store.driver":         d.Store.Driver,
		"store.dsn":            d.Store.DSN,
		"store.data_dir":       d.Store.DataDir,
		"store.timeout":        d.Store.Timeout,
		"store.max_open_conns": d.Store.MaxOpenConns,

		"auth.jwt_secret":                d.Auth.JWTSecret,
		"auth.refresh_secret":            d.Auth.RefreshSecret,
		"auth.admin_secret":              d.Auth.AdminSecret,
		"auth.issuer":                    d.Auth.Issuer,
		"auth.access_ttl":                d.Auth.AccessTTL,
		"auth.refresh_ttl":               d.Auth.RefreshTTL,
		"auth.api_key_header":            d.Auth.APIKeyHeader,
		"auth.admin_secret_header":       d.Auth.AdminSecretHeader,
		"auth.refresh_replay_protection": d.Auth.RefreshReplayProtection,
		"auth.key_cache_ttl":             d.Auth.KeyCacheTTL,
		"auth.key_cache_size":            d.Auth.KeyCacheSize,
		"auth.track_last_used":           d.Auth.TrackLastUsed,

		"rate_limit.backend":                   d.RateLimit.Backend,
		"rate_limit.token_exchange_per_minute": d.RateLimit.TokenExchangePerMinute,
		"rate_limit.purge_interval":            d.RateLimit.PurgeInterval,

		"log.level":        d.Log.Level,
		"log.format":       d.Log.Format,
		"log.file":         d.Log.File,
		"log.max_size_mb":  d.Log.MaxSizeMB,
		"log.max_backups":  d.Log.MaxBackups,
		"log.max_age_days": d.Log.MaxAgeDays,

		"mcp.transport": d.MCP.Transport,
		"mcp.addr":      d.MCP.Addr,
		"mcp.mount":     d.MCP.Mount,
	}
	for k, val := range set {
		v.SetDefault(k, val)
	}
}

// ConfigureViper points v at marquee.yaml in the usual places (or at file
// when non-empty) and enables MARQUEE_* environment overrides. A missing
// config file is not an error.
func ConfigureViper(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("marquee")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.marquee")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if file == "" && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values every command relies on. Secrets are checked
// separately by ValidateServe.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql", "sqlserver":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite, postgres, mysql or sqlserver", c.Store.Driver))
	}
	if c.Store.Driver != "sqlite" && c.Store.DSN == "" {
		problems = append(problems, fmt.Sprintf("store.dsn is required for driver %q", c.Store.Driver))
	}
	if c.Auth.AccessTTL <= 0 {
		problems = append(problems, "auth.access_ttl must be positive")
	}
	if c.Auth.RefreshTTL <= 0 {
		problems = append(problems, "auth.refresh_ttl must be positive")
	}
	if c.Auth.RefreshTTL > 0 && c.Auth.AccessTTL > c.Auth.RefreshTTL {
		problems = append(problems, "auth.access_ttl must not exceed auth.refresh_ttl")
	}
	if strings.EqualFold(c.Auth.APIKeyHeader, c.Auth.AdminSecretHeader) {
		problems = append(problems, "auth.api_key_header and auth.admin_secret_header must differ")
	}
	switch c.RateLimit.Backend {
	case BackendMemory, BackendStore:
	default:
		problems = append(problems, fmt.Sprintf("rate_limit.backend %q must be memory or store", c.RateLimit.Backend))
	}
	if c.RateLimit.TokenExchangePerMinute < 0 {
		problems = append(problems, "rate_limit.token_exchange_per_minute must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		problems = append(problems, fmt.Sprintf("mcp.transport %q must be stdio or http", c.MCP.Transport))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateServe additionally requires the secrets the server cannot run
// without.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required (set %s_AUTH_JWT_SECRET)", ErrInvalid, EnvPrefix)
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("%w: auth.jwt_secret must be at least 16 bytes", ErrInvalid)
	}
	return nil
}

// ParseLevel maps a log level name to its slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q must be debug, info, warn or error", s)
	}
}

const redacted = "<redacted>"

// Redacted returns a copy of c with every secret replaced, for display.
func (c Config) Redacted() Config {
	out := c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	for _, s := range []*string{&out.Auth.JWTSecret, &out.Auth.RefreshSecret, &out.Auth.AdminSecret} {
		if *s != "" {
			*s = redacted
		}
	}
	if out.Store.DSN != "" && out.Store.Driver != "sqlite" {
		out.Store.DSN = redacted
	}
	return out
}

// YAML renders c as a YAML document.
func (c Config) YAML() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return b, nil
}

const fileHeader = `# Marquee configuration
# Every key can be overridden with an environment variable, e.g.
# MARQUEE_AUTH_JWT_SECRET for auth.jwt_secret.
`

// WriteFile writes c to path as YAML. It refuses to overwrite an existing
// file unless force is set.
func WriteFile(path string, c Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s (use --force to overwrite)", ErrExists, path)
		}
	}
	body, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append([]byte(fileHeader), body...), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadFile parses a YAML file on top of the defaults. Environment variables
// referenced as ${VAR_NAME} are expanded before parsing.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}
