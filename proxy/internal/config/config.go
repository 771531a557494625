// Package config handles proxy configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Run modes. Development relaxes secret checks; production enforces them.
const (
	RunModeDevelopment = "development"
	RunModeProduction  = "production"
)

// DevJWTSecret is the insecure development default for signing bearer
// tokens. Production refuses to start with it.
const DevJWTSecret = "dev-jwt-secret-insecure"

// knownWeakSecrets is a blocklist of secrets that must never reach production.
var knownWeakSecrets = map[string]bool{
	DevJWTSecret: true,
	"changeme":   true,
	"secret":     true,
	"token":      true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a JWT signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Storage drivers accepted by storage.driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the top-level proxy configuration.
type Config struct {
	RunMode   string          `json:"run_mode,omitempty"`
	Server    ServerConfig    `json:"server"`
	Hub       HubConfig       `json:"hub"`
	Auth      AuthConfig      `json:"auth"`
	Session   SessionConfig   `json:"session,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Static    StaticConfig    `json:"static,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// ServerConfig defines the proxy's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. "127.0.0.1:8081"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS allowlist; default any
}

// HubConfig defines how the proxy reaches the hub's client endpoint.
type HubConfig struct {
	URL                  string   `json:"url"`                              // e.g. "ws://127.0.0.1:8080"
	DialTimeout          Duration `json:"dial_timeout,omitempty"`           // default 10s
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"` // default 10
	HeartbeatInterval    Duration `json:"heartbeat_interval,omitempty"`     // browser keepalive pings; default 5s
	HeartbeatTimeout     Duration `json:"heartbeat_timeout,omitempty"`      // default 30s
}

// AuthConfig defines bearer token issuance and optional wallet assertions.
type AuthConfig struct {
	JWTSecret        string   `json:"jwt_secret"`
	BearerTTL        Duration `json:"bearer_ttl,omitempty"` // default 24h
	AssertionIssuer  string   `json:"assertion_issuer,omitempty"`
	AssertionJWKSURL string   `json:"assertion_jwks_url,omitempty"`
}

// SessionConfig tunes the session store and bridge policy.
type SessionConfig struct {
	TTL                  Duration `json:"ttl,omitempty"`            // default 24h
	SweepInterval        Duration `json:"sweep_interval,omitempty"` // default 1h
	CookieSecure         *bool    `json:"cookie_secure,omitempty"`  // default on outside development
	AllowAnonymousBridge bool     `json:"allow_anonymous_bridge,omitempty"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // memory | sqlite | postgres | redis
	DSN    string `json:"dsn,omitempty"`
}

// StaticConfig defines single-page-app file serving.
type StaticConfig struct {
	Path                string `json:"path,omitempty"`  // default "./static"
	Index               string `json:"index,omitempty"` // default "index.html"
	EnableCompression   bool   `json:"enable_compression,omitempty"`
	CacheMaxAge         int    `json:"cache_max_age,omitempty"` // seconds
	CacheImmutable      bool   `json:"cache_immutable,omitempty"`
	CacheMustRevalidate bool   `json:"cache_must_revalidate,omitempty"`
}

// RateLimitConfig throttles session-creation endpoints per client IP.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"` // default 3
	Burst             int `json:"burst,omitempty"`               // default = requests_per_minute
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// SecureCookie reports whether session cookies carry the Secure attribute.
// Explicit config wins; otherwise on everywhere except development so
// local HTTP still works.
func (c *Config) SecureCookie() bool {
	if c.Session.CookieSecure != nil {
		return *c.Session.CookieSecure
	}
	return c.RunMode != RunModeDevelopment
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s"
// or bare numbers of seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, overlays environment variables, validates the
// result and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default builds a configuration from environment variables and built-in
// defaults, for running without a config file.
func Default() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ResolveFile picks the config file selected by CONFIG_DIR and RUN_MODE:
// $CONFIG_DIR/$RUN_MODE.json if it exists, else $CONFIG_DIR/default.json.
// It returns "" when neither exists.
func ResolveFile() string {
	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	mode := os.Getenv("RUN_MODE")
	if mode == "" {
		mode = RunModeDevelopment
	}

	candidate := filepath.Join(dir, mode+".json")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	fallback := filepath.Join(dir, "default.json")
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

// applyEnv overlays environment variables onto the file-provided values.
// Environment wins so deployments can override a baked-in config.
func (c *Config) applyEnv() {
	if v := os.Getenv("WEB_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("WEBSOCKET_SERVER_ADDR"); v != "" {
		// The hub address is conventionally a bare host:port.
		if strings.Contains(v, "://") {
			c.Hub.URL = v
		} else {
			c.Hub.URL = "ws://" + v
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("RUN_MODE"); v != "" {
		c.RunMode = v
	}
	if v := os.Getenv("STATIC_FILES_PATH"); v != "" {
		c.Static.Path = v
	}
	if v := os.Getenv("STATIC_FILES_INDEX"); v != "" {
		c.Static.Index = v
	}
	if v := os.Getenv("ENABLE_COMPRESSION"); v != "" {
		c.Static.EnableCompression = parseBool(v)
	}
	if v := os.Getenv("CACHE_MAX_AGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Static.CacheMaxAge = n
		}
	}
	if v := os.Getenv("CACHE_IMMUTABLE"); v != "" {
		c.Static.CacheImmutable = parseBool(v)
	}
	if v := os.Getenv("CACHE_MUST_REVALIDATE"); v != "" {
		c.Static.CacheMustRevalidate = parseBool(v)
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.ToLower(v))
	return err == nil && b
}

func (c *Config) validate() error {
	switch c.RunMode {
	case RunModeDevelopment, RunModeProduction:
	default:
		return fmt.Errorf("run_mode must be %q or %q", RunModeDevelopment, RunModeProduction)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("hub.url must use the ws or wss scheme, got %q", u.Scheme)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.RunMode == RunModeProduction {
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known development value, generate a real secret for production")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters in production")
		}
	}
	if c.Auth.AssertionIssuer != "" && c.Auth.AssertionJWKSURL == "" {
		return fmt.Errorf("auth.assertion_jwks_url is required when auth.assertion_issuer is set")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	if c.Session.TTL.Duration <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RunMode == "" {
		c.RunMode = RunModeDevelopment
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8081"
	}
	if c.Hub.URL == "" {
		c.Hub.URL = "ws://127.0.0.1:8080"
	}
	if c.Hub.DialTimeout.Duration == 0 {
		c.Hub.DialTimeout.Duration = 10 * time.Second
	}
	if c.Hub.MaxReconnectAttempts == 0 {
		c.Hub.MaxReconnectAttempts = 10
	}
	if c.Hub.HeartbeatInterval.Duration == 0 {
		c.Hub.HeartbeatInterval.Duration = 5 * time.Second
	}
	if c.Hub.HeartbeatTimeout.Duration == 0 {
		c.Hub.HeartbeatTimeout.Duration = 30 * time.Second
	}
	if c.Auth.JWTSecret == "" && c.RunMode == RunModeDevelopment {
		c.Auth.JWTSecret = DevJWTSecret
	}
	if c.Auth.BearerTTL.Duration == 0 {
		c.Auth.BearerTTL.Duration = 24 * time.Hour
	}
	if c.Session.TTL.Duration == 0 {
		c.Session.TTL.Duration = 24 * time.Hour
	}
	if c.Session.SweepInterval.Duration == 0 {
		c.Session.SweepInterval.Duration = time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Static.Path == "" {
		c.Static.Path = "./static"
	}
	if c.Static.Index == "" {
		c.Static.Index = "index.html"
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 3
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerMinute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
