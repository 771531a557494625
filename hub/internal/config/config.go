// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run modes. Development relaxes secret checks; production enforces them.
const (
	RunModeDevelopment = "development"
	RunModeProduction  = "production"
)

// DevAgentToken is the insecure development default for the agent bearer.
// Production refuses to start with it.
const DevAgentToken = "dev-agent-token-insecure"

// knownWeakSecrets is a blocklist of tokens that must never reach production.
var knownWeakSecrets = map[string]bool{
	DevAgentToken: true,
	"changeme":    true,
	"secret":      true,
	"token":       true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as an agent bearer token.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	RunMode    string           `json:"run_mode,omitempty"`
	Server     ServerConfig     `json:"server"`
	Agent      AgentConfig      `json:"agent"`
	Connection ConnectionConfig `json:"connection,omitempty"`
	Session    SessionConfig    `json:"session,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                        // e.g. "127.0.0.1:8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket origin allowlist; default any
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket frame; default 1MB
}

// AgentConfig defines how agents authenticate and which one is the default
// target for client traffic.
type AgentConfig struct {
	Token     string            `json:"token"`                // pre-shared bearer for the default agent
	Tokens    []AgentCredential `json:"tokens,omitempty"`     // additional agent credentials
	DefaultID string            `json:"default_id,omitempty"` // default "agent1"
}

// AgentCredential binds a pre-shared bearer token to an agent identity.
type AgentCredential struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Credentials returns the effective token to agent-id mapping used on
// agent WebSocket upgrades. The shorthand token maps to the default agent.
func (a AgentConfig) Credentials() map[string]string {
	creds := make(map[string]string, len(a.Tokens)+1)
	for _, c := range a.Tokens {
		if c.Token != "" && c.AgentID != "" {
			creds[c.Token] = c.AgentID
		}
	}
	if a.Token != "" {
		creds[a.Token] = a.DefaultID
	}
	return creds
}

// ConnectionConfig tunes the per-connection actors.
type ConnectionConfig struct {
	HeartbeatInterval    Duration `json:"heartbeat_interval,omitempty"`     // default 5s
	HeartbeatTimeout     Duration `json:"heartbeat_timeout,omitempty"`      // default 30s
	RetransmitTimeout    Duration `json:"retransmit_timeout,omitempty"`     // default 30s
	BufferSize           int      `json:"buffer_size,omitempty"`            // outbound queue and pending-ack cap; default 100
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"` // default 10
	FlushBatchSize       int      `json:"flush_batch_size,omitempty"`       // restored-buffer flush batch; default 10
	FlushInterval        Duration `json:"flush_interval,omitempty"`         // gap between flush batches; default 100ms
	ConfirmDelivery      *bool    `json:"confirm_delivery,omitempty"`       // track requires_ack messages; default on
}

// DeliveryConfirmationEnabled reports whether client actors track and
// retransmit requires_ack messages.
func (c ConnectionConfig) DeliveryConfirmationEnabled() bool {
	return c.ConfirmDelivery == nil || *c.ConfirmDelivery
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	SnapshotTTL     Duration `json:"snapshot_ttl,omitempty"`     // restorable snapshot lifetime; default 1h
	ReapInterval    Duration `json:"reap_interval,omitempty"`    // registry and snapshot sweep; default 60s
	MetricsWindow   Duration `json:"metrics_window,omitempty"`   // sliding window for msg/s; default 60s
	MetricsInterval Duration `json:"metrics_interval,omitempty"` // window sampling tick; default 5s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
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
	if v := os.Getenv("WEBSOCKET_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("AGENT_TOKEN"); v != "" {
		c.Agent.Token = v
	}
	if v := os.Getenv("RUN_MODE"); v != "" {
		c.RunMode = v
	}
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
	if c.Agent.Token == "" {
		return fmt.Errorf("agent.token is required")
	}
	for _, cred := range c.Agent.Tokens {
		if cred.AgentID == "" || cred.Token == "" {
			return fmt.Errorf("agent.tokens entries need both agent_id and token")
		}
	}
	if c.RunMode == RunModeProduction {
		if knownWeakSecrets[c.Agent.Token] {
			return fmt.Errorf("agent.token is a well-known development value, generate a real secret for production")
		}
		if len(c.Agent.Token) < 16 {
			return fmt.Errorf("agent.token must be at least 16 characters in production")
		}
		for _, cred := range c.Agent.Tokens {
			if knownWeakSecrets[cred.Token] || len(cred.Token) < 16 {
				return fmt.Errorf("agent token for %q is too weak for production", cred.AgentID)
			}
		}
	}
	if c.Connection.BufferSize < 0 {
		return fmt.Errorf("connection.buffer_size must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RunMode == "" {
		c.RunMode = RunModeDevelopment
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Agent.Token == "" && c.RunMode == RunModeDevelopment {
		c.Agent.Token = DevAgentToken
	}
	if c.Agent.DefaultID == "" {
		c.Agent.DefaultID = "agent1"
	}
	if c.Connection.HeartbeatInterval.Duration == 0 {
		c.Connection.HeartbeatInterval.Duration = 5 * time.Second
	}
	if c.Connection.HeartbeatTimeout.Duration == 0 {
		c.Connection.HeartbeatTimeout.Duration = 30 * time.Second
	}
	if c.Connection.RetransmitTimeout.Duration == 0 {
		c.Connection.RetransmitTimeout.Duration = 30 * time.Second
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = 100
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = 10
	}
	if c.Connection.FlushBatchSize == 0 {
		c.Connection.FlushBatchSize = 10
	}
	if c.Connection.FlushInterval.Duration == 0 {
		c.Connection.FlushInterval.Duration = 100 * time.Millisecond
	}
	if c.Session.SnapshotTTL.Duration == 0 {
		c.Session.SnapshotTTL.Duration = 1 * time.Hour
	}
	if c.Session.ReapInterval.Duration == 0 {
		c.Session.ReapInterval.Duration = 60 * time.Second
	}
	if c.Session.MetricsWindow.Duration == 0 {
		c.Session.MetricsWindow.Duration = 60 * time.Second
	}
	if c.Session.MetricsInterval.Duration == 0 {
		c.Session.MetricsInterval.Duration = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
