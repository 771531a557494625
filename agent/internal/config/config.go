// Package config handles agent configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the top-level agent configuration.
type Config struct {
	Hub   HubConfig   `json:"hub"`
	Agent AgentConfig `json:"agent"`
}

// HubConfig defines how the agent connects to the hub.
type HubConfig struct {
	URL               string   `json:"url"`                           // e.g. "ws://127.0.0.1:8080"
	Token             string   `json:"token"`                         // pre-shared bearer, sent raw
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"`     // dev only
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`  // backoff base; default 2s
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"` // backoff cap; default 60s
}

// AgentConfig defines the agent's identity and reply behavior.
type AgentConfig struct {
	ID          string `json:"id"`                     // default "agent1"
	ReplyPrefix string `json:"reply_prefix,omitempty"` // default "echo: "
	LogLevel    string `json:"log_level,omitempty"`
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

// Load reads a config file, overlays environment variables and validates
// the result.
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

// ResolveFile returns the conventional config file path when one exists in
// the working directory, else "".
func ResolveFile() string {
	const path = "./sploots-agent.json"
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
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

func (c *Config) applyEnv() {
	if v := os.Getenv("WEBSOCKET_SERVER_ADDR"); v != "" {
		// The hub address is conventionally a bare host:port.
		if strings.Contains(v, "://") {
			c.Hub.URL = v
		} else {
			c.Hub.URL = "ws://" + v
		}
	}
	if v := os.Getenv("AGENT_TOKEN"); v != "" {
		c.Hub.Token = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Hub.URL == "" {
		c.Hub.URL = "ws://127.0.0.1:8080"
	}
	if c.Hub.ReconnectInterval.Duration == 0 {
		c.Hub.ReconnectInterval.Duration = 2 * time.Second
	}
	if c.Hub.MaxReconnectDelay.Duration == 0 {
		c.Hub.MaxReconnectDelay.Duration = 60 * time.Second
	}
	if c.Agent.ID == "" {
		c.Agent.ID = "agent1"
	}
	if c.Agent.ReplyPrefix == "" {
		c.Agent.ReplyPrefix = "echo: "
	}
	if c.Agent.LogLevel == "" {
		c.Agent.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Hub.URL == "" {
		return fmt.Errorf("hub.url is required")
	}
	if c.Hub.Token == "" {
		return fmt.Errorf("hub.token is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	return nil
}
