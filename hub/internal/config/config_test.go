package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

// clearEnv blanks the overlay variables so ambient process state cannot
// leak into file-driven tests. t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WEBSOCKET_SERVER_ADDR", "")
	t.Setenv("AGENT_TOKEN", "")
	t.Setenv("RUN_MODE", "")
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	configJSON := `{
		"run_mode": "production",
		"server": {
			"addr": "0.0.0.0:9090",
			"allowed_origins": ["https://app.example.com"],
			"max_message_bytes": 32768
		},
		"agent": {
			"token": "a-real-production-token-with-length",
			"default_id": "agent-primary"
		},
		"connection": {
			"heartbeat_interval": "2s",
			"heartbeat_timeout": 45,
			"retransmit_timeout": "20s",
			"buffer_size": 50,
			"max_reconnect_attempts": 4,
			"confirm_delivery": false
		},
		"session": {
			"snapshot_ttl": "30m",
			"metrics_window": 120
		},
		"logging": {
			"level": "debug",
			"format": "text"
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RunMode != RunModeProduction {
		t.Errorf("RunMode: got %q, want %q", cfg.RunMode, RunModeProduction)
	}
	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, "0.0.0.0:9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxMessageBytes != 32768 {
		t.Errorf("Server.MaxMessageBytes: got %d, want 32768", cfg.Server.MaxMessageBytes)
	}

	if cfg.Agent.Token != "a-real-production-token-with-length" {
		t.Errorf("Agent.Token: got %q", cfg.Agent.Token)
	}
	if cfg.Agent.DefaultID != "agent-primary" {
		t.Errorf("Agent.DefaultID: got %q", cfg.Agent.DefaultID)
	}

	if cfg.Connection.HeartbeatInterval.Duration != 2*time.Second {
		t.Errorf("HeartbeatInterval: got %v, want 2s", cfg.Connection.HeartbeatInterval.Duration)
	}
	// Bare numbers are seconds.
	if cfg.Connection.HeartbeatTimeout.Duration != 45*time.Second {
		t.Errorf("HeartbeatTimeout: got %v, want 45s", cfg.Connection.HeartbeatTimeout.Duration)
	}
	if cfg.Connection.RetransmitTimeout.Duration != 20*time.Second {
		t.Errorf("RetransmitTimeout: got %v, want 20s", cfg.Connection.RetransmitTimeout.Duration)
	}
	if cfg.Connection.BufferSize != 50 {
		t.Errorf("BufferSize: got %d, want 50", cfg.Connection.BufferSize)
	}
	if cfg.Connection.MaxReconnectAttempts != 4 {
		t.Errorf("MaxReconnectAttempts: got %d, want 4", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.DeliveryConfirmationEnabled() {
		t.Error("confirm_delivery: false must disable delivery confirmation")
	}

	if cfg.Session.SnapshotTTL.Duration != 30*time.Minute {
		t.Errorf("SnapshotTTL: got %v, want 30m", cfg.Session.SnapshotTTL.Duration)
	}
	if cfg.Session.MetricsWindow.Duration != 120*time.Second {
		t.Errorf("MetricsWindow: got %v, want 120s", cfg.Session.MetricsWindow.Duration)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"agent": {"token": "anything-goes-in-dev"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.RunMode != RunModeDevelopment {
		t.Errorf("RunMode default: got %q, want %q", cfg.RunMode, RunModeDevelopment)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("Server.Addr default: got %q", cfg.Server.Addr)
	}
	if cfg.Agent.DefaultID != "agent1" {
		t.Errorf("Agent.DefaultID default: got %q", cfg.Agent.DefaultID)
	}
	if cfg.Connection.HeartbeatInterval.Duration != 5*time.Second {
		t.Errorf("HeartbeatInterval default: got %v", cfg.Connection.HeartbeatInterval.Duration)
	}
	if cfg.Connection.HeartbeatTimeout.Duration != 30*time.Second {
		t.Errorf("HeartbeatTimeout default: got %v", cfg.Connection.HeartbeatTimeout.Duration)
	}
	if cfg.Connection.RetransmitTimeout.Duration != 30*time.Second {
		t.Errorf("RetransmitTimeout default: got %v", cfg.Connection.RetransmitTimeout.Duration)
	}
	if cfg.Connection.BufferSize != 100 {
		t.Errorf("BufferSize default: got %d", cfg.Connection.BufferSize)
	}
	if cfg.Connection.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts default: got %d", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.FlushBatchSize != 10 {
		t.Errorf("FlushBatchSize default: got %d", cfg.Connection.FlushBatchSize)
	}
	if cfg.Connection.FlushInterval.Duration != 100*time.Millisecond {
		t.Errorf("FlushInterval default: got %v", cfg.Connection.FlushInterval.Duration)
	}
	if !cfg.Connection.DeliveryConfirmationEnabled() {
		t.Error("delivery confirmation must default to enabled")
	}
	if cfg.Session.SnapshotTTL.Duration != 1*time.Hour {
		t.Errorf("SnapshotTTL default: got %v", cfg.Session.SnapshotTTL.Duration)
	}
	if cfg.Session.MetricsWindow.Duration != 60*time.Second {
		t.Errorf("MetricsWindow default: got %v", cfg.Session.MetricsWindow.Duration)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults: got %+v", cfg.Logging)
	}
}

func TestDevelopmentDefaultToken(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Token != DevAgentToken {
		t.Errorf("expected the development token default, got %q", cfg.Agent.Token)
	}
}

func TestProductionRejectsWeakToken(t *testing.T) {
	clearEnv(t)
	cases := []string{DevAgentToken, "changeme", "secret"}
	for _, token := range cases {
		path := writeTempConfig(t, `{
			"run_mode": "production",
			"server": {"addr": ":8080"},
			"agent": {"token": "`+token+`"}
		}`)
		if _, err := Load(path); err == nil {
			t.Errorf("expected production to reject token %q", token)
		}
	}
}

func TestProductionRejectsMissingToken(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"run_mode": "production", "server": {"addr": ":8080"}}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for production without an agent token")
	}
	if !strings.Contains(err.Error(), "agent.token") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProductionRejectsShortToken(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{
		"run_mode": "production",
		"server": {"addr": ":8080"},
		"agent": {"token": "short"}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected production to reject a short token")
	}
}

func TestInvalidRunMode(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `{"run_mode": "staging"}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown run mode")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBSOCKET_SERVER_ADDR", "0.0.0.0:7777")
	t.Setenv("AGENT_TOKEN", "env-supplied-token-long-enough")

	path := writeTempConfig(t, `{
		"server": {"addr": "127.0.0.1:8080"},
		"agent": {"token": "file-token"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:7777" {
		t.Errorf("env must override file addr, got %q", cfg.Server.Addr)
	}
	if cfg.Agent.Token != "env-supplied-token-long-enough" {
		t.Errorf("env must override file token, got %q", cfg.Agent.Token)
	}
}

func TestDefaultWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUN_MODE", "development")
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Errorf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Agent.Token == "" {
		t.Error("expected a development token default")
	}
}

func TestResolveFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("RUN_MODE", "production")

	if got := ResolveFile(); got != "" {
		t.Errorf("expected no match in an empty dir, got %q", got)
	}

	fallback := filepath.Join(dir, "default.json")
	if err := os.WriteFile(fallback, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	if got := ResolveFile(); got != fallback {
		t.Errorf("expected fallback %q, got %q", fallback, got)
	}

	modeFile := filepath.Join(dir, "production.json")
	if err := os.WriteFile(modeFile, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}
	if got := ResolveFile(); got != modeFile {
		t.Errorf("expected run-mode file %q, got %q", modeFile, got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeTempConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
