package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDuration_UnmarshalJSON_String(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`"30s"`), &d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 30*time.Second {
		t.Errorf("expected 30s, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalJSON_Number(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`10`), &d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Duration != 10*time.Second {
		t.Errorf("expected 10s, got %v", d.Duration)
	}
}

func TestDuration_UnmarshalJSON_Invalid(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`"not-a-duration"`), &d)
	if err == nil {
		t.Fatal("expected error for invalid duration string")
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 2 * time.Minute}
	data, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `"2m0s"` {
		t.Errorf("expected \"2m0s\", got %s", string(data))
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	cfgJSON := `{
		"hub": {
			"url": "ws://hub.internal:8080",
			"token": "agent-secret",
			"reconnect_interval": "5s"
		},
		"agent": {
			"id": "worker-7",
			"reply_prefix": "reply: "
		}
	}`

	path := writeTemp(t, cfgJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Hub.URL != "ws://hub.internal:8080" {
		t.Errorf("wrong hub URL: %s", cfg.Hub.URL)
	}
	if cfg.Hub.Token != "agent-secret" {
		t.Errorf("wrong hub token: %s", cfg.Hub.Token)
	}
	if cfg.Hub.ReconnectInterval.Duration != 5*time.Second {
		t.Errorf("wrong reconnect interval: %v", cfg.Hub.ReconnectInterval.Duration)
	}
	if cfg.Agent.ID != "worker-7" {
		t.Errorf("wrong agent ID: %s", cfg.Agent.ID)
	}
	if cfg.Agent.ReplyPrefix != "reply: " {
		t.Errorf("wrong reply prefix: %q", cfg.Agent.ReplyPrefix)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfgJSON := `{
		"hub": {
			"url": "ws://hub.internal:8080",
			"token": "agent-secret"
		}
	}`

	path := writeTemp(t, cfgJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Agent.ID != "agent1" {
		t.Errorf("expected default agent id agent1, got %s", cfg.Agent.ID)
	}
	if cfg.Agent.ReplyPrefix != "echo: " {
		t.Errorf("expected default reply prefix, got %q", cfg.Agent.ReplyPrefix)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Agent.LogLevel)
	}
	if cfg.Hub.ReconnectInterval.Duration != 2*time.Second {
		t.Errorf("expected default reconnect interval 2s, got %v", cfg.Hub.ReconnectInterval.Duration)
	}
	if cfg.Hub.MaxReconnectDelay.Duration != 60*time.Second {
		t.Errorf("expected default max reconnect delay 60s, got %v", cfg.Hub.MaxReconnectDelay.Duration)
	}
}

func TestLoad_MissingHubToken(t *testing.T) {
	cfgJSON := `{
		"hub": {"url": "ws://localhost:8080"}
	}`
	path := writeTemp(t, cfgJSON)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for missing hub.token")
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("WEBSOCKET_SERVER_ADDR", "hub.internal:9090")
	t.Setenv("AGENT_TOKEN", "env-token")
	t.Setenv("AGENT_ID", "env-agent")

	cfgJSON := `{
		"hub": {"url": "ws://file-hub:8080", "token": "file-token"},
		"agent": {"id": "file-agent"}
	}`
	path := writeTemp(t, cfgJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Hub.URL != "ws://hub.internal:9090" {
		t.Errorf("expected env hub URL with ws scheme, got %s", cfg.Hub.URL)
	}
	if cfg.Hub.Token != "env-token" {
		t.Errorf("expected env token, got %s", cfg.Hub.Token)
	}
	if cfg.Agent.ID != "env-agent" {
		t.Errorf("expected env agent id, got %s", cfg.Agent.ID)
	}
}

func TestDefault_FromEnvironment(t *testing.T) {
	t.Setenv("WEBSOCKET_SERVER_ADDR", "ws://hub.internal:8080")
	t.Setenv("AGENT_TOKEN", "env-token")

	cfg, err := Default()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Hub.URL != "ws://hub.internal:8080" {
		t.Errorf("wrong hub URL: %s", cfg.Hub.URL)
	}
	if cfg.Hub.Token != "env-token" {
		t.Errorf("wrong token: %s", cfg.Hub.Token)
	}
	if cfg.Agent.ID != "agent1" {
		t.Errorf("expected default agent id, got %s", cfg.Agent.ID)
	}
}

func TestDefault_MissingToken(t *testing.T) {
	t.Setenv("AGENT_TOKEN", "")

	_, err := Default()
	if err == nil {
		t.Fatal("expected validation error when no token is configured")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeTemp(t, "not json at all")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

// writeTemp creates a temporary file with the given content and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
