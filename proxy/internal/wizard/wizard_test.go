package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sploots-ai/sploots/pkg/cli"
	"github.com/sploots-ai/sploots/proxy/internal/config"
)

func TestWizard(t *testing.T) {
	input := strings.Join([]string{
		"2",                         // run mode: production
		"0.0.0.0:9191",              // listen address
		"ws://hub.internal:8080",    // hub url
		"2",                         // storage driver: sqlite
		"/var/lib/sploots/proxy.db", // dsn
		"./dist",                    // static files path
		"",                          // jwt secret: generate one
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "proxy-config.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.RunMode != config.RunModeProduction {
		t.Errorf("run_mode = %q, want %q", cfg.RunMode, config.RunModeProduction)
	}
	if cfg.Server.Addr != "0.0.0.0:9191" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, "0.0.0.0:9191")
	}
	if cfg.Hub.URL != "ws://hub.internal:8080" {
		t.Errorf("hub.url = %q, want %q", cfg.Hub.URL, "ws://hub.internal:8080")
	}
	if cfg.Storage.Driver != config.DriverSQLite {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, config.DriverSQLite)
	}
	if cfg.Storage.DSN != "/var/lib/sploots/proxy.db" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Static.Path != "./dist" {
		t.Errorf("static.path = %q, want ./dist", cfg.Static.Path)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("jwt secret length = %d, want 64", len(cfg.Auth.JWTSecret))
	}
	if strings.Contains(out.String(), cfg.Auth.JWTSecret) {
		t.Error("jwt secret must not be echoed to the terminal")
	}

	// The generated file must pass its own validation.
	if _, err := config.Load(outputPath); err != nil {
		t.Errorf("generated config does not load: %v", err)
	}
}

func TestWizardUsesProvidedSecret(t *testing.T) {
	secret := "vault-issued-signing-secret-48-chars-aaaaaaaaaaa"
	input := strings.Join([]string{
		"1",                   // run mode: development
		"127.0.0.1:8081",      // listen address
		"ws://127.0.0.1:8080", // hub url
		"1",                   // storage driver: memory
		"./static",            // static files path
		secret,                // jwt secret: operator supplied
	}, "\n") + "\n"

	p := &cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}}
	outputPath := filepath.Join(t.TempDir(), "proxy-config.json")

	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	var cfg config.Config
	data, _ := os.ReadFile(outputPath)
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.Auth.JWTSecret != secret {
		t.Errorf("auth.jwt_secret = %q, want the operator-supplied secret", cfg.Auth.JWTSecret)
	}
}

func TestWizardKeepsExistingConfig(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "proxy-config.json")
	if err := os.WriteFile(outputPath, []byte(`{"run_mode":"development"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	input := strings.Join([]string{
		"1",                   // run mode
		"127.0.0.1:8081",      // listen address
		"ws://127.0.0.1:8080", // hub url
		"1",                   // storage driver: memory
		"./static",            // static files path
		"",                    // jwt secret: generate one
		"n",                   // do not overwrite
	}, "\n") + "\n"

	p := &cli.Prompter{In: strings.NewReader(input), Out: &bytes.Buffer{}}
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, _ := os.ReadFile(outputPath)
	if string(data) != `{"run_mode":"development"}` {
		t.Error("declining the overwrite must leave the existing config untouched")
	}
}

func TestWizardDefaults(t *testing.T) {
	t.Setenv("WEB_SERVER_ADDR", "127.0.0.1:7171")
	t.Setenv("WEBSOCKET_SERVER_ADDR", "hub.internal:8080")
	t.Setenv("JWT_SECRET", "env-provided-jwt-secret-32-chars-xx")
	t.Setenv("RUN_MODE", "development")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "proxy-config.json")

	w := New(p)
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	var cfg config.Config
	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:7171" {
		t.Errorf("server.addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Hub.URL != "ws://hub.internal:8080" {
		t.Errorf("hub.url = %q, want ws scheme prefixed onto the bare addr", cfg.Hub.URL)
	}
	if cfg.Auth.JWTSecret != "env-provided-jwt-secret-32-chars-xx" {
		t.Errorf("auth.jwt_secret = %q, want env override", cfg.Auth.JWTSecret)
	}
}

func TestWizardDefaultsGeneratesSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WEB_SERVER_ADDR", "")
	t.Setenv("WEBSOCKET_SERVER_ADDR", "")
	t.Setenv("RUN_MODE", "")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "proxy-config.json")
	w := New(p)
	if err := w.RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	var cfg config.Config
	data, _ := os.ReadFile(outputPath)
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("generated secret length = %d, want 64", len(cfg.Auth.JWTSecret))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}
}
