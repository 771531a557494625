// Package wizard provides an interactive setup wizard for the sploots proxy.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sploots-ai/sploots/pkg/cli"
	"github.com/sploots-ai/sploots/proxy/internal/config"
)

// Wizard drives the interactive proxy config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run executes the interactive wizard and writes the config file.
func (w *Wizard) Run(outputPath string) error {
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Sploots Proxy — Configuration Wizard")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("─", 40))
	_, _ = fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	// Server settings.
	_, _ = fmt.Fprintln(w.p.Out, "Server")
	cfg.RunMode = w.p.Choose("  Run mode", []string{config.RunModeDevelopment, config.RunModeProduction}, 0)
	cfg.Server.Addr = w.p.Ask("  Listen address", "127.0.0.1:8081")
	_, _ = fmt.Fprintln(w.p.Out)

	// Upstream hub.
	_, _ = fmt.Fprintln(w.p.Out, "Hub")
	cfg.Hub.URL = w.p.Ask("  Hub WebSocket URL", "ws://127.0.0.1:8080")
	_, _ = fmt.Fprintln(w.p.Out)

	// Session persistence.
	_, _ = fmt.Fprintln(w.p.Out, "Session Storage")
	cfg.Storage.Driver = w.p.Choose("  Driver",
		[]string{config.DriverMemory, config.DriverSQLite, config.DriverPostgres, config.DriverRedis}, 0)
	if cfg.Storage.Driver != config.DriverMemory {
		cfg.Storage.DSN = w.p.Ask("  DSN", dsnDefault(cfg.Storage.Driver))
	}
	_, _ = fmt.Fprintln(w.p.Out)

	// Web app files.
	_, _ = fmt.Fprintln(w.p.Out, "Web App")
	cfg.Static.Path = w.p.Ask("  Static files path", "./static")
	_, _ = fmt.Fprintln(w.p.Out)

	// Signing secret for session bearer tokens. Never echoed back.
	_, _ = fmt.Fprintln(w.p.Out, "Auth")
	secret := w.p.AskSecret("  JWT signing secret (leave empty to generate)")
	if secret == "" {
		var err error
		secret, err = config.GenerateRandomSecret()
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		_, _ = fmt.Fprintln(w.p.Out, "  Generated a random signing secret.")
	}
	cfg.Auth.JWTSecret = secret
	_, _ = fmt.Fprintln(w.p.Out)

	// Output path.
	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", "./sploots-proxy.json")
	}
	if _, err := os.Stat(outputPath); err == nil {
		if !w.p.Confirm(fmt.Sprintf("%s exists, overwrite?", outputPath), false) {
			_, _ = fmt.Fprintln(w.p.Out, "  Keeping the existing config.")
			return nil
		}
	}

	if err := writeConfig(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)
	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Next steps:")
	_, _ = fmt.Fprintf(w.p.Out, "    sploots-proxy run %s\n\n", outputPath)

	return nil
}

// RunDefaults generates a proxy config non-interactively using environment
// variables and secure auto-generated secrets. Used by container entrypoints.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg := &config.Config{}

	cfg.RunMode = envOr("RUN_MODE", config.RunModeDevelopment)
	cfg.Server.Addr = envOr("WEB_SERVER_ADDR", "127.0.0.1:8081")

	hubURL := envOr("WEBSOCKET_SERVER_ADDR", "127.0.0.1:8080")
	if !strings.Contains(hubURL, "://") {
		hubURL = "ws://" + hubURL
	}
	cfg.Hub.URL = hubURL

	cfg.Storage.Driver = config.DriverMemory
	cfg.Static.Path = envOr("STATIC_FILES_PATH", "./static")

	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.Auth.JWTSecret == "" {
		secret, err := config.GenerateRandomSecret()
		if err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
	}

	if outputPath == "" {
		outputPath = "./sploots-proxy.json"
	}
	if err := writeConfig(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "Config generated at %s\n", outputPath)
	return nil
}

func dsnDefault(driver string) string {
	switch driver {
	case config.DriverSQLite:
		return "./sploots-proxy.db"
	case config.DriverPostgres:
		return "postgres://localhost:5432/sploots?sslmode=disable"
	case config.DriverRedis:
		return "redis://localhost:6379/0"
	}
	return ""
}

func writeConfig(cfg *config.Config, outputPath string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outputPath, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
