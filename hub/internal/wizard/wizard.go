// Package wizard provides an interactive setup wizard for the sploots hub.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sploots-ai/sploots/hub/internal/config"
	"github.com/sploots-ai/sploots/pkg/cli"
)

// Wizard drives the interactive hub config setup.
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
	_, _ = fmt.Fprintln(w.p.Out, "  Sploots Hub — Configuration Wizard")
	_, _ = fmt.Fprintln(w.p.Out, strings.Repeat("─", 38))
	_, _ = fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	// Server settings.
	_, _ = fmt.Fprintln(w.p.Out, "Server")
	cfg.RunMode = w.p.Choose("  Run mode", []string{config.RunModeDevelopment, config.RunModeProduction}, 0)
	cfg.Server.Addr = w.p.Ask("  Listen address", "127.0.0.1:8080")
	_, _ = fmt.Fprintln(w.p.Out)

	// Agent credentials.
	_, _ = fmt.Fprintln(w.p.Out, "Agent Authentication")
	cfg.Agent.DefaultID = w.p.Ask("  Default agent id", "agent1")
	agentToken, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate agent token: %w", err)
	}
	cfg.Agent.Token = agentToken

	_, _ = fmt.Fprintln(w.p.Out)
	_, _ = fmt.Fprintln(w.p.Out, "  Copy these values to your agent config:")
	_, _ = fmt.Fprintf(w.p.Out, "    Agent ID:  %s\n", cfg.Agent.DefaultID)
	_, _ = fmt.Fprintf(w.p.Out, "    Token:     %s\n", agentToken)
	_, _ = fmt.Fprintln(w.p.Out)

	// Output path.
	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", "./sploots-hub.json")
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
	_, _ = fmt.Fprintf(w.p.Out, "    sploots-hub run %s\n\n", outputPath)

	return nil
}

// RunDefaults generates a hub config non-interactively using environment
// variables and secure auto-generated secrets. Used by container entrypoints.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg := &config.Config{}

	cfg.RunMode = envOr("RUN_MODE", config.RunModeDevelopment)
	cfg.Server.Addr = envOr("WEBSOCKET_SERVER_ADDR", "127.0.0.1:8080")
	cfg.Agent.DefaultID = "agent1"

	cfg.Agent.Token = os.Getenv("AGENT_TOKEN")
	if cfg.Agent.Token == "" {
		token, err := config.GenerateRandomSecret()
		if err != nil {
			return fmt.Errorf("generate agent token: %w", err)
		}
		cfg.Agent.Token = token
	}

	if outputPath == "" {
		outputPath = "./sploots-hub.json"
	}
	if err := writeConfig(cfg, outputPath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w.p.Out, "Config generated at %s\n", outputPath)
	return nil
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
