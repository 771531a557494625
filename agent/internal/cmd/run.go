package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sploots-ai/sploots/agent/internal/agent"
	"github.com/sploots-ai/sploots/agent/internal/config"
	"github.com/sploots-ai/sploots/agent/internal/eventbus"
	"github.com/sploots-ai/sploots/agent/internal/tui/dashboard"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the agent (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().Bool("dashboard", false, "show the terminal dashboard instead of log output")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	useDashboard, _ := cmd.Flags().GetBool("dashboard")

	bus := eventbus.New()
	logger := newLogger(cfg.Agent.LogLevel, useDashboard, bus)

	a := agent.New(*cfg, logger, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("sploots agent starting", "version", version, "config", configPath, "agent_id", cfg.Agent.ID)

	if !useDashboard {
		if err := a.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("agent error", "error", err)
			os.Exit(1)
		}
		logger.Info("agent stopped")
		return nil
	}

	// Dashboard mode: the agent runs in the background while the TUI owns
	// the terminal. Log records reach the log panel through the event bus.
	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(ctx)
		cancel()
	}()

	detached, derr := dashboard.Run(ctx, bus, a.Status)
	if derr != nil {
		cancel()
		<-runErr
		return derr
	}

	if detached {
		fmt.Println("dashboard detached, agent keeps running (Ctrl+C to stop)")
	} else {
		cancel()
	}

	if err := <-runErr; err != nil && err != context.Canceled {
		return fmt.Errorf("agent error: %w", err)
	}
	fmt.Println("agent stopped")
	return nil
}

// newLogger builds the agent logger. In dashboard mode records go to the
// event bus only; otherwise JSON lines go to stdout.
func newLogger(level string, toDashboard bool, bus *eventbus.Bus) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if toDashboard {
		inner := slog.NewJSONHandler(io.Discard, opts)
		return slog.New(eventbus.NewBusHandler(inner, bus))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Conventional file in the working directory ("" when none exists)
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return config.ResolveFile()
}
