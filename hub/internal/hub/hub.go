// Package hub is the orchestrator that ties the hub components together.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sploots-ai/sploots/hub/internal/api"
	"github.com/sploots-ai/sploots/hub/internal/config"
	"github.com/sploots-ai/sploots/hub/internal/router"
	"github.com/sploots-ai/sploots/hub/internal/session"
)

// Hub is the hub process: session manager, router, and HTTP server.
type Hub struct {
	cfg      *config.Config
	sessions *session.Manager
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New wires a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	sessions := session.New(logger, cfg)
	rt := router.New(sessions, logger, router.FromConfig(cfg))
	apiSrv := api.NewServer(rt, sessions, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		sessions: sessions,
		router:   rt,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	if cfg.RunMode != config.RunModeDevelopment && cfg.Agent.Token == config.DevAgentToken {
		logger.Warn("agent token is the development default, replace it before exposing this hub")
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		logger.Warn("no allowed_origins configured, accepting WebSocket upgrades from any origin")
	}

	return h, nil
}

// Run starts the background loops and the HTTP server, blocking until the
// context is canceled or the listener fails.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go h.sessions.Run(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		// Close the sockets first so actors flush and snapshot while the
		// listener drains.
		h.router.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		return err
	}
}
