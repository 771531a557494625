// Package proxy is the orchestrator that ties the proxy components together.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sploots-ai/sploots/proxy/internal/api"
	"github.com/sploots-ai/sploots/proxy/internal/bridge"
	"github.com/sploots-ai/sploots/proxy/internal/config"
	"github.com/sploots-ai/sploots/proxy/internal/store"
	"github.com/sploots-ai/sploots/proxy/internal/token"
)

// Proxy is the edge process: session store, browser bridge, and HTTP server.
type Proxy struct {
	cfg    *config.Config
	store  store.Store
	bridge *bridge.Bridge
	api    *api.Server
	logger *slog.Logger
}

// New wires a proxy from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Proxy, error) {
	st, err := store.New(cfg.Storage, cfg.Session.TTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	tokens := token.NewService(cfg.Auth.JWTSecret, cfg.Auth.BearerTTL.Duration)

	var assertions *token.AssertionVerifier
	if cfg.Auth.AssertionIssuer != "" {
		assertions, err = token.NewAssertionVerifier(cfg.Auth.AssertionIssuer, cfg.Auth.AssertionJWKSURL)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("init assertion verifier: %w", err)
		}
	}

	br := bridge.New(cfg, st, logger)
	apiSrv := api.NewServer(st, tokens, assertions, br, cfg, logger)

	p := &Proxy{
		cfg:    cfg,
		store:  st,
		bridge: br,
		api:    apiSrv,
		logger: logger.With("component", "proxy"),
	}

	if cfg.RunMode != config.RunModeDevelopment && cfg.Auth.JWTSecret == config.DevJWTSecret {
		logger.Warn("jwt secret is the development default, replace it before exposing this proxy")
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		logger.Warn("no allowed_origins configured, accepting WebSocket upgrades from any origin")
	}

	return p, nil
}

// Run starts the background loops and the HTTP server, blocking until the
// context is canceled or the listener fails.
func (p *Proxy) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    p.cfg.Server.Addr,
		Handler: p.api.Handler(),
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	p.api.StartBackgroundTasks(loopCtx)
	go p.sweepSessions(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("proxy listening", "addr", p.cfg.Server.Addr, "hub", p.cfg.Hub.URL)
		if p.cfg.Server.TLSCert != "" && p.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(p.cfg.Server.TLSCert, p.cfg.Server.TLSKey)
		} else {
			p.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutting down proxy gracefully")

		// Close the bridges first so browsers get close frames while the
		// listener drains.
		p.bridge.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			p.logger.Info("http server stopped gracefully")
		}
		if err := p.store.Close(); err != nil {
			p.logger.Warn("session store close failed", "error", err)
		}
		p.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		return err
	}
}

// sweepSessions removes sessions idle past the TTL on a fixed interval.
// Backends with native expiry treat the reap as a no-op.
func (p *Proxy) sweepSessions(ctx context.Context) {
	interval := p.cfg.Session.SweepInterval.Duration
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReapExpired(ctx, time.Now())
			if err != nil {
				p.logger.Warn("session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Info("reaped expired sessions", "count", n)
			}
		}
	}
}
