// Package api exposes the proxy's HTTP surface: the session endpoints
// browsers talk to, the WebSocket bridge upgrade, and single-page-app
// static file serving.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sploots-ai/sploots/proxy/internal/bridge"
	"github.com/sploots-ai/sploots/proxy/internal/config"
	"github.com/sploots-ai/sploots/proxy/internal/store"
	"github.com/sploots-ai/sploots/proxy/internal/token"
)

// sessionCookieName carries the opaque session token. The token never
// appears anywhere else: not in bodies, not in logs.
const sessionCookieName = "sploots_session"

const apiVersion = "0.1.0"

// Server is the proxy HTTP server.
type Server struct {
	store      store.Store
	tokens     *token.Service
	assertions *token.AssertionVerifier
	bridge     *bridge.Bridge
	cfg        *config.Config
	logger     *slog.Logger
	limiter    *rateLimiter
	mux        *chi.Mux
	startTime  time.Time
}

// NewServer wires the proxy routes onto a chi mux. assertions may be nil;
// wallet upgrades then skip assertion verification.
func NewServer(st store.Store, tokens *token.Service, assertions *token.AssertionVerifier, br *bridge.Bridge, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:      st,
		tokens:     tokens,
		assertions: assertions,
		bridge:     br,
		cfg:        cfg,
		logger:     logger.With("component", "api"),
		startTime:  time.Now(),
	}

	// Session creation is throttled per client IP.
	perSecond := float64(cfg.RateLimit.RequestsPerMinute) / 60.0
	srv.limiter = newRateLimiter(perSecond, cfg.RateLimit.Burst)

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	if len(cfg.Server.AllowedOrigins) > 0 {
		mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))
	}
	if cfg.Static.EnableCompression {
		mux.Use(chimw.Compress(5))
	}

	// Health probes (unauthenticated).
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/api/", srv.handleIndex)
	mux.With(ipRateLimitMiddleware(srv.limiter)).Post("/api/client", srv.handleCreateClient)
	mux.Get("/api/client/{clientID}", srv.handleGetClient)
	mux.Delete("/api/client/session", srv.handleInvalidateSession)
	mux.With(ipRateLimitMiddleware(srv.limiter)).Post("/api/sessions/upgrade", srv.handleUpgrade)
	mux.With(srv.bearerMiddleware).Get("/api/protected", srv.handleProtected)

	mux.Get("/ws/{clientID}", srv.handleClientWS)

	// Everything else is the single-page app.
	mux.Handle("/*", newStaticHandler(cfg.Static))

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.limiter.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "sploots gateway api",
		"version": apiVersion,
	})
}

// handleCreateClient obtains or resumes an anonymous session. A valid
// cookie resumes its session; anything else mints a fresh one.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		sess, err := s.store.GetByToken(r.Context(), cookie.Value)
		switch {
		case err == nil:
			s.logger.Info("resuming client session", "client_id", sess.ClientID)
			writeJSON(w, http.StatusOK, sess.Response(false))
			return
		case errors.Is(err, store.ErrExpired):
			s.logger.Info("session expired, creating new client")
		case errors.Is(err, store.ErrNotFound):
			s.logger.Info("session unknown, creating new client")
		default:
			s.logger.Error("session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	sess, err := s.store.RegisterAnonymous(r.Context())
	if err != nil {
		s.logger.Error("client registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	http.SetCookie(w, s.sessionCookie(sess.SessionToken))
	s.logger.Info("created client session", "client_id", sess.ClientID)
	writeJSON(w, http.StatusOK, sess.Response(true))
}

// handleGetClient inspects a session. The cookie is authoritative; a
// missing cookie falls back to a lookup by client id and reissues it.
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id format")
		return
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		sess, err := s.store.GetByToken(r.Context(), cookie.Value)
		switch {
		case err == nil:
			if sess.ClientID != clientID {
				s.logger.Warn("client id mismatch", "requested", clientID, "session_client", sess.ClientID)
				writeError(w, http.StatusForbidden, "access denied")
				return
			}
			writeJSON(w, http.StatusOK, sess.Response(false))
		case errors.Is(err, store.ErrExpired):
			writeError(w, http.StatusUnauthorized, "session expired")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusUnauthorized, "invalid session")
		default:
			s.logger.Error("session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	sess, err := s.store.GetByClient(r.Context(), clientID)
	switch {
	case err == nil:
		s.logger.Warn("session found but cookie is missing", "client_id", clientID)
		http.SetCookie(w, s.sessionCookie(sess.SessionToken))
		writeJSON(w, http.StatusOK, sess.Response(false))
	case errors.Is(err, store.ErrExpired), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "client not found")
	default:
		s.logger.Error("session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleInvalidateSession logs the client out and clears the cookie.
func (s *Server) handleInvalidateSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusBadRequest, "no session cookie found")
		return
	}

	ok, err := s.store.Invalidate(r.Context(), cookie.Value)
	if err != nil {
		s.logger.Error("session invalidation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !ok {
		s.logger.Info("attempt to invalidate unknown session")
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	http.SetCookie(w, s.clearSessionCookie())
	s.logger.Info("session invalidated")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "session invalidated",
	})
}

type upgradeRequest struct {
	WalletAddress string `json:"wallet_address"`
	Assertion     string `json:"assertion,omitempty"`
}

// handleUpgrade promotes an anonymous session to authenticated and issues
// a bearer token for it. When an assertion verifier is configured, the
// request must carry a wallet assertion matching the claimed address.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	sess, err := s.store.GetByToken(r.Context(), cookie.Value)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrExpired):
		writeError(w, http.StatusUnauthorized, "session expired")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	default:
		s.logger.Error("session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}

	if s.assertions != nil {
		if req.Assertion == "" {
			writeError(w, http.StatusUnauthorized, "wallet assertion required")
			return
		}
		wallet, err := s.assertions.Verify(r.Context(), req.Assertion)
		if err != nil || !strings.EqualFold(wallet, req.WalletAddress) {
			s.logger.Warn("wallet assertion rejected", "client_id", sess.ClientID)
			writeError(w, http.StatusUnauthorized, "wallet assertion rejected")
			return
		}
	}

	authenticated := true
	if _, err := s.store.Update(r.Context(), cookie.Value, store.Patch{
		IsAuthenticated: &authenticated,
		WalletAddress:   &req.WalletAddress,
	}); err != nil {
		s.logger.Error("session upgrade failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	bearer, err := s.tokens.Issue(sess.ClientID, req.WalletAddress)
	if err != nil {
		s.logger.Error("bearer issuance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("client upgraded to authenticated", "client_id", sess.ClientID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"token":  bearer,
	})
}

func (s *Server) handleProtected(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"client_id":      identity.ClientID.String(),
		"wallet_address": identity.Wallet,
	})
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id format")
		return
	}
	s.bridge.ServeWS(w, r, clientID)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Cookie helpers ---

func (s *Server) sessionCookie(tok string) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    tok,
		Path:     "/",
		MaxAge:   int(s.cfg.Session.TTL.Duration.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie(),
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *Server) clearSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie(),
		SameSite: http.SameSiteStrictMode,
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
