// Package api exposes the hub's HTTP surface: both WebSocket upgrade
// endpoints, health probes, and a metrics snapshot.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sploots-ai/sploots/hub/internal/config"
	"github.com/sploots-ai/sploots/hub/internal/router"
	"github.com/sploots-ai/sploots/hub/internal/session"
)

// sessionTokenHeader carries the proxy-validated session token on
// client upgrades. The hub treats it as an opaque connection key.
const sessionTokenHeader = "X-Session-Token"

// Server is the hub HTTP server.
type Server struct {
	router    *router.Router
	sessions  *session.Manager
	logger    *slog.Logger
	mux       *chi.Mux
	agentIDs  map[string]string // pre-shared token -> agent id
	startTime time.Time
}

// NewServer wires the hub routes onto a chi mux.
func NewServer(rt *router.Router, sessions *session.Manager, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		router:    rt,
		sessions:  sessions,
		logger:    logger.With("component", "api"),
		agentIDs:  cfg.Agent.Credentials(),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(baseHeadersMiddleware)

	// Health probes (unauthenticated).
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Metrics snapshot, same shape as the metrics_report system event.
	mux.Get("/api/metrics", srv.handleMetrics)

	// WebSocket upgrades. Agents present a pre-shared bearer; client
	// connections arrive from the proxy tier which has already
	// authenticated the browser.
	mux.Get("/ws/agent", srv.handleAgentWS)
	mux.Get("/ws/client/{clientID}", srv.handleClientWS)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	agentID, ok := s.agentIDs[token]
	if token == "" || !ok {
		s.logger.Warn("agent upgrade rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid agent credentials")
		return
	}
	s.router.ServeAgentWS(w, r, agentID)
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "clientID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "client id must be a uuid")
		return
	}
	s.router.ServeClientWS(w, r, clientID, r.Header.Get(sessionTokenHeader))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	totals := s.sessions.Registry().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"active_agents": totals.ActiveAgents,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Metrics())
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
