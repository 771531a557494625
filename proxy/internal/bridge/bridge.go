// Package bridge relays browser WebSockets to the hub's client endpoint.
// The bridge authenticates the browser against the session store, then
// pipes frames in both directions without decoding or rewriting payloads.
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sploots-ai/sploots/proxy/internal/config"
	"github.com/sploots-ai/sploots/proxy/internal/store"
)

// sessionCookieName carries the opaque session token.
const sessionCookieName = "sploots_session"

// sessionTokenHeader forwards the proxy-validated session token to the
// hub on the upstream dial.
const sessionTokenHeader = "X-Session-Token"

const (
	writeWait = 10 * time.Second

	// browserReadLimit matches the hub's frame cap so oversized frames
	// die at the edge instead of poisoning the upstream leg.
	browserReadLimit = 1024 * 1024
)

// Bridge upgrades authorized browser connections and relays them to the
// hub. It keeps at most one live bridge per session token.
type Bridge struct {
	cfg      *config.Config
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu      sync.Mutex
	links   map[*link]struct{}
	byToken map[string]*link
	closed  bool
}

// New builds a bridge. No network activity happens until a browser
// connects.
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:      cfg,
		store:    st,
		logger:   logger.With("component", "bridge"),
		upgrader: makeUpgrader(cfg.Server.AllowedOrigins),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.Hub.DialTimeout.Duration},
		links:    make(map[*link]struct{}),
		byToken:  make(map[string]*link),
	}
}

// ServeWS authorizes and upgrades one browser connection, then blocks
// relaying frames until either side goes away.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request, clientID uuid.UUID) {
	token, ok := b.authorize(w, r, clientID)
	if !ok {
		return
	}

	browser, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("browser websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	l := &link{
		bridge:   b,
		clientID: clientID,
		token:    token,
		browser:  browser,
		logger:   b.logger.With("client_id", clientID.String()),
		closing:  make(chan struct{}),
		lastSeen: time.Now(),
	}

	if !b.register(l) {
		browser.Close()
		return
	}
	defer b.unregister(l)

	l.run(r.Context())
}

// authorize resolves the session cookie against the store. It writes the
// error response itself and reports whether the bridge may proceed; the
// returned token is empty for an anonymous bridge.
func (b *Bridge) authorize(w http.ResponseWriter, r *http.Request, clientID uuid.UUID) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		if b.cfg.Session.AllowAnonymousBridge {
			b.logger.Info("anonymous bridge accepted", "client_id", clientID)
			return "", true
		}
		writeError(w, http.StatusUnauthorized, "session cookie required")
		return "", false
	}

	sess, err := b.store.GetByToken(r.Context(), cookie.Value)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrExpired):
		writeError(w, http.StatusUnauthorized, "session expired")
		return "", false
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "invalid session")
		return "", false
	default:
		b.logger.Error("session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return "", false
	}

	if sess.ClientID != clientID {
		b.logger.Warn("bridge client id mismatch", "requested", clientID, "session_client", sess.ClientID)
		writeError(w, http.StatusForbidden, "access denied")
		return "", false
	}
	return cookie.Value, true
}

// register records the link and supersedes any prior bridge holding the
// same session token. Returns false once the bridge is shutting down.
func (b *Bridge) register(l *link) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	var prior *link
	if l.token != "" {
		prior = b.byToken[l.token]
		b.byToken[l.token] = l
	}
	b.links[l] = struct{}{}
	b.mu.Unlock()

	if prior != nil {
		prior.logger.Info("bridge superseded by newer connection")
		prior.shutdown(websocket.CloseNormalClosure, "superseded by newer connection")
	}
	return true
}

func (b *Bridge) unregister(l *link) {
	b.mu.Lock()
	delete(b.links, l)
	if l.token != "" && b.byToken[l.token] == l {
		delete(b.byToken, l.token)
	}
	b.mu.Unlock()
}

// ActiveCount reports how many bridges are live.
func (b *Bridge) ActiveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.links)
}

// Shutdown closes every live bridge gracefully and refuses newcomers.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.closed = true
	links := make([]*link, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	b.mu.Unlock()

	for _, l := range links {
		l.shutdown(websocket.CloseGoingAway, "proxy shutting down")
	}
}

// hubTarget builds the upstream URL for a client id.
func (b *Bridge) hubTarget(clientID uuid.UUID) string {
	return strings.TrimRight(b.cfg.Hub.URL, "/") + "/ws/client/" + clientID.String()
}

// backoffDelay returns the redial pacing for the given attempt:
// min(2^attempt, 60) seconds.
func backoffDelay(attempt int) time.Duration {
	if attempt >= 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
