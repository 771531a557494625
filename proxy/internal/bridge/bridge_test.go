package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sploots-ai/sploots/pkg/protocol"
	"github.com/sploots-ai/sploots/proxy/internal/config"
	"github.com/sploots-ai/sploots/proxy/internal/store"
)

// fakeHub upgrades anything and echoes frames back, recording what the
// bridge presented on the way in.
type fakeHub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	paths  []string
	tokens []string
	frames []string
}

func (h *fakeHub) handler(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.paths = append(h.paths, r.URL.Path)
	h.tokens = append(h.tokens, r.Header.Get(sessionTokenHeader))
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.frames = append(h.frames, string(data))
		h.mu.Unlock()
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func (h *fakeHub) sessionTokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tokens...)
}

func (h *fakeHub) receivedPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

func (h *fakeHub) receivedFrames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

func newHTTPTestServerOrSkip(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "failed to listen on a port") ||
				strings.Contains(msg, "operation not permitted") ||
				strings.Contains(msg, "permission denied") {
				t.Skipf("network listen not permitted in this environment: %s", msg)
			}
			panic(r)
		}
	}()
	return httptest.NewServer(handler)
}

func bridgeConfig(hubURL string, allowAnon bool) *config.Config {
	cfg := &config.Config{RunMode: config.RunModeDevelopment}
	cfg.Hub.URL = "ws" + strings.TrimPrefix(hubURL, "http")
	cfg.Hub.DialTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Hub.MaxReconnectAttempts = 1
	cfg.Hub.HeartbeatInterval = config.Duration{Duration: 10 * time.Second}
	cfg.Hub.HeartbeatTimeout = config.Duration{Duration: 30 * time.Second}
	cfg.Session.TTL = config.Duration{Duration: time.Hour}
	cfg.Session.AllowAnonymousBridge = allowAnon
	return cfg
}

// setupBridge stands up a fake hub, a memory-backed bridge and a proxy-side
// HTTP server exposing it at /ws/{client_id}.
func setupBridge(t *testing.T, allowAnon bool) (*Bridge, store.Store, *fakeHub, *httptest.Server) {
	t.Helper()

	hub := &fakeHub{}
	hubSrv := newHTTPTestServerOrSkip(t, http.HandlerFunc(hub.handler))
	t.Cleanup(hubSrv.Close)

	st := store.NewMemory(time.Hour)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	br := New(bridgeConfig(hubSrv.URL, allowAnon), st, logger)

	proxySrv := newHTTPTestServerOrSkip(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/ws/"))
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		br.ServeWS(w, r, clientID)
	}))
	t.Cleanup(proxySrv.Close)
	t.Cleanup(br.Shutdown)

	return br, st, hub, proxySrv
}

func dialBrowser(proxyURL string, clientID uuid.UUID, cookie string) (*websocket.Conn, *http.Response, error) {
	wsURL := "ws" + strings.TrimPrefix(proxyURL, "http") + "/ws/" + clientID.String()
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", sessionCookieName+"="+cookie)
	}
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected a text frame, got type %d", mt)
	}
	return string(data)
}

// --- Tests ---

func TestBridgeRoundTrip(t *testing.T) {
	_, st, hub, proxySrv := setupBridge(t, false)

	sess, err := st.RegisterAnonymous(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn, _, err := dialBrowser(proxySrv.URL, sess.ClientID, sess.SessionToken)
	if err != nil {
		t.Fatalf("browser dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := readText(t, conn); got != "hello" {
		t.Errorf("round trip: got %q, want %q", got, "hello")
	}

	paths := hub.receivedPaths()
	if len(paths) != 1 || paths[0] != "/ws/client/"+sess.ClientID.String() {
		t.Errorf("hub dialed at %v, want /ws/client/%s", paths, sess.ClientID)
	}
	tokens := hub.sessionTokens()
	if len(tokens) != 1 || tokens[0] != sess.SessionToken {
		t.Error("hub did not receive the session token header")
	}
}

func TestBridgeRejectsMissingCookie(t *testing.T) {
	_, _, _, proxySrv := setupBridge(t, false)

	conn, resp, err := dialBrowser(proxySrv.URL, uuid.New(), "")
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake rejection without a cookie")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %v", resp)
	}
}

func TestBridgeAllowsAnonymousWhenConfigured(t *testing.T) {
	_, _, hub, proxySrv := setupBridge(t, true)

	conn, _, err := dialBrowser(proxySrv.URL, uuid.New(), "")
	if err != nil {
		t.Fatalf("anonymous dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.TextMessage, []byte("anon")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := readText(t, conn); got != "anon" {
		t.Errorf("round trip: got %q, want %q", got, "anon")
	}

	tokens := hub.sessionTokens()
	if len(tokens) != 1 || tokens[0] != "" {
		t.Errorf("anonymous bridge must not forward a session token, got %v", tokens)
	}
}

func TestBridgeRejectsUnknownToken(t *testing.T) {
	_, _, _, proxySrv := setupBridge(t, false)

	conn, resp, err := dialBrowser(proxySrv.URL, uuid.New(), "no-such-token")
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake rejection for an unknown token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %v", resp)
	}
}

func TestBridgeRejectsClientIDMismatch(t *testing.T) {
	_, st, _, proxySrv := setupBridge(t, false)

	sess, err := st.RegisterAnonymous(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn, resp, err := dialBrowser(proxySrv.URL, uuid.New(), sess.SessionToken)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake rejection for a mismatched client id")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status 403, got %v", resp)
	}
}

func TestBridgeRejectsBinaryFramesInline(t *testing.T) {
	_, st, hub, proxySrv := setupBridge(t, false)

	sess, err := st.RegisterAnonymous(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	conn, _, err := dialBrowser(proxySrv.URL, sess.ClientID, sess.SessionToken)
	if err != nil {
		t.Fatalf("browser dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	env, err := protocol.DecodeEnvelope([]byte(readText(t, conn)))
	if err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Type != protocol.TypeSystem {
		t.Fatalf("expected a system envelope, got %q", env.Type)
	}
	var sys protocol.SystemMessage
	if err := protocol.DecodePayload(env, &sys); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if sys.Event != protocol.EventError {
		t.Errorf("expected an error event, got %q", sys.Event)
	}
	if frames := hub.receivedFrames(); len(frames) != 0 {
		t.Errorf("binary frame must not reach the hub, got %v", frames)
	}
}

func TestBridgeSupersedesPriorConnection(t *testing.T) {
	_, st, _, proxySrv := setupBridge(t, false)

	sess, err := st.RegisterAnonymous(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	first, _, err := dialBrowser(proxySrv.URL, sess.ClientID, sess.SessionToken)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	second, _, err := dialBrowser(proxySrv.URL, sess.ClientID, sess.SessionToken)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	t.Cleanup(func() { second.Close() })

	// The first connection receives a graceful close.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close on the superseded connection, got %v", err)
	}
	if !strings.Contains(err.Error(), "superseded") {
		t.Errorf("close reason should say superseded, got %v", err)
	}

	// The new connection still works.
	if err := second.WriteMessage(websocket.TextMessage, []byte("still here")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := readText(t, second); got != "still here" {
		t.Errorf("round trip: got %q, want %q", got, "still here")
	}
}
