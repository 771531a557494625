package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sploots-ai/sploots/pkg/protocol"
)

// link is one bridged connection: a browser socket on one side, a hub
// socket on the other. The hub leg is replaced in place on reconnect;
// the browser leg ends the link when it goes away.
type link struct {
	bridge   *Bridge
	clientID uuid.UUID
	token    string // empty for an anonymous bridge
	logger   *slog.Logger

	browser   *websocket.Conn
	browserMu sync.Mutex // guards browser writes

	hubMu sync.Mutex // guards hub writes and replacement
	hub   *websocket.Conn

	closing     chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	seenMu   sync.Mutex
	lastSeen time.Time
}

// run relays frames until either leg fails, the browser times out, or the
// link is superseded. It owns both sockets' lifecycles.
func (l *link) run(ctx context.Context) {
	l.browser.SetReadLimit(browserReadLimit)
	l.browser.SetPongHandler(func(string) error {
		l.noteFrame()
		return nil
	})

	hub, err := l.dialHub(ctx)
	if err != nil {
		l.logger.Warn("hub unreachable, dropping browser connection", "error", err)
		l.sendBrowserError("upstream unavailable")
		l.shutdown(websocket.CloseTryAgainLater, "upstream unavailable")
		l.teardown()
		return
	}
	l.setHub(hub)
	l.logger.Info("bridge established")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); l.keepalive() }()
	go func() { defer wg.Done(); l.browserPump() }()
	go func() { defer wg.Done(); l.hubPump(ctx) }()

	<-l.closing
	l.teardown()
	wg.Wait()
	l.logger.Info("bridge closed")
}

func (l *link) shutdown(code int, reason string) {
	l.closeOnce.Do(func() {
		l.closeCode = code
		l.closeReason = reason
		close(l.closing)
	})
}

func (l *link) stop() { l.shutdown(websocket.CloseNormalClosure, "") }

// teardown closes the browser with the recorded close frame and drops the
// hub leg. Closing the sockets unblocks both pumps.
func (l *link) teardown() {
	l.browserMu.Lock()
	l.browser.SetWriteDeadline(time.Now().Add(writeWait))
	l.browser.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(l.closeCode, l.closeReason))
	l.browserMu.Unlock()
	l.browser.Close()
	l.closeHub()
}

func (l *link) noteFrame() {
	l.seenMu.Lock()
	l.lastSeen = time.Now()
	l.seenMu.Unlock()
}

func (l *link) sinceLastFrame(now time.Time) time.Duration {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	return now.Sub(l.lastSeen)
}

// browserPump forwards browser frames to the hub. Text frames relay as-is;
// binary frames are refused with an inline error. Each frame refreshes the
// session's activity off the hot path.
func (l *link) browserPump() {
	for {
		mt, data, err := l.browser.ReadMessage()
		if err != nil {
			l.logger.Debug("browser read ended", "error", err)
			l.stop()
			return
		}
		l.noteFrame()

		switch mt {
		case websocket.BinaryMessage:
			l.sendBrowserError("binary frames are not supported")
		case websocket.TextMessage:
			if l.token != "" {
				go l.touch()
			}
			if err := l.writeHub(websocket.TextMessage, data); err != nil {
				l.logger.Warn("frame dropped while hub leg is down", "error", err)
			}
		}
	}
}

// hubPump forwards hub frames to the browser, redialing the hub with
// backoff when the leg drops. Only a failed redial or a dead browser ends
// the link from this side.
func (l *link) hubPump(ctx context.Context) {
	for {
		hub := l.currentHub()
		if hub == nil {
			l.stop()
			return
		}

		mt, data, err := hub.ReadMessage()
		if err != nil {
			select {
			case <-l.closing:
				return
			default:
			}

			l.logger.Info("hub connection lost, reconnecting")
			next, derr := l.dialHub(ctx)
			if derr != nil {
				l.logger.Warn("hub reconnect failed, closing bridge", "error", derr)
				l.sendBrowserError("upstream unavailable")
				l.shutdown(websocket.CloseTryAgainLater, "upstream unavailable")
				return
			}
			l.setHub(next)
			l.logger.Info("hub connection restored")
			continue
		}

		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			if err := l.writeBrowser(mt, data); err != nil {
				l.logger.Debug("browser write failed", "error", err)
				l.stop()
				return
			}
		}
	}
}

// keepalive pings the browser on the heartbeat interval and closes the
// link when no frame or pong has arrived within the timeout.
func (l *link) keepalive() {
	interval := l.bridge.cfg.Hub.HeartbeatInterval.Duration
	timeout := l.bridge.cfg.Hub.HeartbeatTimeout.Duration

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-l.closing:
			return
		case now := <-t.C:
			if l.sinceLastFrame(now) > timeout {
				l.logger.Info("browser heartbeat timeout, closing bridge")
				l.shutdown(websocket.CloseNormalClosure, "heartbeat timeout")
				return
			}
			if err := l.writeBrowser(websocket.PingMessage, nil); err != nil {
				l.stop()
				return
			}
		}
	}
}

// dialHub connects to the hub's client endpoint, retrying with exponential
// backoff up to the configured attempt cap.
func (l *link) dialHub(ctx context.Context) (*websocket.Conn, error) {
	target := l.bridge.hubTarget(l.clientID)
	header := http.Header{}
	if l.token != "" {
		header.Set(sessionTokenHeader, l.token)
	}

	maxAttempts := l.bridge.cfg.Hub.MaxReconnectAttempts
	for attempt := 1; ; attempt++ {
		conn, resp, err := l.bridge.dialer.DialContext(ctx, target, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		if attempt >= maxAttempts {
			return nil, err
		}

		delay := backoffDelay(attempt)
		l.logger.Warn("hub dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.closing:
			return nil, errors.New("bridge closing")
		case <-time.After(delay):
		}
	}
}

// setHub swaps in a fresh hub connection and wires its control handlers:
// pings are answered upstream and relayed downstream so the browser sees
// the hub's probes.
func (l *link) setHub(conn *websocket.Conn) {
	conn.SetPingHandler(func(payload string) error {
		l.writeHub(websocket.PongMessage, []byte(payload))
		l.writeBrowser(websocket.PingMessage, []byte(payload))
		return nil
	})

	l.hubMu.Lock()
	old := l.hub
	l.hub = conn
	l.hubMu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (l *link) currentHub() *websocket.Conn {
	l.hubMu.Lock()
	defer l.hubMu.Unlock()
	return l.hub
}

// closeHub sends the hub a close frame with no reason and drops the leg.
func (l *link) closeHub() {
	l.hubMu.Lock()
	conn := l.hub
	l.hub = nil
	l.hubMu.Unlock()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

func (l *link) writeBrowser(mt int, data []byte) error {
	l.browserMu.Lock()
	defer l.browserMu.Unlock()
	l.browser.SetWriteDeadline(time.Now().Add(writeWait))
	return l.browser.WriteMessage(mt, data)
}

func (l *link) writeHub(mt int, data []byte) error {
	l.hubMu.Lock()
	defer l.hubMu.Unlock()
	if l.hub == nil {
		return errors.New("hub connection is down")
	}
	l.hub.SetWriteDeadline(time.Now().Add(writeWait))
	return l.hub.WriteMessage(mt, data)
}

// sendBrowserError delivers an inline error envelope to the browser.
func (l *link) sendBrowserError(message string) {
	data, err := protocol.Encode(protocol.ErrorEnvelope(message))
	if err != nil {
		return
	}
	if err := l.writeBrowser(websocket.TextMessage, data); err != nil {
		l.logger.Debug("browser error write failed", "error", err)
	}
}

// touch refreshes session activity off the forwarding path.
func (l *link) touch() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.bridge.store.Touch(ctx, l.token); err != nil {
		l.logger.Debug("session touch failed", "error", err)
	}
}
