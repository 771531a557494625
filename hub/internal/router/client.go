package router

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sploots-ai/sploots/hub/internal/delivery"
	"github.com/sploots-ai/sploots/hub/internal/session"
	"github.com/sploots-ai/sploots/pkg/protocol"
)

// clientActor runs one proxy-originated client socket. The read loop lives
// in the handler goroutine; a single writer goroutine owns every socket
// write, which keeps frames FIFO without a per-write mutex.
type clientActor struct {
	clientID     uuid.UUID
	sessionToken string
	sock         *websocket.Conn
	logger       *slog.Logger
	router       *Router
	sessions     *session.Manager
	opts         Options

	tracker  *delivery.Tracker
	outbound chan outboundFrame
	restore  [][]byte

	closing    chan struct{}
	closeOnce  sync.Once
	reason     string
	writerDone chan struct{}

	// failed collects frames the writer could not deliver, in order, so the
	// teardown snapshot preserves them for the next connection.
	failed [][]byte

	mu       sync.Mutex
	lastSeen time.Time
}

// ServeClientWS upgrades a proxy-to-hub client socket and runs its actor
// until the socket closes. sessionToken may be empty; when the proxy
// forwards one, the registry enforces at most one connection per token.
func (r *Router) ServeClientWS(w http.ResponseWriter, req *http.Request, clientID uuid.UUID, sessionToken string) {
	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}
	defer sock.Close()

	sock.SetReadLimit(r.opts.MaxMessageBytes)

	authenticated := false
	wallet := ""
	var restore [][]byte
	snap, restored := r.sessions.Resume(clientID)
	if restored {
		authenticated = snap.Authenticated
		wallet = snap.WalletAddress
		restore = snap.Buffer
	}

	c := &clientActor{
		clientID:     clientID,
		sessionToken: sessionToken,
		sock:         sock,
		logger:       r.logger.With("client_id", clientID.String()),
		router:       r,
		sessions:     r.sessions,
		opts:         r.opts,
		outbound:     make(chan outboundFrame, r.opts.BufferSize),
		restore:      restore,
		closing:      make(chan struct{}),
		writerDone:   make(chan struct{}),
		lastSeen:     time.Now(),
	}
	if r.opts.ConfirmDelivery {
		c.tracker = delivery.NewTracker(r.opts.BufferSize)
	}
	sock.SetPongHandler(func(string) error {
		c.noteFrame()
		return nil
	})

	r.sessions.ConnectClient(clientID, sessionToken, c, authenticated, wallet)
	r.notifyClientLifecycle(protocol.EventClientConnected, clientID)
	if restored {
		c.logger.Info("session snapshot restored", "buffered", len(restore))
	}

	go c.writePump()
	protocolErr := c.readLoop()

	c.stop("")
	<-c.writerDone

	if protocolErr {
		r.sessions.MarkClientError(clientID)
	}

	out := &session.Snapshot{Buffer: c.collectUndelivered()}
	if rec, ok := r.registry.ClientStatus(clientID); ok {
		out.Authenticated = rec.Authenticated
		out.WalletAddress = rec.WalletAddress
	}
	if r.sessions.DisconnectClient(clientID, sessionToken, c, out) {
		r.notifyClientLifecycle(protocol.EventClientDisconnected, clientID)
	}
}

// ID implements registry.Conn.
func (c *clientActor) ID() string { return c.clientID.String() }

// TrySend implements registry.Conn with an untracked frame.
func (c *clientActor) TrySend(data []byte) bool { return c.TrySendTracked(data, false) }

// TrySendTracked queues a frame without blocking. A full queue drops the
// newest frame, warns and counts the drop.
func (c *clientActor) TrySendTracked(data []byte, requiresAck bool) bool {
	select {
	case c.outbound <- outboundFrame{data: data, requiresAck: requiresAck}:
		return true
	default:
		c.logger.Warn("client outbound buffer full, dropping newest message")
		c.sessions.NoteDropped()
		return false
	}
}

// CloseGraceful implements registry.Conn. The writer sends a close frame
// carrying the reason after flushing what it can.
func (c *clientActor) CloseGraceful(reason string) { c.stop(reason) }

func (c *clientActor) stop(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closing)
	})
}

func (c *clientActor) noteFrame() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
	c.sessions.TouchClient(c.clientID)
}

func (c *clientActor) sinceLastFrame(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen)
}

// readLoop consumes frames until the socket errors or closes, reporting
// whether it ended on a protocol violation. Binary frames are rejected
// inline; everything else is dispatched by envelope tag.
func (c *clientActor) readLoop() bool {
	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			if isProtocolViolation(err) {
				c.logger.Warn("client protocol violation", "error", err)
				return true
			}
			c.logger.Debug("client read loop ended", "error", err)
			return false
		}
		c.noteFrame()

		switch mt {
		case websocket.BinaryMessage:
			c.sendEnvelope(protocol.ErrorEnvelope("binary frames are not supported"))
		case websocket.TextMessage:
			c.handleFrame(data)
		}
	}
}

func (c *clientActor) handleFrame(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("malformed client envelope", "error", err)
		c.sendEnvelope(protocol.ErrorEnvelope("malformed envelope"))
		return
	}

	switch env.Type {
	case protocol.TypeClientMessage:
		var msg protocol.ClientMessage
		if err := protocol.DecodePayload(env, &msg); err != nil {
			c.logger.Warn("malformed client message payload", "error", err)
			c.sendEnvelope(protocol.ErrorEnvelope("malformed client message"))
			return
		}
		c.sessions.NoteClientMessage(c.clientID, msg.Authenticated, msg.WalletAddress, uint64(len(data)))
		c.router.routeClientMessage(c.clientID, msg)

	case protocol.TypeAck:
		var ack protocol.MessageAcknowledgement
		if err := protocol.DecodePayload(env, &ack); err != nil {
			c.logger.Warn("malformed acknowledgement payload", "error", err)
			return
		}
		if c.tracker != nil && c.tracker.Confirm(ack.MessageID) {
			c.logger.Debug("delivery confirmed", "message_id", ack.MessageID, "status", ack.Status)
		}

	case protocol.TypeSystem:
		var sys protocol.SystemMessage
		if err := protocol.DecodePayload(env, &sys); err != nil {
			c.logger.Warn("malformed system payload", "error", err)
			return
		}
		c.handleSystem(sys)

	case protocol.TypeAgentMessage:
		// Clients only receive agent messages; the reverse direction is a
		// policy violation, not a transport error.
		c.logger.Warn("client sent an agent message, dropping")

	default:
		c.logger.Warn("unknown envelope type from client", "type", env.Type)
	}
}

func (c *clientActor) handleSystem(sys protocol.SystemMessage) {
	switch sys.Event {
	case protocol.EventHeartbeatRequest:
		c.sendEnvelope(protocol.NewEnvelope(protocol.TypeSystem,
			protocol.NewSystemEvent(protocol.EventHeartbeatResponse)))
	case protocol.EventHeartbeatResponse:
		// Liveness already stamped by noteFrame.
	case protocol.EventMetricsReport:
		m := c.sessions.Metrics()
		resp := protocol.NewSystemEvent(protocol.EventMetricsReport)
		resp.Metrics = &m
		c.sendEnvelope(protocol.NewEnvelope(protocol.TypeSystem, resp))
	default:
		c.logger.Debug("system event from client", "event", sys.Event)
	}
}

func (c *clientActor) sendEnvelope(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	c.TrySend(data)
}

// writePump owns all socket writes: restored-snapshot flush, queued frames,
// heartbeat pings and retransmits. It exits once the actor is stopping,
// after draining the queue with a deadline.
func (c *clientActor) writePump() {
	defer close(c.writerDone)

	hb := time.NewTicker(c.opts.HeartbeatInterval)
	defer hb.Stop()

	if !c.flushRestored() {
		c.finishClose()
		return
	}

	for {
		select {
		case <-c.closing:
			c.finishClose()
			return

		case f := <-c.outbound:
			if !c.writeFrame(f) {
				c.failed = append(c.failed, f.data)
				c.stop("")
			}

		case now := <-hb.C:
			if c.sinceLastFrame(now) > c.opts.HeartbeatTimeout {
				c.logger.Info("client heartbeat timeout, disconnecting")
				c.stop("heartbeat timeout")
				continue
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop("")
				continue
			}
			c.retransmitExpired(now)
		}
	}
}

// flushRestored drains the restored snapshot buffer in order, in batches
// with a pacing gap so a large backlog does not monopolize the socket.
// Returns false when the actor should stop.
func (c *clientActor) flushRestored() bool {
	for i := 0; i < len(c.restore); i += c.opts.FlushBatchSize {
		if i > 0 {
			select {
			case <-c.closing:
				c.failed = append(c.failed, c.restore[i:]...)
				c.restore = nil
				return false
			case <-time.After(c.opts.FlushInterval):
			}
		}
		end := min(i+c.opts.FlushBatchSize, len(c.restore))
		for j := i; j < end; j++ {
			if !c.writeRaw(c.restore[j]) {
				c.failed = append(c.failed, c.restore[j:]...)
				c.restore = nil
				c.stop("")
				return false
			}
		}
	}
	c.restore = nil
	return true
}

// writeFrame applies delivery tracking when requested, then writes. A frame
// refused by a full pending-ack table is dropped by policy and the socket
// stays healthy, so the return value is still true.
func (c *clientActor) writeFrame(f outboundFrame) bool {
	data := f.data
	if f.requiresAck && c.tracker != nil {
		prepared, id, tracked := prepareTracked(c.tracker, data)
		if tracked {
			if err := c.tracker.AddPending(id, prepared); err != nil {
				c.logger.Warn("pending-ack table full, dropping message", "message_id", id)
				c.sessions.NoteDropped()
				return true
			}
			data = prepared
		}
	}
	return c.writeRaw(data)
}

func (c *clientActor) writeRaw(data []byte) bool {
	c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("client write failed", "error", err)
		return false
	}
	c.sessions.NoteClientDelivery(c.clientID, uint64(len(data)))
	return true
}

// retransmitExpired resends every pending frame past the retransmit timeout,
// verbatim, piggybacked on the heartbeat tick.
func (c *clientActor) retransmitExpired(now time.Time) {
	if c.tracker == nil {
		return
	}
	for _, rs := range c.tracker.Expired(now, c.opts.RetransmitTimeout) {
		c.logger.Info("retransmitting unacknowledged message", "message_id", rs.ID, "attempt", rs.Attempts)
		if !c.writeRaw(rs.Payload) {
			c.stop("")
			return
		}
	}
}

// finishClose flushes what remains of the queue with a deadline, emits the
// close frame when a reason was given and closes the socket. Frames that
// cannot be written are preserved in order for the snapshot.
func (c *clientActor) finishClose() {
	deadline := time.Now().Add(shutdownFlushWait)
	writable := true
drain:
	for {
		select {
		case f := <-c.outbound:
			if !writable || time.Now().After(deadline) {
				c.failed = append(c.failed, f.data)
				continue
			}
			if !c.writeFrame(f) {
				writable = false
				c.failed = append(c.failed, f.data)
			}
		default:
			break drain
		}
	}

	if c.reason != "" && writable {
		c.sock.SetWriteDeadline(time.Now().Add(writeWait))
		c.sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason))
	}
	c.sock.Close()
}

// collectUndelivered returns the frames that never reached the socket, in
// their original order. Only called after the writer has exited.
func (c *clientActor) collectUndelivered() [][]byte {
	buffered := c.failed
	for {
		select {
		case f := <-c.outbound:
			buffered = append(buffered, f.data)
		default:
			return buffered
		}
	}
}
