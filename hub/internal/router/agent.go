package router

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sploots-ai/sploots/hub/internal/delivery"
	"github.com/sploots-ai/sploots/hub/internal/session"
	"github.com/sploots-ai/sploots/pkg/protocol"
)

// agentActor runs one authenticated agent socket. Unlike the client variant
// it is not torn down on the first missed heartbeat window: the record moves
// to Reconnecting and the actor keeps probing with backed-off pings until
// the agent answers or the attempt budget runs out.
type agentActor struct {
	agentID  string
	sock     *websocket.Conn
	logger   *slog.Logger
	router   *Router
	sessions *session.Manager
	opts     Options

	tracker  *delivery.Tracker
	outbound chan outboundFrame

	closing    chan struct{}
	closeOnce  sync.Once
	reason     string
	writerDone chan struct{}

	mu           sync.Mutex
	lastSeen     time.Time
	reconnecting bool
	nextPing     time.Time
}

// ServeAgentWS upgrades an agent socket and runs its actor until the socket
// closes. The bearer has already been checked by the HTTP layer.
func (r *Router) ServeAgentWS(w http.ResponseWriter, req *http.Request, agentID string) {
	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	defer sock.Close()

	sock.SetReadLimit(r.opts.MaxMessageBytes)

	a := &agentActor{
		agentID:    agentID,
		sock:       sock,
		logger:     r.logger.With("agent_id", agentID),
		router:     r,
		sessions:   r.sessions,
		opts:       r.opts,
		outbound:   make(chan outboundFrame, r.opts.BufferSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		lastSeen:   time.Now(),
	}
	if r.opts.ConfirmDelivery {
		a.tracker = delivery.NewTracker(r.opts.BufferSize)
	}
	sock.SetPongHandler(func(string) error {
		a.noteFrame()
		return nil
	})

	r.sessions.ConnectAgent(agentID, a)

	go a.writePump()
	protocolErr := a.readLoop()

	a.stop("")
	<-a.writerDone

	if protocolErr {
		r.sessions.MarkAgentError(agentID)
	}
	r.sessions.DisconnectAgent(agentID, a)
}

// ID implements registry.Conn.
func (a *agentActor) ID() string { return a.agentID }

// TrySend implements registry.Conn with an untracked frame.
func (a *agentActor) TrySend(data []byte) bool { return a.TrySendTracked(data, false) }

// TrySendTracked queues a frame without blocking, dropping the newest on a
// full queue.
func (a *agentActor) TrySendTracked(data []byte, requiresAck bool) bool {
	select {
	case a.outbound <- outboundFrame{data: data, requiresAck: requiresAck}:
		return true
	default:
		a.logger.Warn("agent outbound buffer full, dropping newest message")
		a.sessions.NoteDropped()
		return false
	}
}

// CloseGraceful implements registry.Conn.
func (a *agentActor) CloseGraceful(reason string) { a.stop(reason) }

func (a *agentActor) stop(reason string) {
	a.closeOnce.Do(func() {
		a.reason = reason
		close(a.closing)
	})
}

// noteFrame stamps liveness. Any frame from a reconnecting agent flips it
// straight back to Connected and resets the attempt counter.
func (a *agentActor) noteFrame() {
	a.mu.Lock()
	a.lastSeen = time.Now()
	wasReconnecting := a.reconnecting
	a.reconnecting = false
	a.mu.Unlock()

	a.sessions.TouchAgent(a.agentID)
	if wasReconnecting {
		a.sessions.MarkAgentConnected(a.agentID)
		a.logger.Info("agent responding again, back to connected")
	}
}

func (a *agentActor) sinceLastFrame(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Sub(a.lastSeen)
}

func (a *agentActor) scheduleNextPing(now time.Time, attempt int) {
	a.mu.Lock()
	a.reconnecting = true
	a.nextPing = now.Add(backoffDelay(attempt))
	a.mu.Unlock()
}

func (a *agentActor) pingDue(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnecting && !now.Before(a.nextPing)
}

func (a *agentActor) isReconnecting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnecting
}

func (a *agentActor) readLoop() bool {
	for {
		mt, data, err := a.sock.ReadMessage()
		if err != nil {
			if isProtocolViolation(err) {
				a.logger.Warn("agent protocol violation", "error", err)
				return true
			}
			a.logger.Debug("agent read loop ended", "error", err)
			return false
		}
		a.noteFrame()

		switch mt {
		case websocket.BinaryMessage:
			a.sendEnvelope(protocol.ErrorEnvelope("binary frames are not supported"))
		case websocket.TextMessage:
			a.handleFrame(data)
		}
	}
}

func (a *agentActor) handleFrame(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		a.logger.Warn("malformed agent envelope", "error", err)
		a.sendEnvelope(protocol.ErrorEnvelope("malformed envelope"))
		return
	}

	switch env.Type {
	case protocol.TypeAgentMessage:
		var msg protocol.AgentMessage
		if err := protocol.DecodePayload(env, &msg); err != nil {
			a.logger.Warn("malformed agent message payload", "error", err)
			a.sendEnvelope(protocol.ErrorEnvelope("malformed agent message"))
			return
		}
		a.sessions.NoteAgentMessage(a.agentID, uint64(len(data)))
		a.router.routeAgentMessage(a.agentID, msg, data)

	case protocol.TypeAck:
		var ack protocol.MessageAcknowledgement
		if err := protocol.DecodePayload(env, &ack); err != nil {
			a.logger.Warn("malformed acknowledgement payload", "error", err)
			return
		}
		if a.tracker != nil && a.tracker.Confirm(ack.MessageID) {
			a.logger.Debug("delivery confirmed", "message_id", ack.MessageID, "status", ack.Status)
		}

	case protocol.TypeSystem:
		var sys protocol.SystemMessage
		if err := protocol.DecodePayload(env, &sys); err != nil {
			a.logger.Warn("malformed system payload", "error", err)
			return
		}
		a.handleSystem(sys)

	case protocol.TypeClientMessage:
		a.logger.Warn("agent sent a client message, dropping")

	default:
		a.logger.Warn("unknown envelope type from agent", "type", env.Type)
	}
}

func (a *agentActor) handleSystem(sys protocol.SystemMessage) {
	switch sys.Event {
	case protocol.EventHeartbeatRequest:
		a.sendEnvelope(protocol.NewEnvelope(protocol.TypeSystem,
			protocol.NewSystemEvent(protocol.EventHeartbeatResponse)))
	case protocol.EventHeartbeatResponse:
		// Liveness already stamped by noteFrame.
	case protocol.EventMetricsReport:
		m := a.sessions.Metrics()
		resp := protocol.NewSystemEvent(protocol.EventMetricsReport)
		resp.Metrics = &m
		a.sendEnvelope(protocol.NewEnvelope(protocol.TypeSystem, resp))
	default:
		a.logger.Debug("system event from agent", "event", sys.Event)
	}
}

func (a *agentActor) sendEnvelope(env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	a.TrySend(data)
}

// writePump owns all socket writes and drives the heartbeat state machine.
func (a *agentActor) writePump() {
	defer close(a.writerDone)

	hb := time.NewTicker(a.opts.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-a.closing:
			a.finishClose()
			return

		case f := <-a.outbound:
			if !a.writeFrame(f) {
				a.stop("")
			}

		case now := <-hb.C:
			a.heartbeat(now)
		}
	}
}

// heartbeat pings a healthy agent every tick. A silent agent moves to
// Reconnecting and is probed on the backoff schedule; when the attempt
// budget is exhausted the record is parked in Error and the socket dropped.
func (a *agentActor) heartbeat(now time.Time) {
	if a.sinceLastFrame(now) <= a.opts.HeartbeatTimeout {
		a.ping()
		a.retransmitExpired(now)
		return
	}

	if !a.isReconnecting() {
		attempts := a.sessions.MarkAgentReconnecting(a.agentID)
		a.scheduleNextPing(now, attempts)
		a.ping()
		return
	}

	if !a.pingDue(now) {
		return
	}
	attempts := a.sessions.MarkAgentReconnecting(a.agentID)
	if attempts >= a.opts.MaxReconnectAttempts {
		a.logger.Error("agent unresponsive, reconnect attempts exhausted", "attempts", attempts)
		a.sessions.MarkAgentError(a.agentID)
		a.stop("reconnect attempts exhausted")
		return
	}
	a.scheduleNextPing(now, attempts)
	a.ping()
}

func (a *agentActor) ping() {
	a.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := a.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
		a.stop("")
	}
}

func (a *agentActor) writeFrame(f outboundFrame) bool {
	data := f.data
	if f.requiresAck && a.tracker != nil {
		prepared, id, tracked := prepareTracked(a.tracker, data)
		if tracked {
			if err := a.tracker.AddPending(id, prepared); err != nil {
				a.logger.Warn("pending-ack table full, dropping message", "message_id", id)
				a.sessions.NoteDropped()
				return true
			}
			data = prepared
		}
	}
	return a.writeRaw(data)
}

func (a *agentActor) writeRaw(data []byte) bool {
	a.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := a.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		a.logger.Debug("agent write failed", "error", err)
		return false
	}
	a.sessions.NoteAgentDelivery(a.agentID, uint64(len(data)))
	return true
}

func (a *agentActor) retransmitExpired(now time.Time) {
	if a.tracker == nil {
		return
	}
	for _, rs := range a.tracker.Expired(now, a.opts.RetransmitTimeout) {
		a.logger.Info("retransmitting unacknowledged message", "message_id", rs.ID, "attempt", rs.Attempts)
		if !a.writeRaw(rs.Payload) {
			a.stop("")
			return
		}
	}
}

// finishClose flushes the remaining queue with a deadline and closes the
// socket. Agents carry no snapshot; what cannot be written is dropped.
func (a *agentActor) finishClose() {
	deadline := time.Now().Add(shutdownFlushWait)
	writable := true
drain:
	for {
		select {
		case f := <-a.outbound:
			if !writable || time.Now().After(deadline) {
				continue
			}
			if !a.writeFrame(f) {
				writable = false
			}
		default:
			break drain
		}
	}

	if a.reason != "" && writable {
		a.sock.SetWriteDeadline(time.Now().Add(writeWait))
		a.sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, a.reason))
	}
	a.sock.Close()
}
