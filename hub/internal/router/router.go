// Package router owns the hub's WebSocket endpoints and the addressing
// policy between clients and agents. Each accepted socket is run by a
// connection actor (client or agent variant) that owns the socket, its
// outbound queue, its heartbeat timer and its delivery tracker; the Router
// resolves targets and hands frames to actors with non-blocking sends.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sploots-ai/sploots/hub/internal/config"
	"github.com/sploots-ai/sploots/hub/internal/delivery"
	"github.com/sploots-ai/sploots/hub/internal/registry"
	"github.com/sploots-ai/sploots/hub/internal/session"
	"github.com/sploots-ai/sploots/pkg/protocol"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// shutdownFlushWait bounds the outbound-queue flush during teardown.
	shutdownFlushWait = 5 * time.Second
)

// outboundFrame is one queued socket write. requiresAck marks frames the
// actor must track for acknowledgement before writing.
type outboundFrame struct {
	data        []byte
	requiresAck bool
}

// trackedSender is the optional actor capability of recording a delivery in
// its acknowledgement tracker before the frame goes out.
type trackedSender interface {
	TrySendTracked(data []byte, requiresAck bool) bool
}

// trackedEnvelope mirrors the wire envelope with the payload kept raw so a
// message_id can be injected without disturbing the other fields.
type trackedEnvelope struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// prepareTracked runs the frame's payload through the delivery tracker. The
// returned frame carries the payload's message_id and is exactly what a
// retransmit resends.
func prepareTracked(tr *delivery.Tracker, frame []byte) (data []byte, id uint64, tracked bool) {
	var env trackedEnvelope
	if err := json.Unmarshal(frame, &env); err != nil || len(env.Payload) == 0 {
		return frame, 0, false
	}
	prepared, id, tracked := tr.Prepare(env.Payload)
	if !tracked {
		return frame, 0, false
	}
	if bytes.Equal(prepared, env.Payload) {
		return frame, id, true
	}
	env.Payload = prepared
	rewrapped, err := json.Marshal(env)
	if err != nil {
		return frame, 0, false
	}
	return rewrapped, id, true
}

// backoffDelay returns the reconnect pacing for the given attempt:
// min(2^attempt, 60) seconds.
func backoffDelay(attempt int) time.Duration {
	if attempt >= 6 {
		return 60 * time.Second
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// isProtocolViolation separates fatal socket errors (oversized frames,
// malformed websocket framing) from ordinary closes and network drops.
func isProtocolViolation(err error) bool {
	if errors.Is(err, websocket.ErrReadLimit) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseProtocolError,
		websocket.CloseUnsupportedData,
		websocket.CloseInvalidFramePayloadData)
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

// Options configures the Router and the actors it spawns.
type Options struct {
	DefaultAgentID       string
	AllowedOrigins       []string
	MaxMessageBytes      int64
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	RetransmitTimeout    time.Duration
	BufferSize           int
	MaxReconnectAttempts int
	FlushBatchSize       int
	FlushInterval        time.Duration
	ConfirmDelivery      bool
}

// FromConfig maps the hub configuration onto router options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		DefaultAgentID:       cfg.Agent.DefaultID,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		MaxMessageBytes:      cfg.Server.MaxMessageBytes,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval.Duration,
		HeartbeatTimeout:     cfg.Connection.HeartbeatTimeout.Duration,
		RetransmitTimeout:    cfg.Connection.RetransmitTimeout.Duration,
		BufferSize:           cfg.Connection.BufferSize,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		FlushBatchSize:       cfg.Connection.FlushBatchSize,
		FlushInterval:        cfg.Connection.FlushInterval.Duration,
		ConfirmDelivery:      cfg.Connection.DeliveryConfirmationEnabled(),
	}
}

// Router resolves message targets and runs the WebSocket endpoints. It reads
// connection state through the session manager's registry and never mutates
// records itself.
type Router struct {
	logger   *slog.Logger
	sessions *session.Manager
	registry *registry.Registry
	upgrader websocket.Upgrader
	opts     Options
}

// New creates a Router on top of the session manager.
func New(sessions *session.Manager, logger *slog.Logger, opts Options) *Router {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 1024 * 1024
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = 30 * time.Second
	}
	if opts.RetransmitTimeout == 0 {
		opts.RetransmitTimeout = 30 * time.Second
	}
	if opts.BufferSize == 0 {
		opts.BufferSize = 100
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 10
	}
	if opts.FlushBatchSize == 0 {
		opts.FlushBatchSize = 10
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}

	return &Router{
		logger:   logger.With("component", "router"),
		sessions: sessions,
		registry: sessions.Registry(),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
}

// deliver hands serialized bytes to a connection actor without blocking.
func (r *Router) deliver(conn registry.Conn, data []byte, requiresAck bool) bool {
	if ts, ok := conn.(trackedSender); ok {
		return ts.TrySendTracked(data, requiresAck)
	}
	return conn.TrySend(data)
}

// routeClientMessage forwards a client envelope to the default agent when
// one is configured and live, otherwise to every live agent. With no agents
// at all the message is dropped and logged.
func (r *Router) routeClientMessage(clientID uuid.UUID, msg protocol.ClientMessage) {
	// The actor's identity wins over whatever the payload claims.
	msg.ClientID = clientID

	env := protocol.NewEnvelope(protocol.TypeClientMessage, msg)
	data, err := protocol.Encode(env)
	if err != nil {
		r.logger.Warn("client message encode failed", "client_id", clientID, "error", err)
		return
	}

	if id := r.opts.DefaultAgentID; id != "" {
		if conn, ok := r.registry.AgentConn(id); ok {
			if !r.deliver(conn, data, msg.RequiresAck) {
				r.logger.Warn("agent queue full, client message dropped", "agent_id", id, "client_id", clientID)
			}
			return
		}
	}

	agents := r.registry.AgentConns()
	if len(agents) == 0 {
		r.logger.Warn("no live agents, dropping client message", "client_id", clientID)
		r.sessions.NoteDropped()
		return
	}
	for _, conn := range agents {
		if !r.deliver(conn, data, msg.RequiresAck) {
			r.logger.Warn("agent queue full, client message dropped", "agent_id", conn.ID(), "client_id", clientID)
		}
	}
}

// routeAgentMessage forwards an agent envelope to its target client, or fans
// it out to every live client when no target is set. The serialized frame is
// reused across fan-out targets; per-target failures are counted, not
// propagated.
func (r *Router) routeAgentMessage(agentID string, msg protocol.AgentMessage, raw []byte) {
	if msg.TargetClientID != nil {
		target := *msg.TargetClientID
		conn, ok := r.registry.ClientConn(target)
		if !ok {
			r.logger.Warn("target client not connected, dropping agent message",
				"agent_id", agentID, "client_id", target)
			r.sessions.NoteDropped()
			return
		}
		if !r.deliver(conn, raw, msg.RequiresAck) {
			r.logger.Warn("client queue full, agent message dropped",
				"agent_id", agentID, "client_id", target)
		}
		return
	}

	clients := r.registry.ClientConns()
	if len(clients) == 0 {
		r.logger.Debug("broadcast with no live clients", "agent_id", agentID)
		return
	}
	failed := 0
	for _, conn := range clients {
		if !r.deliver(conn, raw, msg.RequiresAck) {
			failed++
		}
	}
	if failed > 0 {
		r.logger.Warn("broadcast delivered partially",
			"agent_id", agentID, "targets", len(clients), "failed", failed)
	}
}

// notifyClientLifecycle tells the agent side that a client arrived or left,
// following the same default-agent-first policy as client traffic.
func (r *Router) notifyClientLifecycle(event string, clientID uuid.UUID) {
	sys := protocol.NewSystemEvent(event)
	sys.ClientID = clientID.String()
	data, err := protocol.Encode(protocol.NewEnvelope(protocol.TypeSystem, sys))
	if err != nil {
		return
	}

	if id := r.opts.DefaultAgentID; id != "" {
		if conn, ok := r.registry.AgentConn(id); ok {
			r.deliver(conn, data, false)
			return
		}
	}
	for _, conn := range r.registry.AgentConns() {
		r.deliver(conn, data, false)
	}
}

// Shutdown asks every live actor to close gracefully. Actors flush their
// queues with a deadline, snapshot and unregister on their own.
func (r *Router) Shutdown() {
	for _, conn := range r.registry.ClientConns() {
		conn.CloseGraceful("server shutting down")
	}
	for _, conn := range r.registry.AgentConns() {
		conn.CloseGraceful("server shutting down")
	}
}
