// Package registry is the authoritative index of live client and agent
// connections, their lifecycle records, and the session-token ownership map.
// The session manager owns all record mutation; the router reads conns for
// addressing and fan-out.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State describes where a connection sits in its lifecycle.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateIdle         State = "idle"
	StateError        State = "error"
)

// Conn is the send side of a connection actor. Implementations must make
// TrySend non-blocking: a full outbound queue returns false, never blocks.
type Conn interface {
	ID() string
	TrySend(data []byte) bool
	CloseGraceful(reason string)
}

// Activity is a delta of counters reported by a connection actor.
type Activity struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

// ClientRecord is the registry's view of one client connection.
type ClientRecord struct {
	ClientID          uuid.UUID
	State             State
	ConnectedAt       time.Time
	LastSeen          time.Time
	LastMessageAt     time.Time
	ReconnectAttempts int
	MessagesSent      uint64
	MessagesReceived  uint64
	BytesSent         uint64
	BytesReceived     uint64
	DisconnectCount   uint64
	Authenticated     bool
	WalletAddress     string
}

// AgentRecord is the registry's view of one agent connection.
type AgentRecord struct {
	AgentID           string
	State             State
	ConnectedAt       time.Time
	LastSeen          time.Time
	LastMessageAt     time.Time
	ReconnectAttempts int
	MessagesSent      uint64
	MessagesReceived  uint64
	BytesSent         uint64
	BytesReceived     uint64
	DisconnectCount   uint64
}

type clientEntry struct {
	record ClientRecord
	conn   Conn
}

type agentEntry struct {
	record AgentRecord
	conn   Conn
}

// Totals is an aggregate snapshot used for system metrics.
type Totals struct {
	TotalClients  int    `json:"total_clients"`
	ActiveClients int    `json:"active_clients"`
	TotalAgents   int    `json:"total_agents"`
	ActiveAgents  int    `json:"active_agents"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	Dropped       uint64 `json:"dropped"`
}

// Registry holds the client, agent and active-session tables.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*clientEntry
	agents  map[string]*agentEntry
	active  map[string]Conn // session token -> client conn holding it

	totalMessages uint64
	totalBytes    uint64
	totalDropped  uint64
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "registry"),
		clients: make(map[uuid.UUID]*clientEntry),
		agents:  make(map[string]*agentEntry),
		active:  make(map[string]Conn),
	}
}

// RegisterClient records a live client connection and claims its session
// token. If another connection already holds the token, that connection is
// sent a graceful close and replaced: last writer wins. An existing record
// for the client id is resumed, keeping its cumulative counters.
func (r *Registry) RegisterClient(clientID uuid.UUID, sessionToken string, conn Conn, authenticated bool, wallet string) {
	now := time.Now()

	r.mu.Lock()
	var superseded Conn
	if sessionToken != "" {
		if prev, ok := r.active[sessionToken]; ok && prev != conn {
			superseded = prev
		}
		r.active[sessionToken] = conn
	}

	entry, ok := r.clients[clientID]
	if !ok {
		entry = &clientEntry{record: ClientRecord{ClientID: clientID}}
		r.clients[clientID] = entry
	} else if entry.conn != nil && entry.conn != conn && superseded == nil {
		superseded = entry.conn
	}
	entry.conn = conn
	entry.record.State = StateConnected
	entry.record.ConnectedAt = now
	entry.record.LastSeen = now
	entry.record.ReconnectAttempts = 0
	entry.record.Authenticated = authenticated
	entry.record.WalletAddress = wallet
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Warn("session already connected, closing previous connection", "client_id", clientID)
		superseded.CloseGraceful("superseded by a newer connection")
	}
}

// RegisterAgent records a live agent connection. A reconnecting agent
// resumes its existing record; a concurrent duplicate is closed.
func (r *Registry) RegisterAgent(agentID string, conn Conn) {
	now := time.Now()

	r.mu.Lock()
	var superseded Conn
	entry, ok := r.agents[agentID]
	if !ok {
		entry = &agentEntry{record: AgentRecord{AgentID: agentID}}
		r.agents[agentID] = entry
	} else if entry.conn != nil && entry.conn != conn {
		superseded = entry.conn
	}
	entry.conn = conn
	entry.record.State = StateConnected
	entry.record.ConnectedAt = now
	entry.record.LastSeen = now
	entry.record.ReconnectAttempts = 0
	r.mu.Unlock()

	if superseded != nil {
		r.logger.Warn("agent reconnect, closing previous connection", "agent_id", agentID)
		superseded.CloseGraceful("superseded by a newer connection")
	}
}

// UnregisterClient releases the session token and marks the record
// Disconnected. The record itself survives so a reconnect within the reaper
// window resumes counters; the reaper deletes it later.
//
// A non-nil conn makes the call a no-op when a newer connection has already
// taken over the record: a superseded actor tearing down late must not
// release the token its replacement now holds. Returns true when the record
// was actually flipped by this call.
func (r *Registry) UnregisterClient(clientID uuid.UUID, sessionToken string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionToken != "" {
		if cur, ok := r.active[sessionToken]; ok && (conn == nil || cur == conn) {
			delete(r.active, sessionToken)
		}
	}
	entry, ok := r.clients[clientID]
	if !ok {
		return false
	}
	if conn != nil && entry.conn != nil && entry.conn != conn {
		return false // stale unregister from a replaced connection
	}
	entry.conn = nil
	if entry.record.State != StateError {
		entry.record.State = StateDisconnected
	}
	entry.record.LastSeen = time.Now()
	entry.record.DisconnectCount++
	return true
}

// UnregisterAgent marks the agent record Disconnected and drops its conn,
// with the same stale-unregister guard as UnregisterClient.
func (r *Registry) UnregisterAgent(agentID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return false
	}
	if conn != nil && entry.conn != nil && entry.conn != conn {
		return false
	}
	entry.conn = nil
	if entry.record.State != StateError {
		entry.record.State = StateDisconnected
	}
	entry.record.LastSeen = time.Now()
	entry.record.DisconnectCount++
	return true
}

// SetClientAuth upgrades a client record's authentication state, typically
// after an in-flight message reports a completed wallet login.
func (r *Registry) SetClientAuth(clientID uuid.UUID, authenticated bool, wallet string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.clients[clientID]
	if !ok {
		return
	}
	entry.record.Authenticated = authenticated
	entry.record.WalletAddress = wallet
}

// SetClientState transitions a client record. Entering Connected resets the
// reconnect counter.
func (r *Registry) SetClientState(clientID uuid.UUID, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.clients[clientID]; ok {
		entry.record.State = state
		if state == StateConnected {
			entry.record.ReconnectAttempts = 0
		}
	}
}

// SetAgentState transitions an agent record. Entering Connected resets the
// reconnect counter.
func (r *Registry) SetAgentState(agentID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.agents[agentID]; ok {
		entry.record.State = state
		if state == StateConnected {
			entry.record.ReconnectAttempts = 0
		}
	}
}

// IncrementAgentReconnect bumps the agent's reconnect counter and returns
// the new value. The caller compares it against the attempt cap.
func (r *Registry) IncrementAgentReconnect(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return 0
	}
	entry.record.ReconnectAttempts++
	return entry.record.ReconnectAttempts
}

// RecordClientActivity folds a counter delta into the client record and
// stamps last_seen.
func (r *Registry) RecordClientActivity(clientID uuid.UUID, delta Activity) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.clients[clientID]
	if !ok {
		return
	}
	entry.record.LastSeen = now
	if delta.MessagesSent > 0 || delta.MessagesReceived > 0 {
		entry.record.LastMessageAt = now
	}
	entry.record.MessagesSent += delta.MessagesSent
	entry.record.MessagesReceived += delta.MessagesReceived
	entry.record.BytesSent += delta.BytesSent
	entry.record.BytesReceived += delta.BytesReceived
	r.totalMessages += delta.MessagesSent + delta.MessagesReceived
	r.totalBytes += delta.BytesSent + delta.BytesReceived
}

// RecordAgentActivity folds a counter delta into the agent record and
// stamps last_seen.
func (r *Registry) RecordAgentActivity(agentID string, delta Activity) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return
	}
	entry.record.LastSeen = now
	if delta.MessagesSent > 0 || delta.MessagesReceived > 0 {
		entry.record.LastMessageAt = now
	}
	entry.record.MessagesSent += delta.MessagesSent
	entry.record.MessagesReceived += delta.MessagesReceived
	entry.record.BytesSent += delta.BytesSent
	entry.record.BytesReceived += delta.BytesReceived
	r.totalMessages += delta.MessagesSent + delta.MessagesReceived
	r.totalBytes += delta.BytesSent + delta.BytesReceived
}

// ClientStatus returns a copy of the client record.
func (r *Registry) ClientStatus(clientID uuid.UUID) (ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.clients[clientID]
	if !ok {
		return ClientRecord{}, false
	}
	return entry.record, true
}

// AgentStatus returns a copy of the agent record.
func (r *Registry) AgentStatus(agentID string) (AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return entry.record, true
}

// ClientConn returns the live conn for a client id, if any.
func (r *Registry) ClientConn(clientID uuid.UUID) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.clients[clientID]
	if !ok || entry.conn == nil {
		return nil, false
	}
	return entry.conn, true
}

// AgentConn returns the live conn for an agent id, if any.
func (r *Registry) AgentConn(agentID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.agents[agentID]
	if !ok || entry.conn == nil {
		return nil, false
	}
	return entry.conn, true
}

// ActiveConn returns the conn currently holding a session token.
func (r *Registry) ActiveConn(sessionToken string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.active[sessionToken]
	return conn, ok
}

// ClientConns snapshots every live client conn for fan-out. The slice is
// safe to iterate while the registry keeps changing.
func (r *Registry) ClientConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.clients))
	for _, entry := range r.clients {
		if entry.conn != nil {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

// AgentConns snapshots every live agent conn.
func (r *Registry) AgentConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.agents))
	for _, entry := range r.agents {
		if entry.conn != nil {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

// ReapStale deletes client and agent records that have stayed non-Connected
// longer than olderThan. Returns how many of each were removed.
func (r *Registry) ReapStale(now time.Time, olderThan time.Duration) (clients, agents int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.clients {
		if entry.record.State != StateConnected && now.Sub(entry.record.LastSeen) > olderThan {
			delete(r.clients, id)
			clients++
		}
	}
	for id, entry := range r.agents {
		if entry.record.State != StateConnected && now.Sub(entry.record.LastSeen) > olderThan {
			delete(r.agents, id)
			agents++
		}
	}
	return clients, agents
}

// Snapshot aggregates the registry for the system metrics query.
func (r *Registry) Snapshot() Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := Totals{
		TotalClients: len(r.clients),
		TotalAgents:  len(r.agents),
		Messages:     r.totalMessages,
		Bytes:        r.totalBytes,
		Dropped:      r.totalDropped,
	}
	for _, entry := range r.clients {
		if entry.record.State == StateConnected {
			t.ActiveClients++
		}
	}
	for _, entry := range r.agents {
		if entry.record.State == StateConnected {
			t.ActiveAgents++
		}
	}
	return t
}

// AddDropped counts a message discarded by capacity policy (full outbound
// buffer, full pending-ack table, no live target).
func (r *Registry) AddDropped(n uint64) {
	r.mu.Lock()
	r.totalDropped += n
	r.mu.Unlock()
}
