// Package session owns the lifecycle of client and agent records: it is the
// only writer of the connection registry, preserves restorable snapshots for
// disconnected clients, and samples throughput for the metrics endpoint.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sploots-ai/sploots/hub/internal/config"
	"github.com/sploots-ai/sploots/hub/internal/registry"
	"github.com/sploots-ai/sploots/pkg/protocol"
)

// Snapshot preserves what a disconnected client needs to resume: undelivered
// outbound frames in their original send order plus the authentication state
// the record would otherwise lose when the reaper deletes it.
type Snapshot struct {
	ClientID      uuid.UUID
	Authenticated bool
	WalletAddress string
	Buffer        [][]byte
	SessionData   map[string]string
	LastSeen      time.Time

	savedAt time.Time
}

type sample struct {
	at       time.Time
	messages uint64
}

// Manager coordinates all registry mutation. Connection actors report
// lifecycle transitions and traffic here instead of touching records
// directly, which keeps the read side (router, API) free of write races.
type Manager struct {
	logger   *slog.Logger
	registry *registry.Registry

	snapshotTTL     time.Duration
	reapInterval    time.Duration
	metricsWindow   time.Duration
	metricsInterval time.Duration
	recordTTL       time.Duration

	mu        sync.Mutex
	snapshots map[uuid.UUID]*Snapshot
	samples   []sample
}

// New builds a manager and its registry from the hub configuration.
// Disconnected records are reaped after three missed-heartbeat windows;
// snapshots live independently until the snapshot TTL runs out.
func New(logger *slog.Logger, cfg *config.Config) *Manager {
	return &Manager{
		logger:          logger.With("component", "session"),
		registry:        registry.New(logger),
		snapshotTTL:     cfg.Session.SnapshotTTL.Duration,
		reapInterval:    cfg.Session.ReapInterval.Duration,
		metricsWindow:   cfg.Session.MetricsWindow.Duration,
		metricsInterval: cfg.Session.MetricsInterval.Duration,
		recordTTL:       3 * cfg.Connection.HeartbeatTimeout.Duration,
		snapshots:       make(map[uuid.UUID]*Snapshot),
	}
}

// Registry exposes the read side for routing and status queries. Callers
// must not use it to register or unregister connections.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// ConnectClient registers a live client connection, superseding any previous
// one for the same client id or session token.
func (m *Manager) ConnectClient(clientID uuid.UUID, sessionToken string, conn registry.Conn, authenticated bool, wallet string) {
	m.registry.RegisterClient(clientID, sessionToken, conn, authenticated, wallet)
	m.logger.Info("client connected", "client_id", clientID, "authenticated", authenticated)
}

// DisconnectClient marks the record disconnected and, when the caller still
// owns the connection, preserves the given snapshot for a later resume. A
// stale call from a superseded connection changes nothing and returns false.
func (m *Manager) DisconnectClient(clientID uuid.UUID, sessionToken string, conn registry.Conn, snap *Snapshot) bool {
	if !m.registry.UnregisterClient(clientID, sessionToken, conn) {
		return false
	}
	if snap != nil {
		snap.ClientID = clientID
		snap.savedAt = time.Now()
		if snap.LastSeen.IsZero() {
			snap.LastSeen = snap.savedAt
		}
		m.mu.Lock()
		m.snapshots[clientID] = snap
		m.mu.Unlock()
	}
	m.logger.Info("client disconnected", "client_id", clientID, "buffered", snap != nil && len(snap.Buffer) > 0)
	return true
}

// Resume removes and returns the client's snapshot if one was saved and has
// not outlived the snapshot TTL. The second return reports whether a usable
// snapshot existed; expired snapshots are discarded on the spot.
func (m *Manager) Resume(clientID uuid.UUID) (*Snapshot, bool) {
	now := time.Now()

	m.mu.Lock()
	snap, ok := m.snapshots[clientID]
	if ok {
		delete(m.snapshots, clientID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, false
	}
	if now.Sub(snap.savedAt) > m.snapshotTTL {
		m.logger.Info("session snapshot expired", "client_id", clientID)
		return nil, false
	}
	return snap, true
}

// ConnectAgent registers a live agent connection.
func (m *Manager) ConnectAgent(agentID string, conn registry.Conn) {
	m.registry.RegisterAgent(agentID, conn)
	m.logger.Info("agent connected", "agent_id", agentID)
}

// DisconnectAgent marks the agent record disconnected. Returns false when a
// newer connection already took the record over.
func (m *Manager) DisconnectAgent(agentID string, conn registry.Conn) bool {
	if !m.registry.UnregisterAgent(agentID, conn) {
		return false
	}
	m.logger.Info("agent disconnected", "agent_id", agentID)
	return true
}

// MarkAgentReconnecting flips the agent to Reconnecting and returns the new
// attempt count so the caller can compute its backoff.
func (m *Manager) MarkAgentReconnecting(agentID string) int {
	m.registry.SetAgentState(agentID, registry.StateReconnecting)
	attempts := m.registry.IncrementAgentReconnect(agentID)
	m.logger.Warn("agent missed heartbeats, reconnecting", "agent_id", agentID, "attempt", attempts)
	return attempts
}

// MarkAgentConnected transitions a reconnecting agent back to Connected,
// resetting its attempt counter.
func (m *Manager) MarkAgentConnected(agentID string) {
	m.registry.SetAgentState(agentID, registry.StateConnected)
}

// MarkAgentError parks the agent record in the Error state after the
// reconnect budget is spent or a protocol violation.
func (m *Manager) MarkAgentError(agentID string) {
	m.registry.SetAgentState(agentID, registry.StateError)
	m.logger.Error("agent entered error state", "agent_id", agentID)
}

// MarkClientError parks the client record in the Error state.
func (m *Manager) MarkClientError(clientID uuid.UUID) {
	m.registry.SetClientState(clientID, registry.StateError)
	m.logger.Error("client entered error state", "client_id", clientID)
}

// NoteClientMessage records inbound client traffic and folds any reported
// authentication upgrade into the record. Auth never downgrades here; the
// proxy invalidating a session closes the connection instead.
func (m *Manager) NoteClientMessage(clientID uuid.UUID, authenticated bool, wallet string, bytes uint64) {
	m.registry.RecordClientActivity(clientID, registry.Activity{MessagesReceived: 1, BytesReceived: bytes})
	if authenticated {
		m.registry.SetClientAuth(clientID, true, wallet)
	}
}

// NoteClientDelivery records outbound traffic to a client.
func (m *Manager) NoteClientDelivery(clientID uuid.UUID, bytes uint64) {
	m.registry.RecordClientActivity(clientID, registry.Activity{MessagesSent: 1, BytesSent: bytes})
}

// NoteAgentMessage records inbound agent traffic.
func (m *Manager) NoteAgentMessage(agentID string, bytes uint64) {
	m.registry.RecordAgentActivity(agentID, registry.Activity{MessagesReceived: 1, BytesReceived: bytes})
}

// NoteAgentDelivery records outbound traffic to an agent.
func (m *Manager) NoteAgentDelivery(agentID string, bytes uint64) {
	m.registry.RecordAgentActivity(agentID, registry.Activity{MessagesSent: 1, BytesSent: bytes})
}

// TouchClient stamps the record's last_seen without counting a message,
// used for heartbeat and ack frames.
func (m *Manager) TouchClient(clientID uuid.UUID) {
	m.registry.RecordClientActivity(clientID, registry.Activity{})
}

// TouchAgent stamps the agent record's last_seen.
func (m *Manager) TouchAgent(agentID string) {
	m.registry.RecordAgentActivity(agentID, registry.Activity{})
}

// NoteDropped counts a message discarded by capacity policy so the drop is
// observable in the stats endpoint rather than silently lost.
func (m *Manager) NoteDropped() {
	m.registry.AddDropped(1)
}

// Metrics reports the current registry totals together with the sliding
// window throughput.
func (m *Manager) Metrics() protocol.MetricsReport {
	totals := m.registry.Snapshot()

	m.mu.Lock()
	mps := m.throughputLocked()
	m.mu.Unlock()

	return protocol.MetricsReport{
		TotalClients:           totals.TotalClients,
		ActiveClients:          totals.ActiveClients,
		TotalAgents:            totals.TotalAgents,
		ActiveAgents:           totals.ActiveAgents,
		TotalMessagesProcessed: totals.Messages,
		MessagesPerSecond:      mps,
		BytesTransferred:       totals.Bytes,
		Timestamp:              time.Now().Unix(),
	}
}

// throughputLocked derives messages per second from the oldest and newest
// samples currently in the window. Fewer than two samples means no rate yet.
func (m *Manager) throughputLocked() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	oldest := m.samples[0]
	newest := m.samples[len(m.samples)-1]
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 || newest.messages < oldest.messages {
		return 0
	}
	return float64(newest.messages-oldest.messages) / elapsed
}

// recordSample appends the current message total and trims samples that
// slid out of the window.
func (m *Manager) recordSample(now time.Time) {
	totals := m.registry.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{at: now, messages: totals.Messages})
	cutoff := now.Add(-m.metricsWindow)
	trim := 0
	for trim < len(m.samples)-1 && m.samples[trim].at.Before(cutoff) {
		trim++
	}
	if trim > 0 {
		m.samples = append(m.samples[:0], m.samples[trim:]...)
	}
}

// expireSnapshots drops snapshots older than the snapshot TTL and returns
// how many were removed.
func (m *Manager) expireSnapshots(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for id, snap := range m.snapshots {
		if now.Sub(snap.savedAt) > m.snapshotTTL {
			delete(m.snapshots, id)
			expired++
		}
	}
	return expired
}

// SnapshotCount reports how many restorable snapshots are being held.
func (m *Manager) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Run drives the periodic sweeps until the context is cancelled: reaping
// long-disconnected records, expiring stale snapshots and sampling the
// throughput window.
func (m *Manager) Run(ctx context.Context) {
	reap := time.NewTicker(m.reapInterval)
	defer reap.Stop()
	metrics := time.NewTicker(m.metricsInterval)
	defer metrics.Stop()

	m.logger.Info("session manager started",
		"record_ttl", m.recordTTL.String(),
		"snapshot_ttl", m.snapshotTTL.String())

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session manager stopped")
			return
		case now := <-reap.C:
			clients, agents := m.registry.ReapStale(now, m.recordTTL)
			expired := m.expireSnapshots(now)
			if clients+agents+expired > 0 {
				m.logger.Debug("session sweep",
					"reaped_clients", clients,
					"reaped_agents", agents,
					"expired_snapshots", expired)
			}
		case now := <-metrics.C:
			m.recordSample(now)
		}
	}
}
