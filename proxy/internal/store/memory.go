package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sploots-ai/sploots/proxy/internal/token"
)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
}

// MemoryStore keeps sessions in a sharded in-process map. Shards are
// selected by token hash so unrelated keys never contend; a separate
// index maps client ids back to tokens.
type MemoryStore struct {
	shards [shardCount]*shard
	ttl    time.Duration

	mu      sync.RWMutex
	clients map[uuid.UUID]string

	now func() time.Time
}

// NewMemory creates an in-memory store with the given session TTL.
func NewMemory(ttl time.Duration) *MemoryStore {
	m := &MemoryStore{
		ttl:     ttl,
		clients: make(map[uuid.UUID]string),
		now:     time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*ClientSession)}
	}
	return m
}

func (m *MemoryStore) shardFor(tok string) *shard {
	h := fnv.New32a()
	h.Write([]byte(tok))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) RegisterAnonymous(ctx context.Context) (*ClientSession, error) {
	tok, err := token.NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess := &ClientSession{
		ClientID:     uuid.New(),
		SessionToken: tok,
		CreatedAt:    now,
		LastActive:   now,
	}

	sh := m.shardFor(tok)
	sh.mu.Lock()
	sh.sessions[tok] = sess
	sh.mu.Unlock()

	m.mu.Lock()
	m.clients[sess.ClientID] = tok
	m.mu.Unlock()

	return copySession(sess), nil
}

func (m *MemoryStore) GetByToken(ctx context.Context, tok string) (*ClientSession, error) {
	sh := m.shardFor(tok)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[tok]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if expired(sess.LastActive, now, m.ttl) {
		return nil, ErrExpired
	}
	sess.LastActive = now
	return copySession(sess), nil
}

func (m *MemoryStore) GetByClient(ctx context.Context, clientID uuid.UUID) (*ClientSession, error) {
	m.mu.RLock()
	tok, ok := m.clients[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByToken(ctx, tok)
}

func (m *MemoryStore) Touch(ctx context.Context, tok string) error {
	sh := m.shardFor(tok)
	sh.mu.Lock()
	if sess, ok := sh.sessions[tok]; ok {
		sess.LastActive = m.now()
	}
	sh.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, tok string, patch Patch) (*ClientSession, error) {
	sh := m.shardFor(tok)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[tok]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	if expired(sess.LastActive, now, m.ttl) {
		return nil, ErrExpired
	}
	applyPatch(sess, patch)
	sess.LastActive = now
	return copySession(sess), nil
}

func (m *MemoryStore) Invalidate(ctx context.Context, tok string) (bool, error) {
	sh := m.shardFor(tok)
	sh.mu.Lock()
	sess, ok := sh.sessions[tok]
	if ok {
		delete(sh.sessions, tok)
	}
	sh.mu.Unlock()
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	delete(m.clients, sess.ClientID)
	m.mu.Unlock()
	return true, nil
}

func (m *MemoryStore) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	var removed []uuid.UUID
	for _, sh := range m.shards {
		sh.mu.Lock()
		for tok, sess := range sh.sessions {
			if expired(sess.LastActive, now, m.ttl) {
				delete(sh.sessions, tok)
				removed = append(removed, sess.ClientID)
			}
		}
		sh.mu.Unlock()
	}
	if len(removed) > 0 {
		m.mu.Lock()
		for _, id := range removed {
			delete(m.clients, id)
		}
		m.mu.Unlock()
	}
	return len(removed), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// copySession clones a record so callers never alias the stored value.
func copySession(s *ClientSession) *ClientSession {
	out := *s
	if s.WalletAddress != nil {
		w := *s.WalletAddress
		out.WalletAddress = &w
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
