// Package delivery tracks per-connection message ids and pending
// acknowledgements, and decides when unconfirmed messages need resending.
package delivery

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"
)

// DefaultCapacity bounds the pending-ack table per connection.
const DefaultCapacity = 100

// DefaultRetransmitTimeout is how long a message may stay unacknowledged
// before the owning connection resends it.
const DefaultRetransmitTimeout = 30 * time.Second

// ErrBufferFull is returned when the pending-ack table is at capacity.
var ErrBufferFull = errors.New("delivery: pending buffer full")

type pendingMessage struct {
	payload  []byte
	sentAt   time.Time
	attempts int
}

// Resend is an expired pending entry due for retransmission.
type Resend struct {
	ID       uint64
	Payload  []byte
	Attempts int
}

// Tracker maintains the monotonic message id counter and the pending-ack
// table for one connection. All methods are safe for concurrent use from
// the connection's read and heartbeat goroutines.
type Tracker struct {
	mu             sync.Mutex
	lastSentID     uint64
	lastReceivedID uint64
	pending        map[uint64]*pendingMessage
	capacity       int
}

// NewTracker creates a tracker with the given pending capacity.
// A non-positive capacity falls back to DefaultCapacity.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		pending:  make(map[uint64]*pendingMessage),
		capacity: capacity,
	}
}

// NextID returns the next monotonic message id.
func (t *Tracker) NextID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSentID++
	return t.lastSentID
}

// AddPending records a sent payload awaiting acknowledgement. It returns
// ErrBufferFull when the table already holds the capacity limit; callers
// log the drop and count it, they never block.
func (t *Tracker) AddPending(id uint64, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; !ok && len(t.pending) >= t.capacity {
		return ErrBufferFull
	}
	t.pending[id] = &pendingMessage{payload: payload, sentAt: time.Now()}
	// Externally assigned ids (an agent picking its own message_id) must not
	// collide with ids we mint later.
	if id > t.lastSentID {
		t.lastSentID = id
	}
	return nil
}

// Confirm removes a pending entry and reports whether it existed.
// Confirming the same id twice returns false the second time.
func (t *Tracker) Confirm(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	if id > t.lastReceivedID {
		t.lastReceivedID = id
	}
	return true
}

// Expired returns every pending entry older than timeout, strictly. Each
// returned entry has its sent time reset so the next sweep does not pick
// it up again before another full timeout elapses.
func (t *Tracker) Expired(now time.Time, timeout time.Duration) []Resend {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []Resend
	for id, p := range t.pending {
		if now.Sub(p.sentAt) > timeout {
			p.sentAt = now
			p.attempts++
			due = append(due, Resend{ID: id, Payload: p.payload, Attempts: p.attempts})
		}
	}
	return due
}

// PendingCount returns the current size of the pending-ack table.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// LastSentID returns the highest message id issued or observed outbound.
func (t *Tracker) LastSentID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSentID
}

// LastReceivedID returns the highest acknowledged message id.
func (t *Tracker) LastReceivedID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastReceivedID
}

// Prepare examines an outbound payload for delivery confirmation. JSON
// objects that already carry a message_id are tracked under that id; objects
// without one get the next monotonic id injected. Anything that is not a
// JSON object is sent untracked.
func (t *Tracker) Prepare(raw []byte) (data []byte, id uint64, tracked bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return raw, 0, false
	}

	if v, ok := obj["message_id"]; ok {
		if existing, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return raw, existing, true
		}
	}

	id = t.NextID()
	obj["message_id"] = json.RawMessage(strconv.FormatUint(id, 10))
	injected, err := json.Marshal(obj)
	if err != nil {
		return raw, 0, false
	}
	return injected, id, true
}
