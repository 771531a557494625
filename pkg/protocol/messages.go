// Package protocol defines the wire protocol messages exchanged between
// sploots components (browser ↔ proxy ↔ hub ↔ agent) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" tag
// that determines the payload structure. Unknown tags are logged and dropped
// by receivers; binary WebSocket frames are rejected with an inline error.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// Envelope type tags.
const (
	TypeClientMessage = "client.message"
	TypeAgentMessage  = "agent.message"
	TypeAck           = "message.ack"
	TypeSystem        = "system"
)

// System event names carried in SystemMessage.Event.
const (
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
	EventAgentConnected     = "agent_connected"
	EventAgentDisconnected  = "agent_disconnected"
	EventHeartbeatRequest   = "heartbeat_request"
	EventHeartbeatResponse  = "heartbeat_response"
	EventSessionCreated     = "session_created"
	EventSessionRestored    = "session_restored"
	EventSessionExpired     = "session_expired"
	EventMetricsReport      = "metrics_report"
	EventError              = "error"
)

// Acknowledgement statuses.
const (
	AckReceived  = "received"
	AckProcessed = "processed"
	AckError     = "error"
)

// ClientMessage carries client traffic toward agents.
type ClientMessage struct {
	ClientID      uuid.UUID `json:"client_id"`
	Content       string    `json:"content"`
	Authenticated bool      `json:"authenticated"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	Timestamp     int64     `json:"timestamp"` // seconds since epoch
	MessageID     *uint64   `json:"message_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	RequiresAck   bool      `json:"requires_ack"`
}

// AgentMessage carries agent traffic toward clients. A nil TargetClientID
// means broadcast to every live client.
type AgentMessage struct {
	TargetClientID *uuid.UUID `json:"target_client_id,omitempty"`
	Content        string     `json:"content"`
	Timestamp      int64      `json:"timestamp"`
	MessageID      *uint64    `json:"message_id,omitempty"`
	RequiresAck    bool       `json:"requires_ack"`
	MessageType    string     `json:"message_type,omitempty"`
}

// MessageAcknowledgement confirms delivery or processing of a tracked message.
type MessageAcknowledgement struct {
	SourceID  string `json:"source_id"`
	MessageID uint64 `json:"message_id"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"` // received | processed | error
	Reason    string `json:"reason,omitempty"`
}

// SystemMessage carries connection lifecycle and operational events.
type SystemMessage struct {
	Event     string         `json:"event"`
	ClientID  string         `json:"client_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Metrics   *MetricsReport `json:"metrics,omitempty"`
}

// MetricsReport is the payload of a metrics_report system event and the
// shape returned by the system metrics query.
type MetricsReport struct {
	TotalClients           int     `json:"total_clients"`
	ActiveClients          int     `json:"active_clients"`
	TotalAgents            int     `json:"total_agents"`
	ActiveAgents           int     `json:"active_agents"`
	TotalMessagesProcessed uint64  `json:"total_messages_processed"`
	MessagesPerSecond      float64 `json:"messages_per_second"`
	BytesTransferred       uint64  `json:"bytes_transferred"`
	Timestamp              int64   `json:"timestamp"`
}

// NewEnvelope wraps a payload in an envelope stamped with the current time.
func NewEnvelope(msgType string, payload any) Envelope {
	return Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Encode serializes an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// DecodeEnvelope parses raw wire bytes into an envelope. The payload stays
// as generic JSON; use DecodePayload to obtain the typed form.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type tag")
	}
	return env, nil
}

// DecodePayload re-marshals the generic payload into a concrete message type.
func DecodePayload(env Envelope, out any) error {
	data, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}

// NewClientMessage builds a client message stamped with the current time.
func NewClientMessage(clientID uuid.UUID, content string) ClientMessage {
	return ClientMessage{
		ClientID:  clientID,
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
}

// NewAgentMessage builds an agent message addressed to a single client.
// Pass uuid.Nil via NewAgentBroadcast for fan-out instead.
func NewAgentMessage(target uuid.UUID, content string) AgentMessage {
	return AgentMessage{
		TargetClientID: &target,
		Content:        content,
		Timestamp:      time.Now().Unix(),
	}
}

// NewAgentBroadcast builds an agent message with no target (broadcast).
func NewAgentBroadcast(content string) AgentMessage {
	return AgentMessage{
		Content:   content,
		Timestamp: time.Now().Unix(),
	}
}

// NewAck builds an acknowledgement for a tracked message id.
func NewAck(sourceID string, messageID uint64, status string) MessageAcknowledgement {
	return MessageAcknowledgement{
		SourceID:  sourceID,
		MessageID: messageID,
		Timestamp: time.Now().Unix(),
		Status:    status,
	}
}

// NewSystemEvent builds a system message for the given event.
func NewSystemEvent(event string) SystemMessage {
	return SystemMessage{
		Event:     event,
		Timestamp: time.Now().Unix(),
	}
}

// ErrorEnvelope builds the inline error payload sent on protocol violations
// (unknown tags, binary frames, malformed JSON).
func ErrorEnvelope(message string) Envelope {
	sys := NewSystemEvent(EventError)
	sys.Message = message
	return NewEnvelope(TypeSystem, sys)
}
