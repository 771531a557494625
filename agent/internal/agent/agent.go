// Package agent wires the hub client and event bus into the runnable echo agent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sploots-ai/sploots/agent/internal/client"
	"github.com/sploots-ai/sploots/agent/internal/config"
	"github.com/sploots-ai/sploots/agent/internal/eventbus"
	"github.com/sploots-ai/sploots/pkg/protocol"
)

// Agent consumes client messages from the hub and answers each one with a
// prefixed echo reply. Tracked messages are acknowledged twice: once on
// receipt and once after the reply is sent.
type Agent struct {
	cfg    config.Config
	client *client.Client
	bus    *eventbus.Bus
	logger *slog.Logger

	mu           sync.Mutex
	received     uint64
	replied      uint64
	connected    bool
	reconnecting bool
	startedAt    time.Time
}

// Status is a point-in-time snapshot of the agent for display.
type Status struct {
	AgentID      string
	HubURL       string
	Connected    bool
	Reconnecting bool
	Received     uint64
	Replied      uint64
	StartedAt    time.Time
}

// New creates an agent from the given configuration. A nil bus creates a
// private one.
func New(cfg config.Config, logger *slog.Logger, bus *eventbus.Bus) *Agent {
	if bus == nil {
		bus = eventbus.New()
	}

	a := &Agent{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "agent"),
	}
	a.client = client.New(cfg.Hub, cfg.Agent.ID, a.handleMessage, logger)
	a.client.SetStateHandler(a.onConnectionState)
	return a
}

// Bus returns the agent's event bus.
func (a *Agent) Bus() *eventbus.Bus {
	return a.bus
}

// Status returns a snapshot of the agent's state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		AgentID:      a.cfg.Agent.ID,
		HubURL:       a.cfg.Hub.URL,
		Connected:    a.connected,
		Reconnecting: a.reconnecting,
		Received:     a.received,
		Replied:      a.replied,
		StartedAt:    a.startedAt,
	}
}

// Run connects to the hub and processes messages until the context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.logger.Info("starting agent", "agent_id", a.cfg.Agent.ID, "hub", a.cfg.Hub.URL)
	defer func() {
		a.client.Close()
		a.logger.Info("agent stopped")
	}()

	return a.client.Connect(ctx)
}

// Broadcast sends content to every client connected to the hub. The hub
// performs the fan-out; the returned error covers only the send to the hub.
func (a *Agent) Broadcast(content string) error {
	env := protocol.NewEnvelope(protocol.TypeAgentMessage, protocol.NewAgentBroadcast(content))
	if err := a.client.Send(env); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	a.bus.PublishType(eventbus.ReplySent, map[string]any{
		"broadcast": true,
		"bytes":     len(content),
	})
	return nil
}

func (a *Agent) onConnectionState(connected, reconnecting bool) {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = connected
	a.reconnecting = reconnecting
	a.mu.Unlock()

	switch {
	case connected:
		a.bus.PublishType(eventbus.HubConnected, map[string]any{"url": a.cfg.Hub.URL})
	case wasConnected:
		a.bus.PublishType(eventbus.HubDisconnected, nil)
		a.bus.PublishType(eventbus.HubReconnecting, nil)
	default:
		a.bus.PublishType(eventbus.HubReconnecting, nil)
	}
}

func (a *Agent) handleMessage(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeClientMessage:
		return a.handleClientMessage(env)
	case protocol.TypeAck:
		return a.handleAck(env)
	case protocol.TypeSystem:
		return a.handleSystem(env)
	default:
		a.logger.Warn("unknown message type from hub", "type", env.Type)
		return nil
	}
}

func (a *Agent) handleClientMessage(env protocol.Envelope) error {
	var msg protocol.ClientMessage
	if err := protocol.DecodePayload(env, &msg); err != nil {
		return err
	}

	a.mu.Lock()
	a.received++
	a.mu.Unlock()

	a.logger.Info("client message",
		"client_id", msg.ClientID,
		"authenticated", msg.Authenticated,
		"bytes", len(msg.Content))
	a.bus.PublishType(eventbus.MessageReceived, map[string]any{
		"client_id":     msg.ClientID.String(),
		"authenticated": msg.Authenticated,
		"bytes":         len(msg.Content),
	})

	tracked := msg.RequiresAck && msg.MessageID != nil
	if tracked {
		ack := protocol.NewAck(a.cfg.Agent.ID, *msg.MessageID, protocol.AckReceived)
		if err := a.client.Send(protocol.NewEnvelope(protocol.TypeAck, ack)); err != nil {
			a.logger.Warn("receipt ack failed", "message_id", *msg.MessageID, "error", err)
		}
	}

	reply := protocol.NewAgentMessage(msg.ClientID, a.cfg.Agent.ReplyPrefix+msg.Content)
	if err := a.client.Send(protocol.NewEnvelope(protocol.TypeAgentMessage, reply)); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	a.mu.Lock()
	a.replied++
	a.mu.Unlock()
	a.bus.PublishType(eventbus.ReplySent, map[string]any{
		"client_id": msg.ClientID.String(),
		"bytes":     len(reply.Content),
	})

	if tracked {
		ack := protocol.NewAck(a.cfg.Agent.ID, *msg.MessageID, protocol.AckProcessed)
		if err := a.client.Send(protocol.NewEnvelope(protocol.TypeAck, ack)); err != nil {
			a.logger.Warn("processed ack failed", "message_id", *msg.MessageID, "error", err)
		}
	}

	return nil
}

func (a *Agent) handleAck(env protocol.Envelope) error {
	var ack protocol.MessageAcknowledgement
	if err := protocol.DecodePayload(env, &ack); err != nil {
		return err
	}
	a.logger.Debug("ack from hub", "message_id", ack.MessageID, "status", ack.Status)
	return nil
}

func (a *Agent) handleSystem(env protocol.Envelope) error {
	var sys protocol.SystemMessage
	if err := protocol.DecodePayload(env, &sys); err != nil {
		return err
	}

	switch sys.Event {
	case protocol.EventClientConnected, protocol.EventClientDisconnected:
		a.logger.Info("hub event", "event", sys.Event, "client_id", sys.ClientID)
	default:
		a.logger.Debug("system event", "event", sys.Event)
	}
	return nil
}
