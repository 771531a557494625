// Package client manages the agent's outbound WebSocket connection to the hub.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sploots-ai/sploots/agent/internal/config"
	"github.com/sploots-ai/sploots/pkg/protocol"
)

// MessageHandler processes messages received from the hub.
type MessageHandler func(env protocol.Envelope) error

// StateHandler is notified when the connection state changes.
type StateHandler func(connected, reconnecting bool)

// Client manages the WebSocket connection from agent to hub.
type Client struct {
	cfg     config.HubConfig
	agentID string
	handler MessageHandler
	logger  *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	onState StateHandler
}

// New creates a hub client.
func New(cfg config.HubConfig, agentID string, handler MessageHandler, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		agentID: agentID,
		handler: handler,
		logger:  logger.With("component", "hub-client"),
	}
}

// SetStateHandler registers a callback for connection state changes.
func (c *Client) SetStateHandler(fn StateHandler) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Connect establishes the WebSocket connection to the hub and begins processing
// messages. It blocks until the context is canceled, reconnecting with
// exponential backoff whenever the connection drops. The backoff resets after
// each established session.
func (c *Client) Connect(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		established, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("hub connection failed", "error", err)
		}
		if established {
			attempt = 0
		}
		attempt++

		delay := c.backoffDelay(attempt)
		c.notifyState(false, true)
		c.logger.Info("reconnecting to hub", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectOnce dials the hub and reads messages until the connection drops.
// established reports whether the dial succeeded, so the caller can reset
// its backoff.
func (c *Client) connectOnce(ctx context.Context) (established bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	if c.cfg.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	// The hub matches the raw pre-shared token, no Bearer prefix.
	header := http.Header{}
	header.Set("Authorization", c.cfg.Token)

	conn, _, err := dialer.DialContext(ctx, c.endpoint(), header)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Closing the connection is what unblocks the read loop when the
	// context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			c.mu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	c.logger.Info("connected to hub", "url", c.endpoint(), "agent_id", c.agentID)
	c.notifyState(true, false)

	// Read messages until disconnected.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read message: %w", err)
		}

		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}

		// Answer protocol-level heartbeats without involving the handler.
		if env.Type == protocol.TypeSystem {
			var sys protocol.SystemMessage
			if err := protocol.DecodePayload(env, &sys); err == nil && sys.Event == protocol.EventHeartbeatRequest {
				pong := protocol.NewSystemEvent(protocol.EventHeartbeatResponse)
				pong.AgentID = c.agentID
				if err := c.Send(protocol.NewEnvelope(protocol.TypeSystem, pong)); err != nil {
					c.logger.Warn("heartbeat response failed", "error", err)
				}
				continue
			}
		}

		if err := c.handler(env); err != nil {
			c.logger.Warn("handler error", "type", env.Type, "error", err)
		}
	}
}

// backoffDelay returns the reconnect delay for the given attempt, doubling
// from the base interval up to the configured cap.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectInterval.Duration
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxReconnectDelay.Duration {
			return c.cfg.MaxReconnectDelay.Duration
		}
	}
	return delay
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/ws/agent"
}

func (c *Client) notifyState(connected, reconnecting bool) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(connected, reconnecting)
	}
}

// Send sends a protocol envelope to the hub.
func (c *Client) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
