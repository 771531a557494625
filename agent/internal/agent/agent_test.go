package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sploots-ai/sploots/agent/internal/config"
	"github.com/sploots-ai/sploots/agent/internal/eventbus"
	"github.com/sploots-ai/sploots/pkg/protocol"
)

func testConfig(url string) config.Config {
	return config.Config{
		Hub: config.HubConfig{
			URL:               url,
			Token:             "agent-secret",
			ReconnectInterval: config.Duration{Duration: 20 * time.Millisecond},
			MaxReconnectDelay: config.Duration{Duration: 80 * time.Millisecond},
		},
		Agent: config.AgentConfig{
			ID:          "agent1",
			ReplyPrefix: "echo: ",
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub runs a scripted hub that writes the outbound envelopes to each
// agent connection and forwards everything the agent sends back to inbound.
func startHub(t *testing.T, outbound []protocol.Envelope, inbound chan protocol.Envelope) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, env := range outbound {
			frame, err := protocol.Encode(env)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.DecodeEnvelope(data); err == nil {
				inbound <- env
			}
		}
	})

	ts := newHTTPTestServerOrSkip(t, mux)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newHTTPTestServerOrSkip(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "failed to listen on a port") ||
				strings.Contains(msg, "operation not permitted") ||
				strings.Contains(msg, "permission denied") {
				t.Skipf("network listen not permitted in this environment: %s", msg)
			}
			panic(r)
		}
	}()
	return httptest.NewServer(handler)
}

func nextEnvelope(t *testing.T, ch chan protocol.Envelope, wantType string) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		if env.Type != wantType {
			t.Fatalf("next envelope type = %q, want %q", env.Type, wantType)
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s envelope", wantType)
		return protocol.Envelope{}
	}
}

func decodeInto(t *testing.T, env protocol.Envelope, out any) {
	t.Helper()
	if err := protocol.DecodePayload(env, out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEchoFlowWithAcks(t *testing.T) {
	clientID := uuid.New()
	mid := uint64(7)
	msg := protocol.NewClientMessage(clientID, "hello")
	msg.Authenticated = true
	msg.MessageID = &mid
	msg.RequiresAck = true

	inbound := make(chan protocol.Envelope, 16)
	url := startHub(t, []protocol.Envelope{
		protocol.NewEnvelope(protocol.TypeClientMessage, msg),
	}, inbound)

	a := New(testConfig(url), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Tracked delivery: receipt ack, echo reply, processed ack, in order.
	env := nextEnvelope(t, inbound, protocol.TypeAck)
	var ack protocol.MessageAcknowledgement
	decodeInto(t, env, &ack)
	if ack.MessageID != 7 {
		t.Errorf("receipt ack message_id = %d, want 7", ack.MessageID)
	}
	if ack.Status != protocol.AckReceived {
		t.Errorf("receipt ack status = %q, want %q", ack.Status, protocol.AckReceived)
	}
	if ack.SourceID != "agent1" {
		t.Errorf("receipt ack source = %q, want agent1", ack.SourceID)
	}

	env = nextEnvelope(t, inbound, protocol.TypeAgentMessage)
	var reply protocol.AgentMessage
	decodeInto(t, env, &reply)
	if reply.Content != "echo: hello" {
		t.Errorf("reply content = %q, want %q", reply.Content, "echo: hello")
	}
	if reply.TargetClientID == nil || *reply.TargetClientID != clientID {
		t.Errorf("reply target = %v, want %s", reply.TargetClientID, clientID)
	}

	env = nextEnvelope(t, inbound, protocol.TypeAck)
	decodeInto(t, env, &ack)
	if ack.Status != protocol.AckProcessed || ack.MessageID != 7 {
		t.Errorf("processed ack = %+v", ack)
	}

	waitFor(t, func() bool {
		st := a.Status()
		return st.Received == 1 && st.Replied == 1
	}, "message counters not updated")
}

func TestUntrackedMessageGetsPlainEcho(t *testing.T) {
	clientID := uuid.New()
	inbound := make(chan protocol.Envelope, 16)
	url := startHub(t, []protocol.Envelope{
		protocol.NewEnvelope(protocol.TypeClientMessage, protocol.NewClientMessage(clientID, "ping")),
	}, inbound)

	a := New(testConfig(url), testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	env := nextEnvelope(t, inbound, protocol.TypeAgentMessage)
	var reply protocol.AgentMessage
	decodeInto(t, env, &reply)
	if reply.Content != "echo: ping" {
		t.Errorf("reply = %q, want %q", reply.Content, "echo: ping")
	}

	// Untracked messages carry no acknowledgements.
	select {
	case env := <-inbound:
		t.Errorf("unexpected extra envelope %q", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusEventsPublished(t *testing.T) {
	clientID := uuid.New()
	inbound := make(chan protocol.Envelope, 16)
	url := startHub(t, []protocol.Envelope{
		protocol.NewEnvelope(protocol.TypeClientMessage, protocol.NewClientMessage(clientID, "ping")),
	}, inbound)

	bus := eventbus.New()
	events := bus.Subscribe(eventbus.HubConnected, eventbus.MessageReceived, eventbus.ReplySent)

	a := New(testConfig(url), testLogger(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for _, wantType := range []string{eventbus.HubConnected, eventbus.MessageReceived, eventbus.ReplySent} {
		select {
		case evt := <-events:
			if evt.Type != wantType {
				t.Fatalf("event = %q, want %q", evt.Type, wantType)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}
}

func TestStatusReflectsConnection(t *testing.T) {
	inbound := make(chan protocol.Envelope, 16)
	url := startHub(t, nil, inbound)

	a := New(testConfig(url), testLogger(), nil)

	st := a.Status()
	if st.Connected {
		t.Error("status reports connected before Run")
	}
	if st.AgentID != "agent1" {
		t.Errorf("agent id = %q", st.AgentID)
	}
	if st.HubURL != url {
		t.Errorf("hub url = %q, want %q", st.HubURL, url)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, func() bool { return a.Status().Connected }, "agent never reported connected")
	if a.Status().StartedAt.IsZero() {
		t.Error("StartedAt not stamped by Run")
	}
}

func TestUnknownEnvelopeTypeIgnored(t *testing.T) {
	clientID := uuid.New()
	inbound := make(chan protocol.Envelope, 16)
	url := startHub(t, []protocol.Envelope{
		protocol.NewEnvelope("mystery.type", map[string]string{"a": "b"}),
		protocol.NewEnvelope(protocol.TypeClientMessage, protocol.NewClientMessage(clientID, "still here")),
	}, inbound)

	a := New(testConfig(url), testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	env := nextEnvelope(t, inbound, protocol.TypeAgentMessage)
	var reply protocol.AgentMessage
	decodeInto(t, env, &reply)
	if reply.Content != "echo: still here" {
		t.Errorf("reply = %q", reply.Content)
	}
}

func TestBroadcastSendsUntargetedMessage(t *testing.T) {
	inbound := make(chan protocol.Envelope, 16)
	url := startHub(t, nil, inbound)

	bus := eventbus.New()
	events := bus.Subscribe(eventbus.ReplySent)

	a := New(testConfig(url), testLogger(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, func() bool { return a.Status().Connected }, "agent never connected")

	if err := a.Broadcast("maintenance at noon"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	env := nextEnvelope(t, inbound, protocol.TypeAgentMessage)
	var msg protocol.AgentMessage
	decodeInto(t, env, &msg)
	if msg.TargetClientID != nil {
		t.Errorf("broadcast target = %v, want nil", msg.TargetClientID)
	}
	if msg.Content != "maintenance at noon" {
		t.Errorf("broadcast content = %q", msg.Content)
	}

	select {
	case evt := <-events:
		if evt.Type != eventbus.ReplySent {
			t.Fatalf("bus event = %q, want %q", evt.Type, eventbus.ReplySent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no bus event published for the broadcast")
	}
}

func TestBroadcastWithoutConnectionFails(t *testing.T) {
	a := New(testConfig("ws://127.0.0.1:0"), testLogger(), nil)
	if err := a.Broadcast("nobody home"); err == nil {
		t.Error("broadcast without a connection did not fail")
	}
}

func TestSystemEventsProduceNoReply(t *testing.T) {
	sys := protocol.NewSystemEvent(protocol.EventClientConnected)
	sys.ClientID = uuid.New().String()

	inbound := make(chan protocol.Envelope, 16)
	url := startHub(t, []protocol.Envelope{
		protocol.NewEnvelope(protocol.TypeSystem, sys),
	}, inbound)

	a := New(testConfig(url), testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, func() bool { return a.Status().Connected }, "agent never connected")

	select {
	case env := <-inbound:
		t.Errorf("unexpected reply %q to a system event", env.Type)
	case <-time.After(150 * time.Millisecond):
	}
}
