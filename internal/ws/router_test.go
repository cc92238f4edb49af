package ws

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"

	"github.com/relay/chat-app/internal/registry"
	"github.com/relay/chat-app/internal/wire"
)

// newTestConn builds a pipe-backed connection handle and a channel of the
// envelopes its peer receives.
func newTestConn(t *testing.T, identityID string) (*registry.Conn, <-chan *wire.Envelope) {
	t.Helper()
	server, peer := net.Pipe()
	c := registry.NewConn("conn-"+identityID, identityID, server, -1, time.Second)
	t.Cleanup(c.Close)
	t.Cleanup(func() { peer.Close() })

	received := make(chan *wire.Envelope, 16)
	go func() {
		for {
			data, err := wsutil.ReadServerBinary(peer)
			if err != nil {
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				continue
			}
			received <- env
		}
	}()
	return c, received
}

func waitEnvelope(t *testing.T, ch <-chan *wire.Envelope) *wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return nil
	}
}

func encodeFrame(t *testing.T, event string, payload interface{}) []byte {
	t.Helper()
	data, err := wire.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	return data
}

// ---------------------------------------------------------------------------
// Test: PING gets a PONG without any registered handler
// ---------------------------------------------------------------------------

func TestDispatch_PingPong(t *testing.T) {
	r := NewRouter()
	conn, rx := newTestConn(t, "alice")

	r.Dispatch(conn, encodeFrame(t, wire.EventPing, wire.PingPayload{}))

	env := waitEnvelope(t, rx)
	if env.Event != wire.EventPong {
		t.Fatalf("expected PONG, got %q", env.Event)
	}
}

// ---------------------------------------------------------------------------
// Test: Handlers receive the decoded payload and the right connection
// ---------------------------------------------------------------------------

func TestDispatch_RoutesToHandler(t *testing.T) {
	r := NewRouter()
	conn, _ := newTestConn(t, "alice")

	called := make(chan wire.StartTypingPayload, 1)
	r.Register(wire.EventStartTyping, func(ctx context.Context, c *registry.Conn, payload interface{}) error {
		if c.IdentityID != "alice" {
			t.Errorf("wrong connection: %s", c.IdentityID)
		}
		called <- payload.(wire.StartTypingPayload)
		return nil
	})

	r.Dispatch(conn, encodeFrame(t, wire.EventStartTyping, wire.StartTypingPayload{ChannelID: "ch-9"}))

	select {
	case p := <-called:
		if p.ChannelID != "ch-9" {
			t.Errorf("payload mismatch: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

// ---------------------------------------------------------------------------
// Test: A typed handler error becomes an ERROR envelope for the caller
// ---------------------------------------------------------------------------

func TestDispatch_HandlerErrorEnvelope(t *testing.T) {
	r := NewRouter()
	conn, rx := newTestConn(t, "alice")

	r.Register(wire.EventSendMessage, func(ctx context.Context, c *registry.Conn, payload interface{}) error {
		return Errorf("not_a_member", "not a member of channel ch-1")
	})

	r.Dispatch(conn, encodeFrame(t, wire.EventSendMessage, wire.SendMessagePayload{ChannelID: "ch-1", Content: "x"}))

	env := waitEnvelope(t, rx)
	if env.Event != wire.EventError {
		t.Fatalf("expected ERROR, got %q", env.Event)
	}
	var p wire.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "not_a_member" {
		t.Errorf("expected code not_a_member, got %q", p.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: A panicking handler yields internal_error, not a crash
// ---------------------------------------------------------------------------

func TestDispatch_HandlerPanicIsolated(t *testing.T) {
	r := NewRouter()
	conn, rx := newTestConn(t, "alice")

	r.Register(wire.EventStopTyping, func(ctx context.Context, c *registry.Conn, payload interface{}) error {
		panic("handler bug")
	})

	r.Dispatch(conn, encodeFrame(t, wire.EventStopTyping, wire.StopTypingPayload{ChannelID: "ch-1"}))

	env := waitEnvelope(t, rx)
	var p wire.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "internal_error" {
		t.Errorf("expected internal_error, got %q", p.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed frames are dropped without a reply or a close
// ---------------------------------------------------------------------------

func TestDispatch_MalformedFrameDropped(t *testing.T) {
	r := NewRouter()
	conn, rx := newTestConn(t, "alice")

	r.Dispatch(conn, []byte{0xde, 0xad, 0xbe, 0xef})

	select {
	case env := <-rx:
		t.Fatalf("expected no reply to a malformed frame, got %q", env.Event)
	case <-time.After(100 * time.Millisecond):
	}

	// The connection must remain usable.
	r.Dispatch(conn, encodeFrame(t, wire.EventPing, wire.PingPayload{}))
	if env := waitEnvelope(t, rx); env.Event != wire.EventPong {
		t.Fatalf("connection unusable after malformed frame: got %q", env.Event)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only and unregistered events are rejected
// ---------------------------------------------------------------------------

func TestDispatch_RejectsServerEvents(t *testing.T) {
	r := NewRouter()
	conn, rx := newTestConn(t, "alice")

	r.Dispatch(conn, encodeFrame(t, wire.EventMessageReceived, wire.MessageReceivedPayload{}))

	env := waitEnvelope(t, rx)
	var p wire.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "unsupported_event" {
		t.Errorf("expected unsupported_event, got %q", p.Code)
	}
}

func TestDispatch_UnregisteredClientEvent(t *testing.T) {
	r := NewRouter()
	conn, rx := newTestConn(t, "alice")

	r.Dispatch(conn, encodeFrame(t, wire.EventMarkAsRead, wire.MarkAsReadPayload{MessageID: "m-1"}))

	env := waitEnvelope(t, rx)
	var p wire.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != "unsupported_event" {
		t.Errorf("expected unsupported_event, got %q", p.Code)
	}
}
