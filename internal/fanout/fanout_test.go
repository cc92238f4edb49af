package fanout

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/relay/chat-app/internal/chat"
	"github.com/relay/chat-app/internal/registry"
	"github.com/relay/chat-app/internal/store"
	"github.com/relay/chat-app/internal/wire"
)

// fakeChannels is an in-memory store.ChannelStore good enough for fan-out:
// only Members is exercised here.
type fakeChannels struct {
	members map[string][]string
}

func (f *fakeChannels) Get(ctx context.Context, channelID string) (*chat.Channel, error) {
	ids, ok := f.members[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &chat.Channel{ID: channelID, Kind: chat.KindGroup, MemberIDs: ids}, nil
}

func (f *fakeChannels) Members(ctx context.Context, channelID string) ([]string, error) {
	ids, ok := f.members[channelID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ids, nil
}

func (f *fakeChannels) FindOrCreateDirect(ctx context.Context, a, b string) (*chat.Channel, bool, error) {
	return nil, false, nil
}
func (f *fakeChannels) AddMember(ctx context.Context, channelID, identityID string) error { return nil }
func (f *fakeChannels) RemoveMember(ctx context.Context, channelID, identityID string) error {
	return nil
}
func (f *fakeChannels) ChannelsFor(ctx context.Context, identityID string) ([]string, error) {
	return nil, nil
}

// connectIdentity registers a live pipe-backed connection and returns a
// channel of decoded envelopes the "peer" receives.
func connectIdentity(t *testing.T, reg *registry.Registry, identityID string, fd int) <-chan *wire.Envelope {
	t.Helper()
	server, peer := net.Pipe()
	c := registry.NewConn("conn-"+identityID, identityID, server, fd, time.Second)
	reg.Register(c)
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
	return received
}

func expectEnvelope(t *testing.T, ch <-chan *wire.Envelope, event string) *wire.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		if env.Event != event {
			t.Fatalf("expected event %q, got %q", event, env.Event)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", event)
		return nil
	}
}

func expectSilence(t *testing.T, ch <-chan *wire.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("expected no delivery, got %q", env.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Test: Local broadcast reaches online members and skips the excluded one
// ---------------------------------------------------------------------------

func TestBroadcast_LocalDelivery(t *testing.T) {
	reg := registry.New()
	channels := &fakeChannels{members: map[string][]string{
		"ch-1": {"alice", "bob", "carol"},
	}}
	f := New(reg, channels, nil)

	aliceRx := connectIdentity(t, reg, "alice", 100)
	bobRx := connectIdentity(t, reg, "bob", 101)
	// carol stays offline: no registered connection.

	err := f.Broadcast(context.Background(), "ch-1", wire.EventTypingStarted,
		wire.TypingStartedPayload{ChannelID: "ch-1", UserID: "alice"}, "alice")
	if err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	env := expectEnvelope(t, bobRx, wire.EventTypingStarted)
	var p wire.TypingStartedPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.UserID != "alice" || p.ChannelID != "ch-1" {
		t.Errorf("payload mismatch: %+v", p)
	}

	expectSilence(t, aliceRx) // excluded originator
}

// ---------------------------------------------------------------------------
// Test: SendTo targets one identity only
// ---------------------------------------------------------------------------

func TestSendTo_SingleIdentity(t *testing.T) {
	reg := registry.New()
	f := New(reg, &fakeChannels{members: map[string][]string{}}, nil)

	aliceRx := connectIdentity(t, reg, "alice", 110)
	bobRx := connectIdentity(t, reg, "bob", 111)

	if err := f.SendTo("alice", wire.EventPong, wire.PongPayload{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectEnvelope(t, aliceRx, wire.EventPong)
	expectSilence(t, bobRx)

	// Sending to an offline identity is a quiet no-op.
	if err := f.SendTo("nobody", wire.EventPong, wire.PongPayload{}); err != nil {
		t.Errorf("offline SendTo should not error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: With a bridge configured, frames ride the bridge instead of local
// delivery, and HandleBridgeEvent completes the loop
// ---------------------------------------------------------------------------

type fakeBridge struct {
	published chan []byte
}

func (b *fakeBridge) PublishChannelEvent(channelID string, data []byte) error {
	b.published <- data
	return nil
}

func TestBroadcast_BridgeRoundTrip(t *testing.T) {
	reg := registry.New()
	channels := &fakeChannels{members: map[string][]string{
		"ch-1": {"alice", "bob"},
	}}
	bridge := &fakeBridge{published: make(chan []byte, 1)}
	f := New(reg, channels, bridge)

	aliceRx := connectIdentity(t, reg, "alice", 120)
	bobRx := connectIdentity(t, reg, "bob", 121)

	err := f.Broadcast(context.Background(), "ch-1", wire.EventUserJoined,
		wire.UserJoinedPayload{ChannelID: "ch-1", UserID: "bob"}, "")
	if err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	// Nothing is delivered until the bridge event comes back around.
	expectSilence(t, aliceRx)

	var data []byte
	select {
	case data = <-bridge.published:
	case <-time.After(time.Second):
		t.Fatal("nothing published to the bridge")
	}

	var ev bridgeEvent
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		t.Fatalf("bad bridge payload: %v", err)
	}
	if ev.ChannelID != "ch-1" {
		t.Errorf("expected channel ch-1, got %s", ev.ChannelID)
	}

	f.HandleBridgeEvent(data)

	expectEnvelope(t, aliceRx, wire.EventUserJoined)
	expectEnvelope(t, bobRx, wire.EventUserJoined)
}

// ---------------------------------------------------------------------------
// Test: A dead member connection does not block delivery to the rest
// ---------------------------------------------------------------------------

func TestBroadcast_DeadConnectionSkipped(t *testing.T) {
	reg := registry.New()
	channels := &fakeChannels{members: map[string][]string{
		"ch-1": {"alice", "bob"},
	}}
	f := New(reg, channels, nil)

	// alice's connection is closed but still registered (the read loop has
	// not cleaned it up yet).
	server, _ := net.Pipe()
	dead := registry.NewConn("conn-alice", "alice", server, 130, time.Second)
	reg.Register(dead)
	dead.Close()

	bobRx := connectIdentity(t, reg, "bob", 131)

	err := f.Broadcast(context.Background(), "ch-1", wire.EventUserLeft,
		wire.UserLeftPayload{ChannelID: "ch-1", UserID: "carol"}, "")
	if err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	expectEnvelope(t, bobRx, wire.EventUserLeft)
}
