package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relay/chat-app/internal/wire"
)

// recordingBroadcaster captures every broadcast for assertions.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	channelID string
	event     string
	payload   interface{}
	exclude   string
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, channelID, event string, payload interface{}, excludeIdentity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{channelID, event, payload, excludeIdentity})
	return nil
}

func (r *recordingBroadcaster) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingBroadcaster) count(event string) int {
	n := 0
	for _, e := range r.all() {
		if e.event == event {
			n++
		}
	}
	return n
}

func TestStartTyping_FirstSetEmitsOnce(t *testing.T) {
	bc := &recordingBroadcaster{}
	typ := NewTyping(bc, 0, 0)
	ctx := context.Background()

	typ.StartTyping(ctx, "ch-1", "alice")
	typ.StartTyping(ctx, "ch-1", "alice") // refresh, must stay silent
	typ.StartTyping(ctx, "ch-1", "alice")

	if n := bc.count(wire.EventTypingStarted); n != 1 {
		t.Fatalf("expected exactly 1 TYPING_STARTED, got %d", n)
	}
	ev := bc.all()[0]
	if ev.channelID != "ch-1" || ev.exclude != "alice" {
		t.Errorf("unexpected broadcast: %+v", ev)
	}
}

func TestStartTyping_IndependentPerChannel(t *testing.T) {
	bc := &recordingBroadcaster{}
	typ := NewTyping(bc, 0, 0)
	ctx := context.Background()

	typ.StartTyping(ctx, "ch-1", "alice")
	typ.StartTyping(ctx, "ch-2", "alice")

	if n := bc.count(wire.EventTypingStarted); n != 2 {
		t.Fatalf("expected 2 TYPING_STARTED (one per channel), got %d", n)
	}
}

func TestStopTyping_EmitsExactlyOnce(t *testing.T) {
	bc := &recordingBroadcaster{}
	typ := NewTyping(bc, 0, 0)
	ctx := context.Background()

	typ.StartTyping(ctx, "ch-1", "alice")
	typ.StopTyping(ctx, "ch-1", "alice")
	typ.StopTyping(ctx, "ch-1", "alice") // already cleared, silent

	if n := bc.count(wire.EventTypingStopped); n != 1 {
		t.Fatalf("expected exactly 1 TYPING_STOPPED, got %d", n)
	}
}

func TestStopTyping_WithoutStartIsSilent(t *testing.T) {
	bc := &recordingBroadcaster{}
	typ := NewTyping(bc, 0, 0)

	typ.StopTyping(context.Background(), "ch-1", "alice")

	if n := bc.count(wire.EventTypingStopped); n != 0 {
		t.Fatalf("expected no TYPING_STOPPED, got %d", n)
	}
}

func TestExpire_EmitsStopAfterWindow(t *testing.T) {
	bc := &recordingBroadcaster{}
	typ := NewTyping(bc, 2*time.Second, time.Hour) // sweep driven manually
	ctx := context.Background()

	typ.StartTyping(ctx, "ch-1", "alice")

	// Inside the window: nothing expires.
	typ.expire(time.Now().Add(time.Second))
	if n := bc.count(wire.EventTypingStopped); n != 0 {
		t.Fatalf("expected no stop inside the window, got %d", n)
	}

	typ.expire(time.Now().Add(3 * time.Second))
	if n := bc.count(wire.EventTypingStopped); n != 1 {
		t.Fatalf("expected 1 stop after expiry, got %d", n)
	}

	// The entry is gone; expiring again emits nothing.
	typ.expire(time.Now().Add(10 * time.Second))
	if n := bc.count(wire.EventTypingStopped); n != 1 {
		t.Fatalf("expiry must be one-shot, got %d stops", n)
	}
}

func TestExpire_RefreshExtendsWindow(t *testing.T) {
	bc := &recordingBroadcaster{}
	typ := NewTyping(bc, 2*time.Second, time.Hour)
	ctx := context.Background()

	typ.StartTyping(ctx, "ch-1", "alice")
	time.Sleep(50 * time.Millisecond)
	typ.StartTyping(ctx, "ch-1", "alice") // refresh

	// 2s past the first set but inside the refreshed window.
	typ.expire(time.Now().Add(1900 * time.Millisecond))
	if n := bc.count(wire.EventTypingStopped); n != 0 {
		t.Fatalf("refresh should extend the window, got %d stops", n)
	}
}

func TestClearIdentity_StopsEverything(t *testing.T) {
	bc := &recordingBroadcaster{}
	typ := NewTyping(bc, 0, 0)
	ctx := context.Background()

	typ.StartTyping(ctx, "ch-1", "alice")
	typ.StartTyping(ctx, "ch-2", "alice")
	typ.StartTyping(ctx, "ch-1", "bob")

	typ.ClearIdentity(ctx, "alice")

	if n := bc.count(wire.EventTypingStopped); n != 2 {
		t.Fatalf("expected stops for alice's 2 channels, got %d", n)
	}

	// bob's entry must survive.
	typ.StopTyping(ctx, "ch-1", "bob")
	if n := bc.count(wire.EventTypingStopped); n != 3 {
		t.Fatalf("bob's typing state should have survived, got %d stops total", n)
	}
}
