package client

import (
	"testing"
	"time"

	"github.com/relay/chat-app/internal/chat"
)

func confirmed(id, channelID, authorID, content string, sentAt int64) chat.Message {
	return chat.Message{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  authorID,
		Content:   content,
		SentAt:    sentAt,
	}
}

func TestTimeline_OptimisticReplacedInPlace(t *testing.T) {
	tl := NewTimeline()

	tl.ApplyConfirmed(confirmed("m-1", "ch-1", "bob", "earlier", 1000))
	opt := tl.AddOptimistic("ch-1", "alice", "my draft")
	tl.ApplyConfirmed(confirmed("m-2", "ch-1", "bob", "later", time.Now().UnixMilli()))

	server := confirmed("m-3", "ch-1", "alice", "my draft", time.Now().UnixMilli())
	tl.ApplyConfirmed(server)

	msgs := tl.Messages("ch-1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// The optimistic entry keeps its slot (index 1) but now carries the
	// server identity.
	if msgs[1].ID != "m-3" {
		t.Errorf("expected confirmed id at the optimistic slot, got %q", msgs[1].ID)
	}
	if msgs[1].IsOptimistic {
		t.Error("reconciled message must not stay optimistic")
	}
	if msgs[1].ID == opt.ID {
		t.Error("provisional id should have been replaced")
	}
}

func TestTimeline_DuplicateConfirmationDropped(t *testing.T) {
	tl := NewTimeline()

	msg := confirmed("m-1", "ch-1", "alice", "hello", time.Now().UnixMilli())
	tl.ApplyConfirmed(msg)
	tl.ApplyConfirmed(msg)
	tl.ApplyConfirmed(msg)

	if n := len(tl.Messages("ch-1")); n != 1 {
		t.Fatalf("expected 1 message after duplicate deliveries, got %d", n)
	}
}

func TestTimeline_NoMatchOutsideWindow(t *testing.T) {
	tl := NewTimeline()

	tl.AddOptimistic("ch-1", "alice", "old draft")

	// Same author and content but far outside the reconcile window: this is
	// a different message, not a confirmation.
	stale := confirmed("m-1", "ch-1", "alice", "old draft",
		time.Now().Add(-time.Minute).UnixMilli())
	tl.ApplyConfirmed(stale)

	msgs := tl.Messages("ch-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[0].IsOptimistic {
		t.Error("the optimistic entry should remain unconfirmed")
	}
}

func TestTimeline_ExactWindowBoundaryNotMatched(t *testing.T) {
	tl := NewTimeline()
	opt := tl.AddOptimistic("ch-1", "alice", "draft")

	// Exactly the window apart counts as outside it.
	edge := confirmed("m-1", "ch-1", "alice", "draft",
		opt.SentAt+reconcileWindow.Milliseconds())
	tl.ApplyConfirmed(edge)

	msgs := tl.Messages("ch-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[0].IsOptimistic {
		t.Error("the optimistic entry should remain unconfirmed")
	}

	// One millisecond inside the window reconciles.
	inside := confirmed("m-2", "ch-1", "alice", "draft",
		opt.SentAt+reconcileWindow.Milliseconds()-1)
	tl.ApplyConfirmed(inside)

	msgs = tl.Messages("ch-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after reconciliation, got %d", len(msgs))
	}
	if msgs[0].IsOptimistic || msgs[0].ID != "m-2" {
		t.Errorf("expected the draft confirmed in place: %+v", msgs[0])
	}
}

func TestTimeline_NoMatchDifferentAuthorOrContent(t *testing.T) {
	tl := NewTimeline()
	tl.AddOptimistic("ch-1", "alice", "draft")

	tl.ApplyConfirmed(confirmed("m-1", "ch-1", "bob", "draft", time.Now().UnixMilli()))
	tl.ApplyConfirmed(confirmed("m-2", "ch-1", "alice", "different", time.Now().UnixMilli()))

	msgs := tl.Messages("ch-1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if !msgs[0].IsOptimistic {
		t.Error("optimistic entry must survive non-matching confirmations")
	}
}

func TestTimeline_FirstMatchingOptimisticWins(t *testing.T) {
	tl := NewTimeline()

	// Two identical drafts; one confirmation should reconcile only the
	// first.
	tl.AddOptimistic("ch-1", "alice", "same text")
	tl.AddOptimistic("ch-1", "alice", "same text")

	tl.ApplyConfirmed(confirmed("m-1", "ch-1", "alice", "same text", time.Now().UnixMilli()))

	msgs := tl.Messages("ch-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].IsOptimistic || msgs[0].ID != "m-1" {
		t.Errorf("first draft should be confirmed: %+v", msgs[0])
	}
	if !msgs[1].IsOptimistic {
		t.Error("second draft should still be pending")
	}
}

func TestTimeline_HistoryMergesInFront(t *testing.T) {
	tl := NewTimeline()

	live := confirmed("m-3", "ch-1", "alice", "live one", 3000)
	tl.ApplyConfirmed(live)

	tl.ApplyHistory("ch-1", []chat.Message{
		confirmed("m-1", "ch-1", "bob", "first", 1000),
		confirmed("m-2", "ch-1", "alice", "second", 2000),
		live, // overlap with the live tail must not duplicate
	})

	msgs := tl.Messages("ch-1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m-1" || msgs[1].ID != "m-2" || msgs[2].ID != "m-3" {
		t.Errorf("unexpected order: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestTimeline_Remove(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyConfirmed(confirmed("m-1", "ch-1", "alice", "x", 1000))
	tl.ApplyConfirmed(confirmed("m-2", "ch-1", "alice", "y", 2000))

	tl.Remove("ch-1", "m-1")

	msgs := tl.Messages("ch-1")
	if len(msgs) != 1 || msgs[0].ID != "m-2" {
		t.Errorf("unexpected timeline after removal: %+v", msgs)
	}

	// Removing a missing id is harmless.
	tl.Remove("ch-1", "nope")
}
