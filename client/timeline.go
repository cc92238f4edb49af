package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay/chat-app/internal/chat"
)

// reconcileWindow is the widest clock skew tolerated when matching an
// optimistic message against its server confirmation.
const reconcileWindow = 30 * time.Second

// Timeline holds the client's per-channel view of messages, including
// optimistic entries that are shown immediately and replaced in place when
// the server confirms them.
type Timeline struct {
	mu       sync.Mutex
	channels map[string][]chat.Message
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{channels: make(map[string][]chat.Message)}
}

// AddOptimistic appends a provisional message for immediate display and
// returns it. The provisional ID is local only; the server assigns the real
// one.
func (t *Timeline) AddOptimistic(channelID, authorID, content string) chat.Message {
	msg := chat.Message{
		ID:           uuid.New().String(),
		ChannelID:    channelID,
		AuthorID:     authorID,
		Content:      content,
		SentAt:       time.Now().UnixMilli(),
		IsOptimistic: true,
	}

	t.mu.Lock()
	t.channels[channelID] = append(t.channels[channelID], msg)
	t.mu.Unlock()
	return msg
}

// ApplyConfirmed merges a server-confirmed message into the timeline. If an
// optimistic entry with the same author and content sits within the
// reconcile window, it is replaced in place, keeping its display position.
// A confirmation already present by ID is a duplicate and is dropped.
// Otherwise the message is appended.
func (t *Timeline) ApplyConfirmed(msg chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg.IsOptimistic = false
	msgs := t.channels[msg.ChannelID]

	for i := range msgs {
		if msgs[i].ID == msg.ID {
			return // duplicate delivery
		}
	}

	for i := range msgs {
		if !msgs[i].IsOptimistic {
			continue
		}
		if msgs[i].AuthorID != msg.AuthorID || msgs[i].Content != msg.Content {
			continue
		}
		// The window is exclusive: a confirmation exactly reconcileWindow away
		// is treated as a different message.
		delta := time.Duration(abs64(msg.SentAt-msgs[i].SentAt)) * time.Millisecond
		if delta >= reconcileWindow {
			continue
		}
		msgs[i] = msg
		return
	}

	t.channels[msg.ChannelID] = append(msgs, msg)
}

// ApplyHistory merges a page of history (chronological order) in front of the
// existing timeline, skipping messages already present by ID.
func (t *Timeline) ApplyHistory(channelID string, page []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.channels[channelID]
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}

	merged := make([]chat.Message, 0, len(page)+len(existing))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	t.channels[channelID] = append(merged, existing...)
}

// Messages returns a copy of the channel's current timeline.
func (t *Timeline) Messages(channelID string) []chat.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.channels[channelID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Remove deletes a message by ID, if present.
func (t *Timeline) Remove(channelID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgs := t.channels[channelID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			t.channels[channelID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
