package presence

import (
	"context"
	"sync"
	"time"

	"github.com/relay/chat-app/internal/metrics"
	"github.com/relay/chat-app/internal/wire"
)

const (
	// DefaultTypingWindow is how long a typing state survives without a
	// refresh before "stopped typing" is emitted.
	DefaultTypingWindow = 2 * time.Second

	// DefaultSweepInterval is how often expired entries are collected.
	DefaultSweepInterval = 500 * time.Millisecond
)

type typingKey struct {
	channelID string
	userID    string
}

// Typing tracks per-(channel, identity) typing state. The first set emits
// TYPING_STARTED; refreshes are silent; expiry or an explicit stop emits
// TYPING_STOPPED exactly once.
type Typing struct {
	mu      sync.Mutex
	entries map[typingKey]time.Time // last refresh

	window time.Duration
	sweep  time.Duration
	bc     Broadcaster
	done   chan struct{}
	once   sync.Once
}

// NewTyping creates a typing aggregator. Zero durations take the defaults.
func NewTyping(bc Broadcaster, window, sweep time.Duration) *Typing {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Typing{
		entries: make(map[typingKey]time.Time),
		window:  window,
		sweep:   sweep,
		bc:      bc,
		done:    make(chan struct{}),
	}
}

// Start begins the background expiry sweep. It returns immediately.
func (t *Typing) Start() {
	go func() {
		ticker := time.NewTicker(t.sweep)
		defer ticker.Stop()

		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.expire(time.Now())
			}
		}
	}()
}

// Stop halts the expiry sweep.
func (t *Typing) Stop() {
	t.once.Do(func() { close(t.done) })
}

// StartTyping sets or refreshes the typing state. Only the first set (not a
// refresh) emits TYPING_STARTED to the channel, excluding the typist.
func (t *Typing) StartTyping(ctx context.Context, channelID, userID string) {
	k := typingKey{channelID, userID}

	t.mu.Lock()
	_, refreshing := t.entries[k]
	t.entries[k] = time.Now()
	n := len(t.entries)
	t.mu.Unlock()

	metrics.TypingEntries.Set(float64(n))
	if refreshing {
		return
	}
	_ = t.bc.Broadcast(ctx, channelID, wire.EventTypingStarted, wire.TypingStartedPayload{
		ChannelID: channelID,
		UserID:    userID,
	}, userID)
}

// StopTyping clears the typing state and emits TYPING_STOPPED if it was set.
// It short-circuits the expiry timer: the sweep will not emit a second stop.
func (t *Typing) StopTyping(ctx context.Context, channelID, userID string) {
	k := typingKey{channelID, userID}

	t.mu.Lock()
	_, existed := t.entries[k]
	delete(t.entries, k)
	n := len(t.entries)
	t.mu.Unlock()

	metrics.TypingEntries.Set(float64(n))
	if !existed {
		return
	}
	_ = t.bc.Broadcast(ctx, channelID, wire.EventTypingStopped, wire.TypingStoppedPayload{
		ChannelID: channelID,
		UserID:    userID,
	}, userID)
}

// ClearIdentity drops every typing entry for an identity (used on
// disconnect) and emits the corresponding stop events.
func (t *Typing) ClearIdentity(ctx context.Context, userID string) {
	t.mu.Lock()
	var expired []typingKey
	for k := range t.entries {
		if k.userID == userID {
			expired = append(expired, k)
			delete(t.entries, k)
		}
	}
	n := len(t.entries)
	t.mu.Unlock()

	metrics.TypingEntries.Set(float64(n))
	t.emitStopped(ctx, expired)
}

// expire removes entries idle past the window and emits their stop events.
func (t *Typing) expire(now time.Time) {
	t.mu.Lock()
	var expired []typingKey
	for k, last := range t.entries {
		if now.Sub(last) > t.window {
			expired = append(expired, k)
			delete(t.entries, k)
		}
	}
	n := len(t.entries)
	t.mu.Unlock()

	metrics.TypingEntries.Set(float64(n))
	t.emitStopped(context.Background(), expired)
}

func (t *Typing) emitStopped(ctx context.Context, keys []typingKey) {
	for _, k := range keys {
		_ = t.bc.Broadcast(ctx, k.channelID, wire.EventTypingStopped, wire.TypingStoppedPayload{
			ChannelID: k.channelID,
			UserID:    k.userID,
		}, k.userID)
	}
}
