// Package presence tracks online/offline transitions and per-channel
// ephemeral typing state with automatic expiry.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/relay/chat-app/internal/chat"
	"github.com/relay/chat-app/internal/store"
	"github.com/relay/chat-app/internal/wire"
)

// Broadcaster pushes an event to a channel's members. *fanout.Fanout
// satisfies it.
type Broadcaster interface {
	Broadcast(ctx context.Context, channelID, event string, payload interface{}, excludeIdentity string) error
}

// Presence records identity transitions and announces them to every channel
// the identity belongs to.
type Presence struct {
	sessions store.SessionStore
	channels store.ChannelStore
	bc       Broadcaster
}

// New creates a Presence aggregator.
func New(sessions store.SessionStore, channels store.ChannelStore, bc Broadcaster) *Presence {
	return &Presence{sessions: sessions, channels: channels, bc: bc}
}

// SetOnline marks the identity online and fans out USER_STATUS_CHANGED.
func (p *Presence) SetOnline(ctx context.Context, identityID string) {
	p.transition(ctx, identityID, chat.StatusOnline)
}

// SetOffline marks the identity offline with a last-seen timestamp and fans
// out USER_STATUS_CHANGED. Called on any disconnect, forced eviction
// included.
func (p *Presence) SetOffline(ctx context.Context, identityID string) {
	p.transition(ctx, identityID, chat.StatusOffline)
}

func (p *Presence) transition(ctx context.Context, identityID, status string) {
	now := time.Now().UnixMilli()
	if err := p.sessions.SetPresence(ctx, identityID, status, now); err != nil {
		log.Printf("[presence] persist %s=%s: %v", identityID, status, err)
	}

	channelIDs, err := p.channels.ChannelsFor(ctx, identityID)
	if err != nil {
		log.Printf("[presence] channels for %s: %v", identityID, err)
		return
	}

	payload := wire.UserStatusChangedPayload{
		UserID:   identityID,
		Status:   status,
		LastSeen: now,
	}
	for _, chID := range channelIDs {
		if err := p.bc.Broadcast(ctx, chID, wire.EventUserStatusChanged, payload, identityID); err != nil {
			log.Printf("[presence] broadcast channel=%s: %v", chID, err)
		}
	}
}
