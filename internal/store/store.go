// Package store declares the external collaborator interfaces the messaging
// core depends on: session resolution, channel membership, and message
// history. The core treats these as the single source of truth and never
// caches their answers beyond a single operation.
package store

import (
	"context"
	"errors"

	"github.com/relay/chat-app/internal/chat"
)

var (
	// ErrSessionNotFound means the token does not resolve to a live identity.
	ErrSessionNotFound = errors.New("store: session not found or expired")

	// ErrNotFound means the requested channel or message does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotMember means the identity does not belong to the channel.
	ErrNotMember = errors.New("store: identity is not a channel member")

	// ErrNotAuthor means the identity did not author the message it is
	// trying to modify.
	ErrNotAuthor = errors.New("store: identity is not the message author")
)

// SessionStore maps opaque tokens to identities and records presence.
type SessionStore interface {
	// Resolve returns the identity for a non-expired token, or
	// ErrSessionNotFound.
	Resolve(ctx context.Context, token string) (*chat.Identity, error)

	// SetPresence records an online/offline transition with a last-seen
	// timestamp in unix millis.
	SetPresence(ctx context.Context, identityID, status string, lastSeen int64) error
}

// ChannelStore owns channel records and membership.
type ChannelStore interface {
	// Get returns a channel with its member set, or ErrNotFound.
	Get(ctx context.Context, channelID string) (*chat.Channel, error)

	// Members returns the current member ids of a channel. Fan-out calls
	// this once per broadcast and never caches the result.
	Members(ctx context.Context, channelID string) ([]string, error)

	// FindOrCreateDirect returns the direct channel for the unordered pair
	// (a, b), creating it if absent. Two concurrent calls for the same pair
	// must resolve to the same channel. The bool reports whether the
	// channel was created by this call.
	FindOrCreateDirect(ctx context.Context, a, b string) (*chat.Channel, bool, error)

	// AddMember adds an identity to a group channel (idempotent).
	AddMember(ctx context.Context, channelID, identityID string) error

	// RemoveMember removes an identity from a group channel (idempotent).
	RemoveMember(ctx context.Context, channelID, identityID string) error

	// ChannelsFor returns the ids of every channel the identity belongs to.
	ChannelsFor(ctx context.Context, identityID string) ([]string, error)
}

// MessageStore owns message history, reactions, and read receipts.
type MessageStore interface {
	// Insert persists a new message.
	Insert(ctx context.Context, msg *chat.Message) error

	// Get returns a message, or ErrNotFound.
	Get(ctx context.Context, messageID string) (*chat.Message, error)

	// UpdateContent replaces the content of a message authored by authorID
	// and returns the updated message. ErrNotAuthor if someone else wrote
	// it, ErrNotFound if it is gone.
	UpdateContent(ctx context.Context, messageID, authorID, content string, editedAt int64) (*chat.Message, error)

	// Delete removes a message authored by authorID and returns its channel
	// id for fan-out.
	Delete(ctx context.Context, messageID, authorID string) (string, error)

	// AddReaction records an (emoji, user) reaction. Idempotent: a repeat
	// reports added=false. Returns the channel id for fan-out.
	AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, string, error)

	// RemoveReaction removes an (emoji, user) reaction. Idempotent.
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, string, error)

	// UpsertReceipt records that readerID read the message at readAt (unix
	// millis). A later readAt updates the stored receipt; the same or an
	// earlier one is a no-op reported as updated=false. A missing message
	// is a silent no-op (races between deletion and read-marking are
	// expected).
	UpsertReceipt(ctx context.Context, messageID, readerID string, readAt int64) (bool, string, error)

	// History returns up to limit messages of a channel sent strictly
	// before the unix-millis cursor (0 = from latest), in chronological
	// order, and whether older messages remain.
	History(ctx context.Context, channelID string, before int64, limit int) ([]chat.Message, bool, error)
}
