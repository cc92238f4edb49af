// Package chat defines the core domain types shared by the wire protocol,
// the stores, and the client: identities, channels, messages, reactions, and
// read receipts.
package chat

// Presence status values for an identity.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Channel kinds.
const (
	KindGroup  = "group"
	KindDirect = "direct"
)

// Identity is a user as seen by the messaging core. It is owned by the
// external session/user store; the core only reads it.
type Identity struct {
	ID          string `msgpack:"id" json:"id"`
	DisplayName string `msgpack:"display_name" json:"display_name"`
	Address     string `msgpack:"address" json:"address"` // wallet-style public identifier
	AvatarURL   string `msgpack:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	Status      string `msgpack:"status" json:"status"` // online | offline
	LastSeen    int64  `msgpack:"last_seen" json:"last_seen"` // unix millis
}

// Channel is a conversation scope: either a named group or a pairwise direct
// channel. Direct channels always have exactly two members.
type Channel struct {
	ID        string   `msgpack:"id" json:"id"`
	Kind      string   `msgpack:"kind" json:"kind"` // group | direct
	Name      string   `msgpack:"name,omitempty" json:"name,omitempty"`
	MemberIDs []string `msgpack:"member_ids" json:"member_ids"`
	CreatedAt int64    `msgpack:"created_at" json:"created_at"`
	UpdatedAt int64    `msgpack:"updated_at" json:"updated_at"`
}

// IsMember reports whether the identity belongs to the channel.
func (c *Channel) IsMember(identityID string) bool {
	for _, id := range c.MemberIDs {
		if id == identityID {
			return true
		}
	}
	return false
}

// Attachment is a reference to an uploaded file. Upload handling lives
// outside the core; only the reference travels with the message.
type Attachment struct {
	URL      string `msgpack:"url" json:"url"`
	MimeType string `msgpack:"mime_type,omitempty" json:"mime_type,omitempty"`
	Size     int64  `msgpack:"size,omitempty" json:"size,omitempty"`
}

// Reaction is a single emoji reaction, unique per (reactor, emoji) pair.
type Reaction struct {
	Emoji  string `msgpack:"emoji" json:"emoji"`
	UserID string `msgpack:"user_id" json:"user_id"`
}

// ReadReceipt records that a reader has seen a message, unique per reader.
type ReadReceipt struct {
	ReaderID string `msgpack:"reader_id" json:"reader_id"`
	ReadAt   int64  `msgpack:"read_at" json:"read_at"` // unix millis
}

// Message is one chat message with its reactions and read receipts.
type Message struct {
	ID          string       `msgpack:"id" json:"id"`
	ChannelID   string       `msgpack:"channel_id" json:"channel_id"`
	AuthorID    string       `msgpack:"author_id" json:"author_id"`
	Content     string       `msgpack:"content" json:"content"`
	Attachments []Attachment `msgpack:"attachments,omitempty" json:"attachments,omitempty"`
	ReplyToID   string       `msgpack:"reply_to_id,omitempty" json:"reply_to_id,omitempty"`
	SentAt      int64        `msgpack:"sent_at" json:"sent_at"` // unix millis, server receipt time
	EditedAt    int64        `msgpack:"edited_at,omitempty" json:"edited_at,omitempty"`
	Reactions   []Reaction   `msgpack:"reactions,omitempty" json:"reactions,omitempty"`
	Receipts    []ReadReceipt `msgpack:"receipts,omitempty" json:"receipts,omitempty"`

	// IsOptimistic marks a client-side provisional message awaiting server
	// confirmation. It never travels on the wire from the server.
	IsOptimistic bool `msgpack:"is_optimistic,omitempty" json:"is_optimistic,omitempty"`
}

// HasReaction reports whether the (emoji, user) pair is already present.
func (m *Message) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}
