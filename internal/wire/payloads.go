package wire

import (
	"github.com/relay/chat-app/internal/chat"
)

// ---------------------------------------------------------------------------
// Client -> Server payload structs
// ---------------------------------------------------------------------------

// SendMessagePayload creates a new message in a channel.
type SendMessagePayload struct {
	ChannelID   string            `msgpack:"channel_id"`
	Content     string            `msgpack:"content"`
	Attachments []chat.Attachment `msgpack:"attachments,omitempty"`
	ReplyToID   string            `msgpack:"reply_to_id,omitempty"`
}

// EditMessagePayload replaces the content of an existing message.
type EditMessagePayload struct {
	MessageID string `msgpack:"message_id"`
	Content   string `msgpack:"content"`
}

// DeleteMessagePayload removes a message.
type DeleteMessagePayload struct {
	MessageID string `msgpack:"message_id"`
}

// AddReactionPayload attaches an emoji reaction to a message.
type AddReactionPayload struct {
	MessageID string `msgpack:"message_id"`
	Emoji     string `msgpack:"emoji"`
}

// RemoveReactionPayload removes the caller's reaction from a message.
type RemoveReactionPayload struct {
	MessageID string `msgpack:"message_id"`
	Emoji     string `msgpack:"emoji"`
}

// StartTypingPayload signals the caller began typing in a channel.
type StartTypingPayload struct {
	ChannelID string `msgpack:"channel_id"`
}

// StopTypingPayload signals the caller stopped typing in a channel.
type StopTypingPayload struct {
	ChannelID string `msgpack:"channel_id"`
}

// FetchMessagesPayload requests message history for a channel. Before is a
// unix-millis cursor; zero means "from the latest".
type FetchMessagesPayload struct {
	ChannelID string `msgpack:"channel_id"`
	Before    int64  `msgpack:"before,omitempty"`
	Limit     int    `msgpack:"limit,omitempty"`
}

// JoinChannelPayload adds the caller to a group channel, or resolves the
// direct channel for (caller, PeerID) when PeerID is set.
type JoinChannelPayload struct {
	ChannelID string `msgpack:"channel_id,omitempty"`
	PeerID    string `msgpack:"peer_id,omitempty"`
}

// LeaveChannelPayload removes the caller from a group channel.
type LeaveChannelPayload struct {
	ChannelID string `msgpack:"channel_id"`
}

// MarkAsReadPayload acknowledges that the caller has read a message.
type MarkAsReadPayload struct {
	MessageID string `msgpack:"message_id"`
}

// PingPayload is the client heartbeat probe.
type PingPayload struct{}

// ---------------------------------------------------------------------------
// Server -> Client payload structs
// ---------------------------------------------------------------------------

// MessageReceivedPayload carries a server-confirmed message.
type MessageReceivedPayload struct {
	Message chat.Message `msgpack:"message"`
}

// MessageEditedPayload carries the updated message after an edit.
type MessageEditedPayload struct {
	Message chat.Message `msgpack:"message"`
}

// MessageDeletedPayload announces a message removal.
type MessageDeletedPayload struct {
	ChannelID string `msgpack:"channel_id"`
	MessageID string `msgpack:"message_id"`
}

// ReactionAddedPayload announces a new reaction on a message.
type ReactionAddedPayload struct {
	ChannelID string        `msgpack:"channel_id"`
	MessageID string        `msgpack:"message_id"`
	Reaction  chat.Reaction `msgpack:"reaction"`
}

// ReactionRemovedPayload announces a reaction removal.
type ReactionRemovedPayload struct {
	ChannelID string `msgpack:"channel_id"`
	MessageID string `msgpack:"message_id"`
	UserID    string `msgpack:"user_id"`
	Emoji     string `msgpack:"emoji"`
}

// TypingStartedPayload announces that a member began typing.
type TypingStartedPayload struct {
	ChannelID string `msgpack:"channel_id"`
	UserID    string `msgpack:"user_id"`
}

// TypingStoppedPayload announces that a member stopped typing (explicitly or
// by inactivity expiry).
type TypingStoppedPayload struct {
	ChannelID string `msgpack:"channel_id"`
	UserID    string `msgpack:"user_id"`
}

// UserJoinedPayload announces a new channel member.
type UserJoinedPayload struct {
	ChannelID string `msgpack:"channel_id"`
	UserID    string `msgpack:"user_id"`
}

// UserLeftPayload announces a member leaving a channel.
type UserLeftPayload struct {
	ChannelID string `msgpack:"channel_id"`
	UserID    string `msgpack:"user_id"`
}

// UserStatusChangedPayload announces an online/offline transition.
type UserStatusChangedPayload struct {
	UserID   string `msgpack:"user_id"`
	Status   string `msgpack:"status"` // online | offline
	LastSeen int64  `msgpack:"last_seen"`
}

// ReadReceiptUpdatedPayload announces a read-receipt upsert.
type ReadReceiptUpdatedPayload struct {
	ChannelID string `msgpack:"channel_id"`
	MessageID string `msgpack:"message_id"`
	ReaderID  string `msgpack:"reader_id"`
	ReadAt    int64  `msgpack:"read_at"`
}

// MessagesLoadedPayload answers FETCH_MESSAGES with a page of history in
// chronological order.
type MessagesLoadedPayload struct {
	ChannelID string         `msgpack:"channel_id"`
	Messages  []chat.Message `msgpack:"messages"`
	HasMore   bool           `msgpack:"has_more"`
}

// ChannelCreatedPayload announces a newly created channel to its members.
type ChannelCreatedPayload struct {
	Channel chat.Channel `msgpack:"channel"`
}

// PongPayload answers a client PING.
type PongPayload struct{}

// ErrorPayload reports a handler or validation failure to the originating
// connection only.
type ErrorPayload struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// DecodeClientPayload decodes the payload of a client -> server envelope into
// its concrete struct. Unknown or server-only event names yield a
// *DecodeError.
func DecodeClientPayload(env *Envelope) (interface{}, error) {
	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventSendMessage:
		var p SendMessagePayload
		err = env.DecodePayload(&p)
		msg = p
	case EventEditMessage:
		var p EditMessagePayload
		err = env.DecodePayload(&p)
		msg = p
	case EventDeleteMessage:
		var p DeleteMessagePayload
		err = env.DecodePayload(&p)
		msg = p
	case EventAddReaction:
		var p AddReactionPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventRemoveReaction:
		var p RemoveReactionPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventStartTyping:
		var p StartTypingPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventStopTyping:
		var p StopTypingPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventFetchMessages:
		var p FetchMessagesPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventJoinChannel:
		var p JoinChannelPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventLeaveChannel:
		var p LeaveChannelPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventMarkAsRead:
		var p MarkAsReadPayload
		err = env.DecodePayload(&p)
		msg = p
	case EventPing:
		var p PingPayload
		err = env.DecodePayload(&p)
		msg = p
	default:
		return nil, &DecodeError{Reason: "unknown client event " + env.Event}
	}

	if err != nil {
		return nil, err
	}
	return msg, nil
}
