// Package handler implements the command handlers behind the router: one per
// client event. Handlers validate against the external stores, persist, and
// fan the resulting events out to affected live connections. Request faults
// come back as *ws.HandlerError so the router can reply to the caller only.
package handler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/relay/chat-app/internal/chat"
	"github.com/relay/chat-app/internal/fanout"
	"github.com/relay/chat-app/internal/presence"
	"github.com/relay/chat-app/internal/ratelimit"
	"github.com/relay/chat-app/internal/registry"
	"github.com/relay/chat-app/internal/store"
	"github.com/relay/chat-app/internal/wire"
	"github.com/relay/chat-app/internal/ws"
)

// Error codes carried on ERROR envelopes.
const (
	CodeUnknownChannel = "unknown_channel"
	CodeUnknownMessage = "unknown_message"
	CodeNotAMember     = "not_a_member"
	CodeForbidden      = "forbidden"
	CodeInvalidContent = "invalid_content"
	CodeRateLimited    = "rate_limited"
)

// Deps bundles what the handlers need.
type Deps struct {
	Channels store.ChannelStore
	Messages store.MessageStore
	Fanout   *fanout.Fanout
	Typing   *presence.Typing
	Limiter  *ratelimit.Limiter // optional; nil disables send throttling
}

// Register wires every client command into the router.
func Register(r *ws.Router, d Deps) {
	r.Register(wire.EventSendMessage, d.handleSendMessage)
	r.Register(wire.EventEditMessage, d.handleEditMessage)
	r.Register(wire.EventDeleteMessage, d.handleDeleteMessage)
	r.Register(wire.EventAddReaction, d.handleAddReaction)
	r.Register(wire.EventRemoveReaction, d.handleRemoveReaction)
	r.Register(wire.EventStartTyping, d.handleStartTyping)
	r.Register(wire.EventStopTyping, d.handleStopTyping)
	r.Register(wire.EventFetchMessages, d.handleFetchMessages)
	r.Register(wire.EventJoinChannel, d.handleJoinChannel)
	r.Register(wire.EventLeaveChannel, d.handleLeaveChannel)
	r.Register(wire.EventMarkAsRead, d.handleMarkAsRead)
}

// memberChannel loads a channel and verifies the identity belongs to it.
func (d Deps) memberChannel(ctx context.Context, channelID, identityID string) (*chat.Channel, error) {
	ch, err := d.Channels.Get(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ws.Errorf(CodeUnknownChannel, "channel %s not found", channelID)
	}
	if err != nil {
		return nil, err
	}
	if !ch.IsMember(identityID) {
		return nil, ws.Errorf(CodeNotAMember, "not a member of channel %s", channelID)
	}
	return ch, nil
}

func (d Deps) handleSendMessage(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.SendMessagePayload)

	if d.Limiter != nil {
		allowed, _ := d.Limiter.Allow(ctx, conn.IdentityID, ratelimit.RuleSend)
		if !allowed {
			return ws.Errorf(CodeRateLimited, "sending too fast")
		}
	}

	if len(p.Attachments) > chat.MaxAttachments {
		return ws.Errorf(CodeInvalidContent, "too many attachments")
	}
	if p.Content == "" && len(p.Attachments) == 0 {
		return ws.Errorf(CodeInvalidContent, "message content is empty")
	}
	if p.Content != "" {
		if err := chat.ValidateContent(p.Content); err != nil {
			return ws.Errorf(CodeInvalidContent, "%v", err)
		}
	}

	if _, err := d.memberChannel(ctx, p.ChannelID, conn.IdentityID); err != nil {
		return err
	}

	msg := &chat.Message{
		ID:          uuid.New().String(),
		ChannelID:   p.ChannelID,
		AuthorID:    conn.IdentityID,
		Content:     p.Content,
		Attachments: p.Attachments,
		ReplyToID:   p.ReplyToID,
		SentAt:      time.Now().UnixMilli(), // server receipt order is authoritative
	}
	if err := d.Messages.Insert(ctx, msg); err != nil {
		return err
	}

	// The author receives the confirmed message too; the client uses it to
	// reconcile its optimistic entry.
	return d.Fanout.Broadcast(ctx, p.ChannelID, wire.EventMessageReceived,
		wire.MessageReceivedPayload{Message: *msg}, "")
}

func (d Deps) handleEditMessage(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.EditMessagePayload)

	if err := chat.ValidateContent(p.Content); err != nil {
		return ws.Errorf(CodeInvalidContent, "%v", err)
	}

	msg, err := d.Messages.UpdateContent(ctx, p.MessageID, conn.IdentityID, p.Content, time.Now().UnixMilli())
	if errors.Is(err, store.ErrNotFound) {
		return ws.Errorf(CodeUnknownMessage, "message %s not found", p.MessageID)
	}
	if errors.Is(err, store.ErrNotAuthor) {
		return ws.Errorf(CodeForbidden, "cannot edit another user's message")
	}
	if err != nil {
		return err
	}

	return d.Fanout.Broadcast(ctx, msg.ChannelID, wire.EventMessageEdited,
		wire.MessageEditedPayload{Message: *msg}, "")
}

func (d Deps) handleDeleteMessage(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.DeleteMessagePayload)

	channelID, err := d.Messages.Delete(ctx, p.MessageID, conn.IdentityID)
	if errors.Is(err, store.ErrNotFound) {
		return ws.Errorf(CodeUnknownMessage, "message %s not found", p.MessageID)
	}
	if errors.Is(err, store.ErrNotAuthor) {
		return ws.Errorf(CodeForbidden, "cannot delete another user's message")
	}
	if err != nil {
		return err
	}

	return d.Fanout.Broadcast(ctx, channelID, wire.EventMessageDeleted,
		wire.MessageDeletedPayload{ChannelID: channelID, MessageID: p.MessageID}, "")
}

func (d Deps) handleAddReaction(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.AddReactionPayload)
	if p.Emoji == "" {
		return ws.Errorf(CodeInvalidContent, "emoji is empty")
	}

	msg, err := d.Messages.Get(ctx, p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return ws.Errorf(CodeUnknownMessage, "message %s not found", p.MessageID)
	}
	if err != nil {
		return err
	}
	if _, err := d.memberChannel(ctx, msg.ChannelID, conn.IdentityID); err != nil {
		return err
	}

	added, channelID, err := d.Messages.AddReaction(ctx, p.MessageID, conn.IdentityID, p.Emoji)
	if errors.Is(err, store.ErrNotFound) {
		return ws.Errorf(CodeUnknownMessage, "message %s not found", p.MessageID)
	}
	if err != nil {
		return err
	}
	if !added {
		return nil // repeated reaction, idempotent no-op
	}

	return d.Fanout.Broadcast(ctx, channelID, wire.EventReactionAdded,
		wire.ReactionAddedPayload{
			ChannelID: channelID,
			MessageID: p.MessageID,
			Reaction:  chat.Reaction{Emoji: p.Emoji, UserID: conn.IdentityID},
		}, "")
}

func (d Deps) handleRemoveReaction(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.RemoveReactionPayload)

	removed, channelID, err := d.Messages.RemoveReaction(ctx, p.MessageID, conn.IdentityID, p.Emoji)
	if errors.Is(err, store.ErrNotFound) {
		return ws.Errorf(CodeUnknownMessage, "message %s not found", p.MessageID)
	}
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	return d.Fanout.Broadcast(ctx, channelID, wire.EventReactionRemoved,
		wire.ReactionRemovedPayload{
			ChannelID: channelID,
			MessageID: p.MessageID,
			UserID:    conn.IdentityID,
			Emoji:     p.Emoji,
		}, "")
}

func (d Deps) handleStartTyping(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.StartTypingPayload)
	if _, err := d.memberChannel(ctx, p.ChannelID, conn.IdentityID); err != nil {
		return err
	}
	d.Typing.StartTyping(ctx, p.ChannelID, conn.IdentityID)
	return nil
}

func (d Deps) handleStopTyping(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.StopTypingPayload)
	d.Typing.StopTyping(ctx, p.ChannelID, conn.IdentityID)
	return nil
}

func (d Deps) handleFetchMessages(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.FetchMessagesPayload)
	if _, err := d.memberChannel(ctx, p.ChannelID, conn.IdentityID); err != nil {
		return err
	}

	msgs, hasMore, err := d.Messages.History(ctx, p.ChannelID, p.Before, p.Limit)
	if err != nil {
		return err
	}

	return d.Fanout.SendTo(conn.IdentityID, wire.EventMessagesLoaded, wire.MessagesLoadedPayload{
		ChannelID: p.ChannelID,
		Messages:  msgs,
		HasMore:   hasMore,
	})
}

func (d Deps) handleJoinChannel(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.JoinChannelPayload)

	// Direct channel: resolve or create the channel for the unordered pair.
	if p.PeerID != "" {
		if p.PeerID == conn.IdentityID {
			return ws.Errorf(CodeInvalidContent, "cannot open a direct channel with yourself")
		}
		ch, created, err := d.Channels.FindOrCreateDirect(ctx, conn.IdentityID, p.PeerID)
		if err != nil {
			return err
		}
		if created {
			return d.Fanout.Broadcast(ctx, ch.ID, wire.EventChannelCreated,
				wire.ChannelCreatedPayload{Channel: *ch}, "")
		}
		// Existing channel: only the caller needs the resolution.
		return d.Fanout.SendTo(conn.IdentityID, wire.EventChannelCreated,
			wire.ChannelCreatedPayload{Channel: *ch})
	}

	ch, err := d.Channels.Get(ctx, p.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return ws.Errorf(CodeUnknownChannel, "channel %s not found", p.ChannelID)
	}
	if err != nil {
		return err
	}
	if ch.IsMember(conn.IdentityID) {
		return nil // already a member, idempotent
	}
	if err := d.Channels.AddMember(ctx, p.ChannelID, conn.IdentityID); err != nil {
		return err
	}

	return d.Fanout.Broadcast(ctx, p.ChannelID, wire.EventUserJoined,
		wire.UserJoinedPayload{ChannelID: p.ChannelID, UserID: conn.IdentityID}, "")
}

func (d Deps) handleLeaveChannel(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.LeaveChannelPayload)

	ch, err := d.Channels.Get(ctx, p.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return ws.Errorf(CodeUnknownChannel, "channel %s not found", p.ChannelID)
	}
	if err != nil {
		return err
	}
	if ch.Kind == chat.KindDirect {
		return ws.Errorf(CodeForbidden, "cannot leave a direct channel")
	}
	if !ch.IsMember(conn.IdentityID) {
		return nil // not a member, idempotent
	}

	if err := d.Channels.RemoveMember(ctx, p.ChannelID, conn.IdentityID); err != nil {
		return err
	}

	// Remaining members get the broadcast; the leaver gets a direct ack
	// since the post-removal snapshot no longer includes them.
	if err := d.Fanout.Broadcast(ctx, p.ChannelID, wire.EventUserLeft,
		wire.UserLeftPayload{ChannelID: p.ChannelID, UserID: conn.IdentityID}, ""); err != nil {
		log.Printf("[handler] user_left broadcast channel=%s: %v", p.ChannelID, err)
	}
	return d.Fanout.SendTo(conn.IdentityID, wire.EventUserLeft,
		wire.UserLeftPayload{ChannelID: p.ChannelID, UserID: conn.IdentityID})
}

func (d Deps) handleMarkAsRead(ctx context.Context, conn *registry.Conn, payload interface{}) error {
	p := payload.(wire.MarkAsReadPayload)

	// Deletion racing a read-mark is expected: a missing message is a
	// silent no-op, not an error.
	msg, err := d.Messages.Get(ctx, p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := d.memberChannel(ctx, msg.ChannelID, conn.IdentityID); err != nil {
		return err
	}

	readAt := time.Now().UnixMilli()
	updated, channelID, err := d.Messages.UpsertReceipt(ctx, p.MessageID, conn.IdentityID, readAt)
	if err != nil {
		return err
	}
	if !updated {
		return nil // duplicate or stale receipt, idempotent no-op
	}

	return d.Fanout.Broadcast(ctx, channelID, wire.EventReadReceiptUpdated,
		wire.ReadReceiptUpdatedPayload{
			ChannelID: channelID,
			MessageID: p.MessageID,
			ReaderID:  conn.IdentityID,
			ReadAt:    readAt,
		}, "")
}
