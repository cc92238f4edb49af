package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/relay/chat-app/internal/chat"
	"github.com/relay/chat-app/internal/store"
)

// Messages is a PostgreSQL-backed store.MessageStore.
type Messages struct {
	db *sql.DB
}

// NewMessages creates a message store on the given database handle.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

// Insert persists a new message.
func (s *Messages) Insert(ctx context.Context, msg *chat.Message) error {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("postgres: marshal attachments: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (id, channel_id, author_id, content, attachments, reply_to_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ChannelID, msg.AuthorID, msg.Content,
		attachments, msg.ReplyToID, msg.SentAt)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

// Get returns a single message with its reactions and receipts.
func (s *Messages) Get(ctx context.Context, messageID string) (*chat.Message, error) {
	const query = `
		SELECT id, channel_id, author_id, content, attachments,
		       COALESCE(reply_to_id::text, ''), sent_at, edited_at
		FROM messages
		WHERE id = $1`

	var (
		msg         chat.Message
		attachments []byte
	)
	err := s.db.QueryRowContext(ctx, query, messageID).Scan(
		&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content,
		&attachments, &msg.ReplyToID, &msg.SentAt, &msg.EditedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get message: %w", err)
	}

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal attachments: %w", err)
		}
	}

	msgs := []chat.Message{msg}
	if err := s.attachExtras(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// UpdateContent replaces the content of a message authored by authorID.
func (s *Messages) UpdateContent(ctx context.Context, messageID, authorID, content string, editedAt int64) (*chat.Message, error) {
	const query = `
		UPDATE messages
		SET content = $3, edited_at = $4
		WHERE id = $1 AND author_id = $2`

	res, err := s.db.ExecContext(ctx, query, messageID, authorID, content, editedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: update message: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Distinguish a missing message from someone else's message.
		if _, err := s.Get(ctx, messageID); err != nil {
			return nil, err
		}
		return nil, store.ErrNotAuthor
	}
	return s.Get(ctx, messageID)
}

// Delete removes a message authored by authorID and returns its channel id.
func (s *Messages) Delete(ctx context.Context, messageID, authorID string) (string, error) {
	const query = `
		DELETE FROM messages
		WHERE id = $1 AND author_id = $2
		RETURNING channel_id`

	var channelID string
	err := s.db.QueryRowContext(ctx, query, messageID, authorID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.Get(ctx, messageID); err != nil {
			return "", err
		}
		return "", store.ErrNotAuthor
	}
	if err != nil {
		return "", fmt.Errorf("postgres: delete message: %w", err)
	}
	return channelID, nil
}

// channelOf returns the channel id of a message, or store.ErrNotFound.
func (s *Messages) channelOf(ctx context.Context, messageID string) (string, error) {
	var channelID string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id FROM messages WHERE id = $1`, messageID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: message channel: %w", err)
	}
	return channelID, nil
}

// AddReaction records an (emoji, user) reaction; repeats are no-ops.
func (s *Messages) AddReaction(ctx context.Context, messageID, userID, emoji string) (bool, string, error) {
	channelID, err := s.channelOf(ctx, messageID)
	if err != nil {
		return false, "", err
	}

	const query = `
		INSERT INTO reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, messageID, userID, emoji)
	if err != nil {
		return false, "", fmt.Errorf("postgres: add reaction: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, channelID, nil
}

// RemoveReaction removes an (emoji, user) reaction; repeats are no-ops.
func (s *Messages) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, string, error) {
	channelID, err := s.channelOf(ctx, messageID)
	if err != nil {
		return false, "", err
	}

	const query = `
		DELETE FROM reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`
	res, err := s.db.ExecContext(ctx, query, messageID, userID, emoji)
	if err != nil {
		return false, "", fmt.Errorf("postgres: remove reaction: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, channelID, nil
}

// UpsertReceipt records a read receipt keyed by (message, reader). A later
// read_at replaces the stored one; the same or an earlier read_at and a
// missing message are silent no-ops.
func (s *Messages) UpsertReceipt(ctx context.Context, messageID, readerID string, readAt int64) (bool, string, error) {
	channelID, err := s.channelOf(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, "", nil // deletion/read races are expected
	}
	if err != nil {
		return false, "", err
	}

	const query = `
		INSERT INTO read_receipts (message_id, reader_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, reader_id) DO UPDATE
		SET read_at = excluded.read_at
		WHERE excluded.read_at > read_receipts.read_at`
	res, err := s.db.ExecContext(ctx, query, messageID, readerID, readAt)
	if err != nil {
		return false, "", fmt.Errorf("postgres: upsert receipt: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, channelID, nil
}

// History returns up to limit messages sent strictly before the cursor in
// chronological order, plus whether older messages remain.
func (s *Messages) History(ctx context.Context, channelID string, before int64, limit int) ([]chat.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, channel_id, author_id, content, attachments,
		       COALESCE(reply_to_id::text, ''), sent_at, edited_at
		FROM messages
		WHERE channel_id = $1 AND ($2 = 0 OR sent_at < $2)
		ORDER BY sent_at DESC, id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, channelID, before, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: history: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			msg         chat.Message
			attachments []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content,
			&attachments, &msg.ReplyToID, &msg.SentAt, &msg.EditedAt); err != nil {
			return nil, false, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, false, fmt.Errorf("postgres: unmarshal attachments: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	// Newest-first from the query; flip to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	if err := s.attachExtras(ctx, msgs); err != nil {
		return nil, false, err
	}
	return msgs, hasMore, nil
}

// attachExtras loads reactions and read receipts for a message page with two
// batched queries.
func (s *Messages) attachExtras(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	index := make(map[string]*chat.Message, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		index[msgs[i].ID] = &msgs[i]
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, user_id, emoji FROM reactions WHERE message_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: load reactions: %w", err)
	}
	for rows.Next() {
		var mid string
		var r chat.Reaction
		if err := rows.Scan(&mid, &r.UserID, &r.Emoji); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan reaction: %w", err)
		}
		if m := index[mid]; m != nil {
			m.Reactions = append(m.Reactions, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT message_id, reader_id, read_at FROM read_receipts WHERE message_id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: load receipts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mid string
		var rr chat.ReadReceipt
		if err := rows.Scan(&mid, &rr.ReaderID, &rr.ReadAt); err != nil {
			return fmt.Errorf("postgres: scan receipt: %w", err)
		}
		if m := index[mid]; m != nil {
			m.Receipts = append(m.Receipts, rr)
		}
	}
	return rows.Err()
}
