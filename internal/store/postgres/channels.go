package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relay/chat-app/internal/chat"
	"github.com/relay/chat-app/internal/store"
)

// Channels is a PostgreSQL-backed store.ChannelStore.
type Channels struct {
	db *sql.DB
}

// NewChannels creates a channel store on the given database handle.
func NewChannels(db *sql.DB) *Channels {
	return &Channels{db: db}
}

// directKey builds the canonical key for an unordered identity pair.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Get returns a channel with its member set.
func (s *Channels) Get(ctx context.Context, channelID string) (*chat.Channel, error) {
	const query = `
		SELECT id, kind, name, created_at, updated_at
		FROM channels
		WHERE id = $1`

	var ch chat.Channel
	err := s.db.QueryRowContext(ctx, query, channelID).
		Scan(&ch.ID, &ch.Kind, &ch.Name, &ch.CreatedAt, &ch.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get channel: %w", err)
	}

	members, err := s.Members(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ch.MemberIDs = members
	return &ch, nil
}

// Members returns the current member ids of a channel.
func (s *Channels) Members(ctx context.Context, channelID string) ([]string, error) {
	const query = `
		SELECT identity_id
		FROM channel_members
		WHERE channel_id = $1
		ORDER BY joined_at, identity_id`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("postgres: channel members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// FindOrCreateDirect resolves the direct channel for the unordered pair
// (a, b). The partial unique index on direct_key makes concurrent creation
// for the same pair collapse onto one row: the loser of the race falls
// through to the SELECT and returns the winner's channel.
func (s *Channels) FindOrCreateDirect(ctx context.Context, a, b string) (*chat.Channel, bool, error) {
	key := directKey(a, b)
	now := time.Now().UnixMilli()
	newID := uuid.New().String()

	const insert = `
		INSERT INTO channels (id, kind, name, direct_key, created_at, updated_at)
		VALUES ($1, 'direct', '', $2, $3, $3)
		ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL DO NOTHING`

	res, err := s.db.ExecContext(ctx, insert, newID, key, now)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: create direct channel: %w", err)
	}
	inserted, _ := res.RowsAffected()
	created := inserted == 1

	// Resolve the canonical row whether we created it or lost the race.
	const query = `SELECT id FROM channels WHERE direct_key = $1`
	var channelID string
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&channelID); err != nil {
		return nil, false, fmt.Errorf("postgres: resolve direct channel: %w", err)
	}

	if created {
		const addMembers = `
			INSERT INTO channel_members (channel_id, identity_id, joined_at)
			VALUES ($1, $2, $3), ($1, $4, $3)
			ON CONFLICT DO NOTHING`
		if _, err := s.db.ExecContext(ctx, addMembers, channelID, a, now, b); err != nil {
			return nil, false, fmt.Errorf("postgres: direct channel members: %w", err)
		}
	}

	ch, err := s.Get(ctx, channelID)
	if err != nil {
		return nil, false, err
	}
	return ch, created, nil
}

// CreateGroup creates a group channel with an initial member set.
func (s *Channels) CreateGroup(ctx context.Context, name string, memberIDs []string) (*chat.Channel, error) {
	if len(memberIDs) == 0 {
		return nil, fmt.Errorf("postgres: group channel needs at least one member")
	}

	now := time.Now().UnixMilli()
	id := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO channels (id, kind, name, created_at, updated_at)
		VALUES ($1, 'group', $2, $3, $3)`
	if _, err := tx.ExecContext(ctx, insert, id, name, now); err != nil {
		return nil, fmt.Errorf("postgres: create group: %w", err)
	}

	const addMember = `
		INSERT INTO channel_members (channel_id, identity_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	for _, m := range memberIDs {
		if _, err := tx.ExecContext(ctx, addMember, id, m, now); err != nil {
			return nil, fmt.Errorf("postgres: add group member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit: %w", err)
	}
	return s.Get(ctx, id)
}

// AddMember adds an identity to a group channel. Adding an existing member
// is a no-op. Direct channels have a fixed member pair.
func (s *Channels) AddMember(ctx context.Context, channelID, identityID string) error {
	ch, err := s.Get(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Kind == chat.KindDirect {
		return fmt.Errorf("postgres: direct channel membership is fixed")
	}

	const query = `
		INSERT INTO channel_members (channel_id, identity_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, channelID, identityID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("postgres: add member: %w", err)
	}
	return nil
}

// RemoveMember removes an identity from a group channel. Removing a
// non-member is a no-op.
func (s *Channels) RemoveMember(ctx context.Context, channelID, identityID string) error {
	const query = `
		DELETE FROM channel_members
		WHERE channel_id = $1 AND identity_id = $2`
	if _, err := s.db.ExecContext(ctx, query, channelID, identityID); err != nil {
		return fmt.Errorf("postgres: remove member: %w", err)
	}
	return nil
}

// ChannelsFor returns the ids of every channel the identity belongs to.
func (s *Channels) ChannelsFor(ctx context.Context, identityID string) ([]string, error) {
	const query = `
		SELECT channel_id
		FROM channel_members
		WHERE identity_id = $1`

	rows, err := s.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: channels for identity: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
