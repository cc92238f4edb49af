// Package redisstore implements the session store on Redis. Tokens are
// issued by the out-of-scope login flow; this package only resolves them and
// records presence.
//
//	Key:   auth:<token>     hash of identity fields, TTL = session lifetime
//	Key:   user:<id>        hash of presence fields, no TTL
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relay/chat-app/internal/chat"
	"github.com/relay/chat-app/internal/store"
)

const (
	TokenPrefix = "auth:"
	UserPrefix  = "user:"

	// SessionTTL is the time-to-live for token keys.
	SessionTTL = 24 * time.Hour
)

// Sessions is a Redis-backed store.SessionStore.
type Sessions struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(addr string) (*Sessions, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: redis connection failed: %w", err)
	}

	return &Sessions{client: client}, nil
}

// NewWithClient wraps an existing Redis client (used by tests and by callers
// that share one client across stores).
func NewWithClient(client *redis.Client) *Sessions {
	return &Sessions{client: client}
}

// sessionHash mirrors the identity fields stored under auth:<token>.
type sessionHash struct {
	ID          string `redis:"id"`
	DisplayName string `redis:"display_name"`
	Address     string `redis:"address"`
	AvatarURL   string `redis:"avatar_url"`
}

// Resolve looks up the identity for a token. Missing or expired tokens yield
// store.ErrSessionNotFound.
func (s *Sessions) Resolve(ctx context.Context, token string) (*chat.Identity, error) {
	var h sessionHash
	if err := s.client.HGetAll(ctx, TokenPrefix+token).Scan(&h); err != nil {
		return nil, fmt.Errorf("redisstore: resolve token: %w", err)
	}
	if h.ID == "" {
		return nil, store.ErrSessionNotFound
	}

	ident := &chat.Identity{
		ID:          h.ID,
		DisplayName: h.DisplayName,
		Address:     h.Address,
		AvatarURL:   h.AvatarURL,
	}

	// Presence lives under user:<id>; absence means never seen, offline.
	fields, err := s.client.HGetAll(ctx, UserPrefix+h.ID).Result()
	if err == nil && len(fields) > 0 {
		ident.Status = fields["status"]
		if v, ok := fields["last_seen"]; ok {
			fmt.Sscan(v, &ident.LastSeen)
		}
	}
	if ident.Status == "" {
		ident.Status = chat.StatusOffline
	}
	return ident, nil
}

// Put stores a token -> identity mapping with the session TTL. The login
// surface owns token issuance; this exists for tooling and tests.
func (s *Sessions) Put(ctx context.Context, token string, ident *chat.Identity) error {
	key := TokenPrefix + token
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           ident.ID,
		"display_name": ident.DisplayName,
		"address":      ident.Address,
		"avatar_url":   ident.AvatarURL,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetPresence records an online/offline transition and last-seen timestamp.
func (s *Sessions) SetPresence(ctx context.Context, identityID, status string, lastSeen int64) error {
	key := UserPrefix + identityID
	err := s.client.HSet(ctx, key, "status", status, "last_seen", lastSeen).Err()
	if err != nil {
		return fmt.Errorf("redisstore: set presence: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Sessions) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares it).
func (s *Sessions) Client() *redis.Client {
	return s.client
}
