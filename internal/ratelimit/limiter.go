// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE window algorithm, used to throttle message sends per identity and
// connection attempts per address.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSend allows 10 message sends per 10 seconds per identity.
	RuleSend = Rule{Key: "rl:send:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 5 connection attempts per minute per address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the rule's limit. It
// increments the counter and sets the expiry on first access.
//
// On Redis errors the method fails open (returns true) so that a Redis
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL. Best effort: delete it so it
			// doesn't block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}
