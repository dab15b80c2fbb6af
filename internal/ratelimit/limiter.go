// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE fixed window algorithm. Session provisioning is expensive for the
// remote protocol end, so creation requests are throttled per identifier and
// observer connections per address.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:create:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleCreateSession allows 3 session creations per minute per identifier.
	// Re-pairing the same identifier faster than that only burns pairing
	// codes on the protocol side.
	RuleCreateSession = Rule{Key: "rl:create:", Limit: 3, Window: time.Minute}

	// RuleObserve allows 10 observer connections per minute per address.
	RuleObserve = Rule{Key: "rl:observe:", Limit: 10, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined
// by rule. It increments the counter and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open so that a Redis outage does not block
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("ratelimit: INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("ratelimit: EXPIRE failed, failing open")
			// The key exists but has no TTL. Best effort: delete it so it
			// does not block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window. Returns the full limit if the key does not exist yet, and
// on Redis errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("ratelimit: GET failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset returns how long until the identifier's current window expires, for
// Retry-After hints. Zero means no active window.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	key := rule.Key + identifier

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("ratelimit: TTL failed")
		return 0, err
	}
	if ttl < 0 {
		return 0, nil // no key or no expiry
	}
	return ttl, nil
}
