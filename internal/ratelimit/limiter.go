// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The chat core uses it to throttle direct messages per sender.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule defines a rate limiting policy.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "dmchat:rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

// MessageRule returns the per-sender message rule.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: "dmchat:rl:msg:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the counter for identifier under rule. It returns false
// once the limit is exceeded. Redis errors fail open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("module", "ratelimit").Str("key", key).Msg("INCR failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Err(err).Str("module", "ratelimit").Str("key", key).Msg("EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns how long until the window for identifier resets. It
// falls back to the full window when the TTL is unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}

// Remaining returns the number of requests identifier has left in the current
// window. Redis errors report the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "ratelimit").Msg("GET failed, failing open")
		return rule.Limit, err
	}
	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// PerUser binds a Limiter to one rule. It satisfies the message relay's
// limiter interface.
type PerUser struct {
	limiter *Limiter
	rule    Rule
}

// ForRule returns a PerUser limiter for rule.
func (l *Limiter) ForRule(rule Rule) *PerUser {
	return &PerUser{limiter: l, rule: rule}
}

// Allow reports whether userID may proceed and, if not, how long to wait.
func (p *PerUser) Allow(ctx context.Context, userID string) (bool, time.Duration) {
	ok, _ := p.limiter.Allow(ctx, userID, p.rule)
	if ok {
		return true, 0
	}
	return false, p.limiter.RetryAfter(ctx, userID, p.rule)
}
