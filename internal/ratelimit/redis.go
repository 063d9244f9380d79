package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one expiring counter per (identifier, tool); the key's TTL is the window
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new RedisStore
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(identifier, toolSlug string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, toolSlug, identifier)
}

// Increment opens the window with SET NX PX and counts with INCR inside one MULTI,
// so a window is never left without an expiry
func (s *RedisStore) Increment(ctx context.Context, identifier, toolSlug string, window time.Duration, now time.Time) (Window, error) {
	key := s.key(identifier, toolSlug)

	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, key, 0, window)
	incr := pipe.Incr(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Window{}, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	remaining := pttl.Val()
	if remaining <= 0 {
		// key lost its expiry (e.g. restored without TTL); start the window over
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return Window{}, fmt.Errorf("failed to set expiry on %s: %w", key, err)
		}
		remaining = window
	}

	end := now.Add(remaining)
	return Window{
		Start: end.Add(-window),
		End:   end,
		Count: int(incr.Val()),
	}, nil
}
