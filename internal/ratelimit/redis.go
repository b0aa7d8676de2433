package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisStore implements CounterStore with a fixed-window counter in Redis.
// INCR followed by a first-writer EXPIRE keeps the increment-and-check
// atomic across instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed counter store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "ratelimit: parse redis URL")
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "ratelimit: redis ping")
	}

	return &RedisStore{client: client, prefix: "intake:rl:"}, nil
}

// Allow atomically increments the identity's counter and checks the limit.
func (s *RedisStore) Allow(ctx context.Context, identity string, limit int, window time.Duration) (*Result, error) {
	key := s.prefix + identity

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrapf(err, "ratelimit: incr %s", identity)
	}

	count := int(incr.Val())
	resetAt := time.Now().Add(window)
	if d := ttl.Val(); d > 0 {
		resetAt = time.Now().Add(d)
	}

	res := &Result{
		Limit:   limit,
		ResetAt: resetAt,
	}
	if count > limit {
		return res, nil
	}

	res.Allowed = true
	res.Remaining = limit - count
	return res, nil
}

// Count returns the current counter value for an identity.
func (s *RedisStore) Count(ctx context.Context, identity string) (int, error) {
	n, err := s.client.Get(ctx, s.prefix+identity).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "ratelimit: get %s", identity)
	}
	return n, nil
}

// Reset clears the counter for an identity.
func (s *RedisStore) Reset(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.prefix+identity).Err(); err != nil {
		return eris.Wrapf(err, "ratelimit: reset %s", identity)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
