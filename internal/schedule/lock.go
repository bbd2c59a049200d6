// Package schedule runs the background poller that fires due scheduled
// webhooks, with an optional Redis lease so only one instance polls at
// a time.
package schedule

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKey = "scheduler:lease"

// Lock is a best-effort distributed lease over Redis. Each poll cycle
// tries to take the lease; losers skip the cycle. The lease expires on
// its own, so a crashed holder never wedges the scheduler.
type Lock struct {
	client *redis.Client
	id     string
	ttl    time.Duration
}

// NewLock connects to Redis and prepares a lease with the given TTL.
func NewLock(redisURL string, ttl time.Duration) (*Lock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewLockWithClient(client, ttl), nil
}

// NewLockWithClient builds a lease from an existing Redis client.
func NewLockWithClient(client *redis.Client, ttl time.Duration) *Lock {
	buf := make([]byte, 8)
	rand.Read(buf)
	return &Lock{
		client: client,
		id:     hex.EncodeToString(buf),
		ttl:    ttl,
	}
}

// TryAcquire takes the lease if free, or refreshes it if this instance
// already holds it. Returns false when another instance holds it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire scheduler lease: %w", err)
	}
	if ok {
		return true, nil
	}

	holder, err := l.client.Get(ctx, lockKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read scheduler lease: %w", err)
	}
	if holder != l.id {
		return false, nil
	}
	if err := l.client.Expire(ctx, lockKey, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("refresh scheduler lease: %w", err)
	}
	return true, nil
}

// Release drops the lease if this instance holds it.
func (l *Lock) Release(ctx context.Context) error {
	holder, err := l.client.Get(ctx, lockKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scheduler lease: %w", err)
	}
	if holder != l.id {
		return nil
	}
	if err := l.client.Del(ctx, lockKey).Err(); err != nil {
		return fmt.Errorf("release scheduler lease: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (l *Lock) Close() error {
	return l.client.Close()
}
