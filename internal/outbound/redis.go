package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier stores synthesized audio in Redis so that replicas share prompts.
type RedisTier struct {
	rdb *redis.Client
}

var _ RemoteTier = (*RedisTier)(nil)

// NewRedisTier connects to addr and verifies the connection with PING.
func NewRedisTier(ctx context.Context, addr, password string, db int) (*RedisTier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("outbound: redis ping %s: %w", addr, err)
	}
	return &RedisTier{rdb: rdb}, nil
}

// Get implements [RemoteTier].
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("outbound: redis get: %w", err)
	}
	return b, true, nil
}

// Set implements [RemoteTier].
func (r *RedisTier) Set(ctx context.Context, key string, pcm []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, pcm, ttl).Err(); err != nil {
		return fmt.Errorf("outbound: redis set: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable. It backs the readiness check.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisTier) Close() error {
	return r.rdb.Close()
}
