// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection configuration for the actor backend.
type RedisConfig struct {
	// Addr is the Redis server address ("host:port").
	Addr string

	// Username and Password authenticate against a Redis ACL user.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all actor keys, e.g. "ew:actor:{tenant}:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisBackend persists actor records in Redis, relying on native key TTLs
// for expiry. It enables running multiple edge instances against shared
// state.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

// casScript atomically compares the current value against the expected value
// and replaces it. Expiry is passed in milliseconds; 0 means no expiry.
// Returns 1 on success, 0 on conflict.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if current then return 0 end
else
  if not current or current ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// NewRedisBackend creates a Redis-backed actor store and verifies
// connectivity.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBackend{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisBackendWithClient creates a RedisBackend with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisBackendWithClient(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Ping checks Redis connectivity (health check).
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) key(key string) string {
	return b.keyPrefix + key
}

// Put stores value under key with the given TTL.
func (b *RedisBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, b.key(key), value, ttl).Err()
}

// Get returns the value under key, or ErrNotFound if absent. Redis drops
// expired keys itself, so a hit is always live.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get actor record: %w", err)
	}
	return data, nil
}

// Delete removes the key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.key(key)).Err()
}

// CompareAndSet replaces the value under key only if the current value equals
// expected, using a server-side script so the check and the write are atomic.
func (b *RedisBackend) CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	expectedArg := ""
	if expected != nil {
		expectedArg = string(expected)
	}

	res, err := casScript.Run(ctx, b.client, []string{b.key(key)},
		expectedArg, string(value), ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("compare-and-set failed: %w", err)
	}
	if res != 1 {
		return ErrConflict
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
