// Package lease provides a Redis-backed run lease for deployments where
// several recast processes share one queue database.
package lease

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultDialTimeout = 5 * time.Second
	keyPrefix          = "recast:lease:"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection with PING.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultDialTimeout,
		WriteTimeout: defaultDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Lua scripts for holder-checked lease updates. A plain GET followed by a
// write would let an expired holder clobber its successor.
var renewScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('pexpire', KEYS[1], ARGV[2])
else
  return 0
end
`)

var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisLeaser implements engine.Leaser with SET NX PX.
type RedisLeaser struct {
	client goredis.UniversalClient
}

// NewRedisLeaser creates a leaser on client.
func NewRedisLeaser(client goredis.UniversalClient) *RedisLeaser {
	return &RedisLeaser{client: client}
}

func key(name string) string {
	return keyPrefix + name
}

// Acquire takes the lease for holder, or extends it if holder already owns
// it. Returns false while another holder's lease is live.
func (l *RedisLeaser) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key(name), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{key(name)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", name, err)
	}
	return renewed == 1, nil
}

// Release drops the lease if holder still owns it.
func (l *RedisLeaser) Release(ctx context.Context, name, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key(name)}, holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Holder returns the current holder of name, or "" when free.
func (l *RedisLeaser) Holder(ctx context.Context, name string) (string, error) {
	v, err := l.client.Get(ctx, key(name)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", name, err)
	}
	return v, nil
}
