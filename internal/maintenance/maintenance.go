// Package maintenance holds the process-wide maintenance switch and the
// lock that keeps one replica sweeping at a time. Both are backed by Redis
// when it is configured.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultKey is the Redis key holding the maintenance flag.
const DefaultKey = "inkframe:maintenance"

// Gate reports whether submissions are currently refused.
type Gate interface {
	Enabled(ctx context.Context) (bool, error)
}

// Switch is a Gate that can be flipped.
type Switch interface {
	Gate
	Set(ctx context.Context, on bool) error
}

// Static is an in-process switch.
type Static struct {
	on atomic.Bool
}

// NewStatic creates a switch in the given position.
func NewStatic(on bool) *Static {
	s := &Static{}
	s.on.Store(on)
	return s
}

func (s *Static) Enabled(context.Context) (bool, error) { return s.on.Load(), nil }

func (s *Static) Set(_ context.Context, on bool) error {
	s.on.Store(on)
	return nil
}

// RedisGate keeps the flag in Redis so every replica sees the same state.
type RedisGate struct {
	client *redis.Client
	key    string
}

// NewRedisGate creates a gate on key, or DefaultKey when empty.
func NewRedisGate(client *redis.Client, key string) *RedisGate {
	if key == "" {
		key = DefaultKey
	}
	return &RedisGate{client: client, key: key}
}

func (g *RedisGate) Enabled(ctx context.Context) (bool, error) {
	val, err := g.client.Get(ctx, g.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read maintenance flag: %w", err)
	}
	return val == "1" || val == "true" || val == "on", nil
}

func (g *RedisGate) Set(ctx context.Context, on bool) error {
	if !on {
		return g.client.Del(ctx, g.key).Err()
	}
	return g.client.Set(ctx, g.key, "1", 0).Err()
}

// Locker grants short exclusive leases.
type Locker interface {
	// Acquire returns ok=false when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// NoopLocker always grants the lease.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked delete.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
