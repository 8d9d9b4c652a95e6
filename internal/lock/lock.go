// Package lock provides the non-overlap guard of periodic jobs.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker hands out exclusive, non-blocking locks by key. When ok is false the
// lock is held elsewhere and release is nil.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// LocalLocker guards keys within one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, true, nil
}

// releaseScript deletes the key only while it still holds our token, so a
// run that outlived its TTL cannot free a lock someone else now owns.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker guards keys across processes sharing one Redis.
type RedisLocker struct {
	client redisClient
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// RedisOption customizes RedisLocker.
type RedisOption func(*RedisLocker)

// WithRedisLogger overrides the logger.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(l *RedisLocker) {
		l.logger = logger
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// NewRedisLocker returns a locker whose locks expire after ttl even when the
// holder dies without releasing.
func NewRedisLocker(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	return newRedisLocker(client, ttl, opts...)
}

func newRedisLocker(client redisClient, ttl time.Duration, opts ...RedisOption) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l := &RedisLocker{client: client, ttl: ttl, prefix: "talentdesk:lock:", logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			// the caller's context is often done by the time it releases
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.client.Eval(rctx, releaseScript, []string{full}, token).Err(); err != nil {
				l.logger.Warn().Err(err).Str("key", full).Msg("lock release failed, it will expire")
			}
		})
	}
	return release, true, nil
}
