// Package lock provides per-key mutual exclusion for the update queue's
// admission control (C4) and the config-assignment path (C9). The in-process
// backend serializes a single replica; the Redis-backed backend serializes
// across replicas so multiple control-plane processes still honor
// single-flight-per-MAC admission (§4.3, §9).
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker acquires and releases a named, TTL-bounded lock. Acquire returns
// (false, nil) — not an error — when the lock is already held by someone
// else; callers treat that as "try again later", matching the admission
// contract in §4.3.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lock, bool, error)
}

// Lock is a held lock; Release is safe to call more than once.
type Lock interface {
	Release(ctx context.Context) error
}

// InProcessLocker serializes callers within this process only, via a
// single mutex guarding the set of held keys. Sufficient for a single control-plane replica (Lite
// profile or a Standard deployment that hasn't scaled out yet).
type InProcessLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewInProcessLocker creates an InProcessLocker.
func NewInProcessLocker() *InProcessLocker {
	return &InProcessLocker{held: make(map[string]struct{})}
}

func (l *InProcessLocker) Acquire(ctx context.Context, key string) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	return &inProcessLock{locker: l, key: key}, true, nil
}

type inProcessLock struct {
	locker *InProcessLocker
	key    string
	once   sync.Once
}

func (l *inProcessLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.key)
		l.locker.mu.Unlock()
	})
	return nil
}

// RedisLocker serializes callers across replicas using Redis SET NX with a
// TTL, releasing with a compare-and-delete Lua script so a replica can never
// release a lock it doesn't hold (e.g. after its own lock expired and was
// re-acquired by someone else).
type RedisLocker struct {
	client      *redis.Client
	ttl         time.Duration
	valuePrefix string
	logger      *slog.Logger
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a lock survives
// without explicit release (a crashed holder's lock expires on its own).
func NewRedisLocker(client *redis.Client, ttl time.Duration, valuePrefix string, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	if valuePrefix == "" {
		valuePrefix = "fleetota-lock"
	}
	return &RedisLocker{client: client, ttl: ttl, valuePrefix: valuePrefix, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lock, bool, error) {
	value := generateLockValue(l.valuePrefix)

	ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock acquire %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{client: l.client, key: key, value: value, logger: l.logger}, true, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	value  string
	logger *slog.Logger
	once   sync.Once
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (l *redisLock) Release(ctx context.Context) error {
	var releaseErr error
	l.once.Do(func() {
		res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Result()
		if err != nil {
			releaseErr = fmt.Errorf("redis lock release %q: %w", l.key, err)
			return
		}
		if n, _ := res.(int64); n == 0 {
			l.logger.Debug("lock already expired or held by another holder", "key", l.key)
		}
	})
	return releaseErr
}

func generateLockValue(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}
