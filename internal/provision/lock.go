package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by TryLock when another run holds the key.
var ErrLocked = errors.New("lock held by another run")

// Locker serializes runs for the same identifier. TryLock never waits: a held key fails
// immediately with ErrLocked.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// ---------------------------------------------------------------------------
// In-process locker
// ---------------------------------------------------------------------------

// LocalLocker is a keyed mutex for a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock acquires key if it is free
func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// ---------------------------------------------------------------------------
// Redis locker
// ---------------------------------------------------------------------------

// releaseScript deletes the lock only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds locks in Redis so that every replica of the service shares them.
// Locks expire after ttl in case the holder dies without releasing.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker storing keys under prefix
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLocker) key(key string) string {
	return l.prefix + "lock:" + key
}

// TryLock sets the key with NX and a TTL
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	redisKey := l.key(key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", redisKey, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("failed to release provisioning lock", "key", redisKey, "error", err)
			}
		})
	}, nil
}
