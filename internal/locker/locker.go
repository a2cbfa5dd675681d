package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLockHeld is returned by TryLock when another holder owns the key
var ErrLockHeld = errors.New("lock already held")

// releaseScript deletes the key only when the stored token matches, so a
// holder whose TTL expired cannot release a lock someone else reacquired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Locker is a Redis-backed distributed mutex shared across worker
// processes. Locks auto-expire at their TTL; release is token-checked.
type Locker struct {
	client  *redis.Client
	release *redis.Script
	logger  zerolog.Logger
}

// New creates a locker over an existing Redis client
func New(client *redis.Client, logger zerolog.Logger) *Locker {
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
		logger:  logger,
	}
}

// Connect dials Redis and verifies the connection
func Connect(ctx context.Context, url, password string, db int, logger zerolog.Logger) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", url, err)
	}
	return New(client, logger), nil
}

// Lock is one held lock. Release it exactly once.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// TryLock attempts a non-blocking acquire with SET NX PX. ErrLockHeld
// means another holder owns the key.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// Release frees the lock if this holder still owns it
func (lk *Lock) Release(ctx context.Context) {
	n, err := lk.locker.release.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Int()
	if err != nil {
		lk.locker.logger.Error().
			Err(err).
			Str("key", lk.key).
			Msg("Failed to release lock")
		return
	}
	if n == 0 {
		lk.locker.logger.Warn().
			Str("key", lk.key).
			Msg("Lock expired before release")
	}
}

// Do runs fn while holding the lock, releasing on every exit path
// including panic. ErrLockHeld propagates unchanged so callers can treat
// contention as a busy signal rather than a failure.
func (l *Locker) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)
	return fn(ctx)
}

// Close closes the underlying Redis client
func (l *Locker) Close() error {
	return l.client.Close()
}
