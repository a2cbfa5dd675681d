package locker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, zerolog.Nop()), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	lock, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	// A different key is independent.
	other, err := l.TryLock(ctx, "trade:bot-2", 30*time.Second)
	require.NoError(t, err)
	other.Release(ctx)

	lock.Release(ctx)
	reacquired, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err)
	reacquired.Release(ctx)
}

func TestLockExpiresAtTTL(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	_, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)

	lock, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err, "expired lock must be acquirable")
	lock.Release(ctx)
}

func TestReleaseIsTokenScoped(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	stale, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err)

	// The first holder's TTL lapses and someone else acquires.
	mr.FastForward(31 * time.Second)
	current, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err)

	// The stale holder's release must not free the new holder's lock.
	stale.Release(ctx)
	_, err = l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	current.Release(ctx)
}

func TestDoReleasesOnPanic(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = l.Do(ctx, "trade:bot-1", 30*time.Second, func(context.Context) error {
			panic("boom")
		})
	})

	// The lock must be free again despite the panic.
	lock, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err)
	lock.Release(ctx)
}

func TestDoPropagatesBusy(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	lock, err := l.TryLock(ctx, "trade:bot-1", 30*time.Second)
	require.NoError(t, err)
	defer lock.Release(ctx)

	err = l.Do(ctx, "trade:bot-1", 30*time.Second, func(context.Context) error {
		t.Fatal("must not run under a held lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestDoReturnsFnError(t *testing.T) {
	l, _ := newTestLocker(t)
	sentinel := errors.New("fn failed")

	err := l.Do(context.Background(), "k", time.Second, func(context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
