package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, retries int) *KeyedLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewKeyedLocker(client, time.Second, time.Millisecond, retries)
}

func TestAcquireAndRelease(t *testing.T) {
	locker := newTestLocker(t, 1)
	key := StockLockKey(1, 1)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	release()

	// Released lock can be re-acquired immediately.
	release, err = locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	release()
}

func TestAcquireBusyFailsFast(t *testing.T) {
	locker := newTestLocker(t, 2)
	key := StockLockKey(7, 3)

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	_, err = locker.Acquire(context.Background(), key)
	require.ErrorIs(t, err, ErrLockBusy)
}

func TestAcquireDistinctKeysDoNotContend(t *testing.T) {
	locker := newTestLocker(t, 1)

	releaseA, err := locker.Acquire(context.Background(), StockLockKey(1, 1))
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := locker.Acquire(context.Background(), StockLockKey(1, 2))
	require.NoError(t, err)
	defer releaseB()
}

func TestNilLockerIsNoop(t *testing.T) {
	var locker *KeyedLocker
	release, err := locker.Acquire(context.Background(), "any")
	require.NoError(t, err)
	release()
}

func TestLockKeys(t *testing.T) {
	require.Equal(t, "costing:stock:4:9:lock", StockLockKey(4, 9))
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "cycle:2026-03-02:FINANCE:lock", CycleLockKey(date, "FINANCE"))
}
