package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a new lock store that reads the current time from clk.
type StoreFactory func(clk clock.Clock) lockstore.ILockStore

// Epoch is the start time of the mock clock handed to every factory call.
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// RunLockStoreTests runs the conformance suite for an ILockStore implementation.
func RunLockStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Connected", func(t *testing.T) {
			testConnected(t, factory)
		})

		t.Run("CreateAndRead", func(t *testing.T) {
			testCreateAndRead(t, factory)
		})

		t.Run("CreateNeverOverwrites", func(t *testing.T) {
			testCreateNeverOverwrites(t, factory)
		})

		t.Run("TakeoverStale", func(t *testing.T) {
			testTakeoverStale(t, factory)
		})

		t.Run("TakeoverDeniedWhileHeld", func(t *testing.T) {
			testTakeoverDeniedWhileHeld(t, factory)
		})

		t.Run("TakeoverAbsent", func(t *testing.T) {
			testTakeoverAbsent(t, factory)
		})

		t.Run("Renew", func(t *testing.T) {
			testRenew(t, factory)
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory)
		})

		t.Run("KeyIsolation", func(t *testing.T) {
			testKeyIsolation(t, factory)
		})

		t.Run("SpecialKeys", func(t *testing.T) {
			testSpecialKeys(t, factory)
		})

		t.Run("InvalidArguments", func(t *testing.T) {
			testInvalidArguments(t, factory)
		})

		t.Run("ConcurrentCreate", func(t *testing.T) {
			testConcurrentCreate(t, factory)
		})

		t.Run("ConcurrentTakeover", func(t *testing.T) {
			testConcurrentTakeover(t, factory)
		})

		t.Run("LeaderScenario", func(t *testing.T) {
			testLeaderScenario(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func newStore(t testing.TB, factory StoreFactory) (lockstore.ILockStore, *clock.Mock) {
	clk := clock.NewMock(Epoch)
	store := factory(clk)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, clk
}

// UniqueKey returns a key that does not collide with other test runs.
func UniqueKey(t testing.TB, base string) string {
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

func testCtx(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireRecord(t testing.TB, store lockstore.ILockStore, key, owner string, ttl time.Duration, updatedAt time.Time) {
	t.Helper()
	rec, found, err := store.Read(testCtx(t), key)
	require.NoError(t, err)
	require.True(t, found, "expected a record for %s", key)
	assert.Equal(t, key, rec.Key)
	assert.Equal(t, owner, rec.Owner)
	assert.Equal(t, ttl, rec.TTL)
	assert.WithinDuration(t, updatedAt, rec.UpdatedAt, time.Millisecond)
}

func requireAbsent(t testing.TB, store lockstore.ILockStore, key string) {
	t.Helper()
	_, found, err := store.Read(testCtx(t), key)
	require.NoError(t, err)
	require.False(t, found, "expected no record for %s", key)
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testConnected(t *testing.T, factory StoreFactory) {
	store, _ := newStore(t, factory)
	assert.True(t, store.Connected(testCtx(t)))
}

func testCreateAndRead(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "create")

	requireAbsent(t, store, key)

	created, err := store.TryCreate(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	requireRecord(t, store, key, "A", 10*time.Second, clk.Now())

	rec, _, err := store.Read(ctx, key)
	require.NoError(t, err)
	assert.False(t, rec.IsStale(clk.Now()))
	assert.WithinDuration(t, clk.Now().Add(10*time.Second), rec.ExpiresAt(), time.Millisecond)
}

func testCreateNeverOverwrites(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "create-conflict")

	created, err := store.TryCreate(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.TryCreate(ctx, key, "B", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, created, "create must fail while a record exists")

	created, err = store.TryCreate(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, created, "create must fail for the same owner too")

	createdAt := clk.Now()
	clk.Advance(time.Minute)

	created, err = store.TryCreate(ctx, key, "B", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, created, "create must not overwrite a stale record")

	requireRecord(t, store, key, "A", 10*time.Second, createdAt)
}

func testTakeoverStale(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "takeover")

	created, err := store.TryCreate(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	// exactly at expires_at the lease is stale
	clk.Advance(10 * time.Second)

	written, err := store.TryTakeoverOrRenew(ctx, key, "B", 20*time.Second)
	require.NoError(t, err)
	require.True(t, written)

	requireRecord(t, store, key, "B", 20*time.Second, clk.Now())

	// the former owner is locked out again
	written, err = store.TryTakeoverOrRenew(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, written)
}

func testTakeoverDeniedWhileHeld(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "takeover-held")

	created, err := store.TryCreate(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)
	createdAt := clk.Now()

	clk.Advance(10*time.Second - time.Millisecond)

	written, err := store.TryTakeoverOrRenew(ctx, key, "B", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, written)

	requireRecord(t, store, key, "A", 10*time.Second, createdAt)
}

func testTakeoverAbsent(t *testing.T, factory StoreFactory) {
	store, _ := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "takeover-absent")

	written, err := store.TryTakeoverOrRenew(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, written, "takeover must not create a record")

	requireAbsent(t, store, key)
}

func testRenew(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "renew")

	created, err := store.TryCreate(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	clk.Advance(5 * time.Second)

	written, err := store.TryTakeoverOrRenew(ctx, key, "A", 30*time.Second)
	require.NoError(t, err)
	require.True(t, written)
	requireRecord(t, store, key, "A", 30*time.Second, clk.Now())

	// the renewed lease outlives the original expiry
	clk.Advance(20 * time.Second)
	written, err = store.TryTakeoverOrRenew(ctx, key, "B", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, written)

	// an owner may renew its own stale lease
	clk.Advance(time.Minute)
	written, err = store.TryTakeoverOrRenew(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, written)
	requireRecord(t, store, key, "A", 10*time.Second, clk.Now())
}

func testDelete(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "delete")

	deleted, err := store.Delete(ctx, key, "A")
	require.NoError(t, err)
	assert.False(t, deleted, "delete of an absent key")

	created, err := store.TryCreate(ctx, key, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	deleted, err = store.Delete(ctx, key, "B")
	require.NoError(t, err)
	assert.False(t, deleted, "delete by a non-owner")
	requireRecord(t, store, key, "A", 10*time.Second, clk.Now())

	// ownership, not staleness, decides
	clk.Advance(time.Minute)
	deleted, err = store.Delete(ctx, key, "B")
	require.NoError(t, err)
	assert.False(t, deleted, "delete of a stale lease by a non-owner")

	deleted, err = store.Delete(ctx, key, "A")
	require.NoError(t, err)
	assert.True(t, deleted)
	requireAbsent(t, store, key)

	deleted, err = store.Delete(ctx, key, "A")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete")

	// the key is free again
	created, err = store.TryCreate(ctx, key, "B", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, created)
}

func testKeyIsolation(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	keyA := UniqueKey(t, "isolation-a")
	keyB := UniqueKey(t, "isolation-b")

	created, err := store.TryCreate(ctx, keyA, "A", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.TryCreate(ctx, keyB, "B", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	deleted, err := store.Delete(ctx, keyA, "A")
	require.NoError(t, err)
	require.True(t, deleted)

	requireAbsent(t, store, keyA)
	requireRecord(t, store, keyB, "B", 10*time.Second, clk.Now())
}

func testSpecialKeys(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)

	keys := []string{
		UniqueKey(t, "jobs/nightly/report"),
		UniqueKey(t, "cache refresh, leader=primary"),
		UniqueKey(t, "üñí©ødé+#;\"<>"),
		UniqueKey(t, "a.b*c?d\\e"),
	}

	for _, key := range keys {
		created, err := store.TryCreate(ctx, key, "owner with spaces", 10*time.Second)
		require.NoError(t, err, "key %q", key)
		require.True(t, created, "key %q", key)
		requireRecord(t, store, key, "owner with spaces", 10*time.Second, clk.Now())
	}

	for _, key := range keys {
		deleted, err := store.Delete(ctx, key, "owner with spaces")
		require.NoError(t, err, "key %q", key)
		assert.True(t, deleted, "key %q", key)
	}
}

func testInvalidArguments(t *testing.T, factory StoreFactory) {
	store, _ := newStore(t, factory)
	ctx := testCtx(t)

	_, err := store.TryCreate(ctx, "", "A", time.Second)
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)

	_, err = store.TryCreate(ctx, "k", "", time.Second)
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)

	_, err = store.TryCreate(ctx, "k", "A", 0)
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)

	_, err = store.TryTakeoverOrRenew(ctx, "k", "A", -time.Second)
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)

	_, err = store.Delete(ctx, "k", "")
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)

	_, _, err = store.Read(ctx, "")
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)
}

func testConcurrentCreate(t *testing.T, factory StoreFactory) {
	store, _ := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "concurrent-create")

	const contenders = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		winner  atomic.Value
		errs    = make(chan error, contenders)
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			created, err := store.TryCreate(ctx, key, owner, 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if created {
				winners.Add(1)
				winner.Store(owner)
			}
		}(fmt.Sprintf("owner-%d", i))
	}
	wg.Wait()
	close(errs)

	require.NoError(t, errors.Join(drain(errs)...))
	require.Equal(t, int32(1), winners.Load(), "exactly one create must succeed")

	rec, found, err := store.Read(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winner.Load(), rec.Owner)
}

func testConcurrentTakeover(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "concurrent-takeover")

	created, err := store.TryCreate(ctx, key, "crashed", 10*time.Second)
	require.NoError(t, err)
	require.True(t, created)

	clk.Advance(11 * time.Second)

	const contenders = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		winner  atomic.Value
		errs    = make(chan error, contenders)
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			written, err := store.TryTakeoverOrRenew(ctx, key, owner, 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if written {
				winners.Add(1)
				winner.Store(owner)
			}
		}(fmt.Sprintf("owner-%d", i))
	}
	wg.Wait()
	close(errs)

	require.NoError(t, errors.Join(drain(errs)...))
	require.Equal(t, int32(1), winners.Load(), "exactly one takeover must succeed")

	rec, found, err := store.Read(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winner.Load(), rec.Owner)
}

// testLeaderScenario walks through the cache-refresh leader example:
// ttl 30s, A acquires at t=0, B polls at t=5, A renews at t=20,
// B is still denied at t=45 and takes over at t=55 after A stopped renewing.
func testLeaderScenario(t *testing.T, factory StoreFactory) {
	store, clk := newStore(t, factory)
	ctx := testCtx(t)
	key := UniqueKey(t, "cache-refresh-leader")
	ttl := 30 * time.Second
	at := func(sec int) { clk.Set(Epoch.Add(time.Duration(sec) * time.Second)) }

	// t=0: A creates
	at(0)
	ok, err := store.TryCreate(ctx, key, "A", ttl)
	require.NoError(t, err)
	require.True(t, ok)

	// t=5: B is denied both ways
	at(5)
	ok, err = store.TryCreate(ctx, key, "B", ttl)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.TryTakeoverOrRenew(ctx, key, "B", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// t=20: A renews, expiry moves to t=50
	at(20)
	ok, err = store.TryTakeoverOrRenew(ctx, key, "A", ttl)
	require.NoError(t, err)
	require.True(t, ok)
	requireRecord(t, store, key, "A", ttl, Epoch.Add(20*time.Second))

	// t=45: A crashed, but the lease is still held
	at(45)
	ok, err = store.TryTakeoverOrRenew(ctx, key, "B", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	// t=55: the lease is stale, B takes over
	at(55)
	ok, err = store.TryTakeoverOrRenew(ctx, key, "B", ttl)
	require.NoError(t, err)
	require.True(t, ok)
	requireRecord(t, store, key, "B", ttl, Epoch.Add(55*time.Second))

	// A cannot release B's lease
	ok, err = store.Delete(ctx, key, "A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func drain(errs <-chan error) []error {
	var out []error
	for err := range errs {
		out = append(out, err)
	}
	return out
}
