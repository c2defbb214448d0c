package lockmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	ttl   = 30 * time.Second
	short = 30 * time.Millisecond
	poll  = 2 * time.Millisecond
)

func newManager(t *testing.T, opts ...Option) (ILockManager, lockstore.ILockStore, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(epoch)
	store := memstore.NewMemStore(memstore.WithClock(clk))
	t.Cleanup(func() { _ = store.Close() })
	return NewLockManager(store, append([]Option{WithClock(clk)}, opts...)...), store, clk
}

// --------------------------------------------------------------------------
// Flaky store (fails a number of calls with the given error)
// --------------------------------------------------------------------------

type flakyStore struct {
	lockstore.ILockStore
	failures atomic.Int32
	err      error
	calls    atomic.Int32
}

func (f *flakyStore) fail() error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return nil
}

func (f *flakyStore) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	return f.ILockStore.TryCreate(ctx, key, owner, ttl)
}

func newFlaky(failures int32, err error) *flakyStore {
	f := &flakyStore{ILockStore: memstore.NewMemStore(), err: err}
	f.failures.Store(failures)
	return f
}

// --------------------------------------------------------------------------
// Acquire
// --------------------------------------------------------------------------

func TestAcquireFreeKey(t *testing.T) {
	mgr, store, _ := newManager(t)
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, "k", "a", ttl, short, poll)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, found, err := store.Read(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", rec.Owner)
	assert.Equal(t, epoch, rec.UpdatedAt)
}

func TestAcquireIsReentrantForOwner(t *testing.T) {
	mgr, _, clk := newManager(t)
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, "k", "a", ttl, short, poll)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(10 * time.Second)
	ok, err = mgr.Acquire(ctx, "k", "a", ttl, short, poll)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, expires, err := mgr.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(40*time.Second), expires)
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	ok, err := mgr.Acquire(ctx, "k", "a", ttl, short, poll)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	ok, err = mgr.Acquire(ctx, "k", "b", ttl, short, poll)
	assert.False(t, ok)
	assert.ErrorIs(t, err, lockstore.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), short)
}

func TestAcquireSingleAttempt(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	start := time.Now()
	ok, err := mgr.Acquire(ctx, "k", "b", ttl, 0, time.Hour)
	assert.False(t, ok)
	assert.ErrorIs(t, err, lockstore.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireTakesOverStaleLease(t *testing.T) {
	mgr, _, clk := newManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	clk.Advance(ttl)
	ok, err := mgr.Acquire(ctx, "k", "b", ttl, 0, poll)
	require.NoError(t, err)
	assert.True(t, ok)

	held, owner, _, err := mgr.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "b", owner)
}

func TestAcquireSucceedsWhenLeaseExpiresWhileWaiting(t *testing.T) {
	mgr, _, clk := newManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		clk.Advance(time.Minute)
	}()

	ok, err := mgr.Acquire(ctx, "k", "b", ttl, 5*time.Second, poll)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireCancel(t *testing.T) {
	mgr, store, _ := newManager(t)
	_, err := mgr.Acquire(context.Background(), "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	ok, err := mgr.Acquire(ctx, "k", "b", ttl, time.Minute, poll)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)

	rec, _, err := store.Read(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Owner)
}

func TestAcquireRetriesUnavailableBackend(t *testing.T) {
	store := newFlaky(3, lockstore.Unavailable("create", errors.New("connection refused")))
	mgr := NewLockManager(store)

	ok, err := mgr.Acquire(context.Background(), "k", "a", ttl, time.Second, poll)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(4), store.calls.Load())
}

func TestAcquireSurfacesLastUnavailableError(t *testing.T) {
	store := newFlaky(1000, lockstore.Unavailable("create", errors.New("connection refused")))
	mgr := NewLockManager(store)

	ok, err := mgr.Acquire(context.Background(), "k", "a", ttl, short, poll)
	assert.False(t, ok)
	assert.ErrorIs(t, err, lockstore.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, lockstore.ErrTimeout)
	assert.Greater(t, store.calls.Load(), int32(1))
}

func TestAcquireAbortsOnOtherErrors(t *testing.T) {
	store := newFlaky(1000, lockstore.Internal("decode", errors.New("corrupt payload")))
	mgr := NewLockManager(store)

	ok, err := mgr.Acquire(context.Background(), "k", "a", ttl, time.Minute, poll)
	assert.False(t, ok)
	assert.ErrorIs(t, err, lockstore.ErrInternal)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestAcquireInvalidArguments(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "", "a", ttl, 0, poll)
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)
	_, err = mgr.Acquire(ctx, "k", "", ttl, 0, poll)
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)
	_, err = mgr.Acquire(ctx, "k", "a", 0, 0, poll)
	assert.ErrorIs(t, err, lockstore.ErrInvalidArgument)
}

func TestAcquireMutualExclusion(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	const n = 32
	var winners atomic.Int32
	var g errgroup.Group
	for i := range n {
		owner := string(rune('a' + i))
		g.Go(func() error {
			ok, err := mgr.Acquire(ctx, "k", owner, ttl, 0, poll)
			if ok {
				winners.Add(1)
			}
			if err != nil && !errors.Is(err, lockstore.ErrTimeout) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), winners.Load())
}

// --------------------------------------------------------------------------
// Renew, Release, IsLocked
// --------------------------------------------------------------------------

func TestRenew(t *testing.T) {
	mgr, _, clk := newManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	clk.Advance(20 * time.Second)
	require.NoError(t, mgr.Renew(ctx, "k", "a", ttl))

	_, _, expires, err := mgr.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(50*time.Second), expires)

	err = mgr.Renew(ctx, "k", "b", ttl)
	assert.ErrorIs(t, err, lockstore.ErrNotOwner)

	err = mgr.Renew(ctx, "missing", "a", ttl)
	assert.ErrorIs(t, err, lockstore.ErrNotFound)
}

func TestRelease(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	// ownership enforcement, a's lease is unaffected
	assert.ErrorIs(t, mgr.Release(ctx, "k", "b"), lockstore.ErrNotOwner)
	require.NoError(t, mgr.Renew(ctx, "k", "a", ttl))

	require.NoError(t, mgr.Release(ctx, "k", "a"))
	assert.ErrorIs(t, mgr.Release(ctx, "k", "a"), lockstore.ErrNotFound)

	ok, err := mgr.Acquire(ctx, "k", "b", ttl, 0, poll)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsLocked(t *testing.T) {
	mgr, _, clk := newManager(t)
	ctx := context.Background()

	held, owner, expires, err := mgr.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Empty(t, owner)
	assert.True(t, expires.IsZero())

	_, err = mgr.Acquire(ctx, "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	held, owner, expires, err = mgr.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "a", owner)
	assert.Equal(t, epoch.Add(ttl), expires)

	// stale records are reported with their last owner
	clk.Advance(ttl)
	held, owner, _, err = mgr.IsLocked(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, "a", owner)
}

func TestLeaderScenario(t *testing.T) {
	mgr, _, clk := newManager(t)
	ctx := context.Background()
	const key = "cache-refresh-leader"

	at := func(sec int) { clk.Set(epoch.Add(time.Duration(sec) * time.Second)) }

	at(0)
	ok, err := mgr.Acquire(ctx, key, "node-A", ttl, 0, poll)
	require.NoError(t, err)
	require.True(t, ok)

	at(5)
	ok, err = mgr.Acquire(ctx, key, "node-B", ttl, 0, poll)
	assert.False(t, ok)
	assert.ErrorIs(t, err, lockstore.ErrTimeout)

	at(20)
	require.NoError(t, mgr.Renew(ctx, key, "node-A", ttl))

	at(45)
	ok, _ = mgr.Acquire(ctx, key, "node-B", ttl, 0, poll)
	assert.False(t, ok)

	at(55)
	ok, err = mgr.Acquire(ctx, key, "node-B", ttl, 0, poll)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDefaults(t *testing.T) {
	mgr := NewLockManager(memstore.NewMemStore(), WithDefaults(Defaults{TTL: time.Second}))
	d := mgr.Defaults()
	assert.Equal(t, time.Second, d.TTL)
	assert.Equal(t, DefaultDefaults.AcquireTimeout, d.AcquireTimeout)
	assert.Equal(t, DefaultDefaults.PollInterval, d.PollInterval)
}

func TestPollDelay(t *testing.T) {
	m := NewLockManager(memstore.NewMemStore(), WithJitter(0.5)).(*lockMgrImpl)
	for range 100 {
		d := m.pollDelay(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}

	m = NewLockManager(memstore.NewMemStore(), WithJitter(0)).(*lockMgrImpl)
	assert.Equal(t, time.Second, m.pollDelay(time.Second))
}

func TestConcurrentRenewAndRelease(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "k", "a", ttl, 0, poll)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, mgr.Renew(ctx, "k", "a", ttl))
		}()
	}
	wg.Wait()
	require.NoError(t, mgr.Release(ctx, "k", "a"))
}
