package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	locktesting "github.com/ValentinKolb/dLease/lib/lockstore/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factory(clk clock.Clock) lockstore.ILockStore {
	return NewMemStore(WithClock(clk))
}

func TestMemStore(t *testing.T) {
	locktesting.RunLockStoreTests(t, "MemStore", factory)
}

func BenchmarkMemStore(b *testing.B) {
	locktesting.RunLockStoreBenchmarks(b, "MemStore", factory)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.True(t, store.Connected(ctx))
	require.NoError(t, store.Close())
	assert.False(t, store.Connected(ctx))

	_, err := store.TryCreate(ctx, "k", "A", time.Second)
	assert.ErrorIs(t, err, lockstore.ErrBackendUnavailable)

	_, _, err = store.Read(ctx, "k")
	assert.ErrorIs(t, err, lockstore.ErrBackendUnavailable)

	// closing twice is fine
	assert.NoError(t, store.Close())
}
