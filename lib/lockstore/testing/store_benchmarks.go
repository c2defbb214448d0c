package testing

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
)

// RunLockStoreBenchmarks runs all benchmarks for a lock store implementation.
func RunLockStoreBenchmarks(b *testing.B, name string, factory StoreFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("CreateDelete", func(b *testing.B) {
			benchmarkCreateDelete(b, newBenchStore(b, factory))
		})

		b.Run("Renew", func(b *testing.B) {
			benchmarkRenew(b, newBenchStore(b, factory))
		})

		b.Run("Read", func(b *testing.B) {
			benchmarkRead(b, newBenchStore(b, factory))
		})

		b.Run("Contended", func(b *testing.B) {
			benchmarkContended(b, newBenchStore(b, factory))
		})
	})
}

func newBenchStore(b *testing.B, factory StoreFactory) lockstore.ILockStore {
	store := factory(clock.System())
	b.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Each parallel worker creates and releases its own keys
func benchmarkCreateDelete(b *testing.B, store lockstore.ILockStore) {
	ctx := context.Background()
	prefix := UniqueKey(b, "bench-cd")
	var worker atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		id := worker.Add(1)
		owner := fmt.Sprintf("owner-%d", id)
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("%s-%d-%d", prefix, id, counter%64)
			if _, err := store.TryCreate(ctx, key, owner, time.Minute); err != nil {
				b.Fatal(err)
			}
			if _, err := store.Delete(ctx, key, owner); err != nil {
				b.Fatal(err)
			}
			counter++
		}
	})
}

// Each parallel worker renews its own lease
func benchmarkRenew(b *testing.B, store lockstore.ILockStore) {
	ctx := context.Background()
	prefix := UniqueKey(b, "bench-renew")
	var worker atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		id := worker.Add(1)
		owner := fmt.Sprintf("owner-%d", id)
		key := fmt.Sprintf("%s-%d", prefix, id)
		if _, err := store.TryCreate(ctx, key, owner, time.Minute); err != nil {
			b.Fatal(err)
		}
		for pb.Next() {
			ok, err := store.TryTakeoverOrRenew(ctx, key, owner, time.Minute)
			if err != nil {
				b.Fatal(err)
			}
			if !ok {
				b.Fatalf("renew of %s by %s failed", key, owner)
			}
		}
	})
}

func benchmarkRead(b *testing.B, store lockstore.ILockStore) {
	ctx := context.Background()
	key := UniqueKey(b, "bench-read")
	if _, err := store.TryCreate(ctx, key, "reader", time.Hour); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, _, err := store.Read(ctx, key); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// All workers fight over a single key
func benchmarkContended(b *testing.B, store lockstore.ILockStore) {
	ctx := context.Background()
	key := UniqueKey(b, "bench-contended")
	var worker atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		owner := fmt.Sprintf("owner-%d", worker.Add(1))
		for pb.Next() {
			created, err := store.TryCreate(ctx, key, owner, time.Minute)
			if err != nil {
				b.Fatal(err)
			}
			if created {
				if _, err := store.Delete(ctx, key, owner); err != nil {
					b.Fatal(err)
				}
			}
		}
	})
}
