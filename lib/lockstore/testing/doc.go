// Package testing provides standardised conformance tests and benchmarks for
// lock store implementations that satisfy the lockstore.ILockStore interface.
//
// The package contains:
//   - testing: A conformance suite validating the atomic primitives, the
//     staleness rule and the concurrent "exactly one winner" guarantees
//   - benchmark: Throughput tests for the create/delete and renew cycles
//
// All tests drive the store through a mock clock, so backends must derive every
// time comparison from the clock they were created with.
// Keys are randomised per test, so the suite may run against shared servers.
//
// Example usage:
//
//	factory := func(clk clock.Clock) lockstore.ILockStore {
//		return memstore.NewMemStore(memstore.WithClock(clk))
//	}
//
//	locktesting.RunLockStoreTests(t, "MemStore", factory)
//	locktesting.RunLockStoreBenchmarks(b, "MemStore", factory)
package testing
