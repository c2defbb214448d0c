// Package lockmgr implements leases (time bounded, renewable locks) on top of
// any lockstore.ILockStore. It coordinates access to shared resources across
// processes and hosts that have nothing in common except the store.
//
// The lockmgr keeps no state of its own. Every decision is taken by the atomic
// primitives of the store, so it is safe to create any number of managers on the
// same store, even one per operation.
//
// Core Functionality:
//   - Acquire with polling, jitter and a deadline
//   - Renew and Release with ownership verification
//   - IsLocked as a read only view of a key
//   - Hold, which runs a function while the lease is renewed in the background
//
// Implementation Approach:
//
//	- Acquire: TryCreate inserts the record only if the key is absent. If that
//	  fails, TryTakeoverOrRenew overwrites the record only if it is stale or
//	  already ours. Both are single atomic operations of the store, so of many
//	  racing callers exactly one wins. If both fail the lease is held by someone
//	  else and Acquire sleeps for the poll interval before trying again.
//
//	- Renew: a TryTakeoverOrRenew by the current owner. A rejected renew is
//	  explained with one Read (ErrNotOwner or ErrNotFound).
//
//	- Release: Delete only removes the record of the given owner. A rejected
//	  release is explained like a rejected renew. Releasing twice yields ErrNotFound.
//
//	- Expiry: records are never deleted by time. A record whose updated_at + ttl
//	  lies in the past is stale and may be taken over by anyone.
//
// Clocks:
//
//	Staleness is evaluated with the clock of the process that writes. Renew well
//	before expiry (Hold renews every ttl/2) so that clock skew up to about half the
//	ttl is tolerated.
//
// Errors:
//
//	Only contention is reported as "not acquired". Backend failures are returned
//	as errors (lockstore.ErrBackendUnavailable and friends) and never turned into
//	false. Acquire retries unavailable backends until its deadline.
//
// Fencing:
//
//	No fencing token is issued. A holder that stalls past its ttl may still act on
//	the protected resource while a new owner holds the lease.
//
// Usage Example:
//
//	mgr := lockmgr.NewLockManager(store)
//	owner := lockmgr.NewOwnerID()
//
//	ok, err := mgr.Acquire(ctx, "cache-refresh-leader", owner, 30*time.Second, time.Minute, time.Second)
//	if err != nil {
//	    // timeout, cancellation or backend failure
//	}
//	if ok {
//	    defer mgr.Release(ctx, "cache-refresh-leader", owner)
//	    // ...
//	}
//
//	// or let the manager renew and release:
//	err = mgr.Hold(ctx, "cache-refresh-leader", owner, func(ctx context.Context) error {
//	    return refreshCache(ctx) // must stop when ctx is cancelled
//	})
//
// Metrics:
//
//	Acquire, renew and release outcomes are counted (dlease_<op>_total{result})
//	and acquire latency is recorded (dlease_acquire_duration_seconds). Use
//	WritePrometheus to expose them.
package lockmgr
