package lockmgr

import (
	"context"
	"time"
)

// ILockManager coordinates leases on top of a lockstore.ILockStore.
//
// All methods are safe for concurrent use. The manager keeps no per-key state,
// any number of managers (in any number of processes) may share one store.
type ILockManager interface {
	// Acquire tries to obtain the lease on key for owner. It first tries to create
	// the record and then to take over (or renew) an existing one. While another
	// owner holds a valid lease it polls every pollInterval (with jitter) until
	// acquireTimeout has elapsed. A non-positive acquireTimeout makes a single attempt.
	//
	// Returns true with a nil error if the lease was obtained. Otherwise the error
	// is lockstore.ErrTimeout, the context error if ctx was cancelled, or a backend
	// error. Unavailable backends are retried until the deadline, all other backend
	// errors end the call immediately.
	Acquire(ctx context.Context, key, owner string, ttl, acquireTimeout, pollInterval time.Duration) (bool, error)

	// Renew extends the lease of owner on key to now+ttl.
	// Returns lockstore.ErrNotOwner if another owner holds a valid lease and
	// lockstore.ErrNotFound if no record exists. Callers must stop the protected
	// work on any error.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error

	// Release deletes the record of key if owner holds it.
	// Returns lockstore.ErrNotFound if no record exists (already released) and
	// lockstore.ErrNotOwner if it belongs to someone else. Both leave the store unchanged.
	Release(ctx context.Context, key, owner string) error

	// IsLocked reports whether key is held by a valid lease at the manager's clock.
	// owner and expiresAt describe the record whenever one exists, even a stale one.
	// The result is informational only and must never gate a takeover.
	IsLocked(ctx context.Context, key string) (held bool, owner string, expiresAt time.Time, err error)

	// Hold acquires key with the manager defaults, runs fn while renewing the lease
	// every ttl/2 and releases the lease when fn returns. If a renewal fails the
	// context passed to fn is cancelled and Hold returns an error matching ErrLeaseLost.
	Hold(ctx context.Context, key, owner string, fn func(ctx context.Context) error) error

	// Defaults returns the ttl, acquire timeout and poll interval used by Hold.
	Defaults() Defaults
}
