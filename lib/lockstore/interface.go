package lockstore

import (
	"context"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ILockStore is the backend contract of the lease manager: four atomic primitives
// on lock records plus a health probe.
//
// Every primitive is a single atomic step on the backend. Logical outcomes
// ("someone else holds it", "record absent") are reported through the boolean
// result; the error return is reserved for transport, provisioning and argument
// failures, all of type *Error.
type ILockStore interface {
	// Read returns the current record for key. The boolean reports whether a record
	// exists. A stale record is still returned.
	Read(ctx context.Context, key string) (record LockRecord, found bool, err error)

	// TryCreate inserts a fresh record {owner, ttl, now} if no record exists for key.
	// It returns false if any record exists, even a stale one. It never overwrites.
	TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (created bool, err error)

	// TryTakeoverOrRenew overwrites the record for key with {owner, ttl, now} if and
	// only if the existing record belongs to owner or is stale. Read, check and write
	// happen atomically. It returns false if no record exists or the record is held
	// by a different owner.
	TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (written bool, err error)

	// Delete removes the record for key if and only if its owner equals owner,
	// regardless of staleness. It returns false if nothing was deleted.
	Delete(ctx context.Context, key, owner string) (deleted bool, err error)

	// Connected is a best-effort, side-effect-free health probe. It never fails.
	Connected(ctx context.Context) bool

	// Close releases the resources owned by the store. Injected clients are not closed.
	Close() error
}
