package memstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/puzpuzpuz/xsync/v3"
)

var errClosed = errors.New("memstore closed")

type storeImpl struct {
	records *xsync.MapOf[string, lockstore.LockRecord]
	clock   clock.Clock
	closed  atomic.Bool
}

// Option configures the in-memory store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// NewMemStore creates a new in-memory lock store.
// This store implementation is not distributed and only coordinates callers
// inside a single process.
func NewMemStore(opts ...Option) lockstore.ILockStore {
	s := &storeImpl{
		records: xsync.NewMapOf[string, lockstore.LockRecord](),
		clock:   clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkOpen returns an unavailable error once the store was closed.
func (s *storeImpl) checkOpen(op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, errClosed)
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Read(_ context.Context, key string) (lockstore.LockRecord, bool, error) {
	if err := lockstore.ValidateKey(key); err != nil {
		return lockstore.LockRecord{}, false, err
	}
	if err := s.checkOpen("read"); err != nil {
		return lockstore.LockRecord{}, false, err
	}
	rec, ok := s.records.Load(key)
	return rec, ok, nil
}

func (s *storeImpl) TryCreate(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("create"); err != nil {
		return false, err
	}
	_, loaded := s.records.LoadOrStore(key, lockstore.NewRecord(key, owner, ttl, s.clock.Now()))
	return !loaded, nil
}

func (s *storeImpl) TryTakeoverOrRenew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("takeover"); err != nil {
		return false, err
	}

	written := false
	s.records.Compute(key, func(old lockstore.LockRecord, loaded bool) (lockstore.LockRecord, bool) {
		if !loaded {
			return old, true // nothing to take over, keep the key absent
		}
		now := s.clock.Now()
		if !old.ClaimableBy(owner, now) {
			return old, false
		}
		written = true
		return lockstore.NewRecord(key, owner, ttl, now), false
	})
	return written, nil
}

func (s *storeImpl) Delete(_ context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.checkOpen("delete"); err != nil {
		return false, err
	}

	deleted := false
	s.records.Compute(key, func(old lockstore.LockRecord, loaded bool) (lockstore.LockRecord, bool) {
		if !loaded {
			return old, true
		}
		if old.Owner != owner {
			return old, false
		}
		deleted = true
		return old, true
	})
	return deleted, nil
}

func (s *storeImpl) Connected(_ context.Context) bool {
	return !s.closed.Load()
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.records.Clear()
	}
	return nil
}
