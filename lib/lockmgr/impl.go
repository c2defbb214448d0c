package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("lockmgr")

// ErrLeaseLost is returned by Hold when the lease could not be renewed.
var ErrLeaseLost = errors.New("lease lost")

// releaseTimeout bounds the final release of Hold, which runs even if the caller's context is done.
const releaseTimeout = 10 * time.Second

// Defaults are the lease parameters used by Hold and by the CLI.
type Defaults struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultDefaults holds the values used unless WithDefaults is given.
var DefaultDefaults = Defaults{
	TTL:            30 * time.Second,
	AcquireTimeout: 60 * time.Second,
	PollInterval:   time.Second,
}

type lockMgrImpl struct {
	store    lockstore.ILockStore
	clock    clock.Clock
	jitter   float64
	defaults Defaults
	metrics  bool
}

// Option configures the lock manager.
type Option func(*lockMgrImpl)

// WithClock sets the clock used by IsLocked. Polling and deadlines always use real time.
func WithClock(clk clock.Clock) Option {
	return func(m *lockMgrImpl) {
		m.clock = clk
	}
}

// WithJitter sets the fraction (0..1) by which each poll interval is randomly
// lengthened or shortened. The default is 0.2.
func WithJitter(fraction float64) Option {
	return func(m *lockMgrImpl) {
		m.jitter = min(max(fraction, 0), 1)
	}
}

// WithDefaults replaces DefaultDefaults. Zero fields keep their default value.
func WithDefaults(d Defaults) Option {
	return func(m *lockMgrImpl) {
		if d.TTL > 0 {
			m.defaults.TTL = d.TTL
		}
		if d.AcquireTimeout > 0 {
			m.defaults.AcquireTimeout = d.AcquireTimeout
		}
		if d.PollInterval > 0 {
			m.defaults.PollInterval = d.PollInterval
		}
	}
}

// WithMetrics enables or disables the prometheus counters (enabled by default).
func WithMetrics(enabled bool) Option {
	return func(m *lockMgrImpl) {
		m.metrics = enabled
	}
}

// NewLockManager creates a lock manager on store.
func NewLockManager(store lockstore.ILockStore, opts ...Option) ILockManager {
	m := &lockMgrImpl{
		store:    store,
		clock:    clock.System(),
		jitter:   0.2,
		defaults: DefaultDefaults,
		metrics:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// tryAcquire makes one attempt: create, and if the key exists, take over or renew.
func (m *lockMgrImpl) tryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	created, err := m.store.TryCreate(ctx, key, owner, ttl)
	if err != nil || created {
		return created, err
	}
	return m.store.TryTakeoverOrRenew(ctx, key, owner, ttl)
}

// pollDelay returns interval randomly scaled by 1 +/- jitter.
func (m *lockMgrImpl) pollDelay(interval time.Duration) time.Duration {
	if m.jitter == 0 || interval <= 0 {
		return interval
	}
	factor := 1 + m.jitter*(2*rand.Float64()-1)
	return time.Duration(float64(interval) * factor)
}

// classifyLost explains why a renew or delete by owner was rejected.
func (m *lockMgrImpl) classifyLost(ctx context.Context, op, key, owner string) (lockstore.LockRecord, error) {
	rec, found, err := m.store.Read(ctx, key)
	if err != nil {
		return lockstore.LockRecord{}, err
	}
	if !found {
		return rec, &lockstore.Error{Code: lockstore.RetCNotFound, Msg: fmt.Sprintf("%s %q: no lock record", op, key)}
	}
	if rec.Owner != owner {
		return rec, &lockstore.Error{Code: lockstore.RetCNotOwner, Msg: fmt.Sprintf("%s %q: held by %s until %s", op, key, rec.Owner, rec.ExpiresAt().Format(time.RFC3339))}
	}
	return rec, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockmgr/interface.go)
// --------------------------------------------------------------------------

func (m *lockMgrImpl) Acquire(ctx context.Context, key, owner string, ttl, acquireTimeout, pollInterval time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}

	start := time.Now()
	deadline := start.Add(acquireTimeout)
	var lastErr error

	for attempt := 1; ; attempt++ {
		ok, err := m.tryAcquire(ctx, key, owner, ttl)
		switch {
		case err == nil && ok:
			log.Debugf("%s acquired %q after %d attempt(s)", owner, key, attempt)
			m.observeAcquire(resultAcquired, start)
			return true, nil
		case err == nil:
			lastErr = nil
		case lockstore.IsRetryable(err) && ctx.Err() == nil:
			log.Warningf("acquire %q: backend unavailable (attempt %d): %v", key, attempt, err)
			lastErr = err
		default:
			if ctx.Err() != nil {
				m.observeAcquire(resultCanceled, start)
				return false, ctx.Err()
			}
			m.observeAcquire(resultError, start)
			return false, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				m.observeAcquire(resultError, start)
				return false, lastErr
			}
			m.observeAcquire(resultTimeout, start)
			return false, &lockstore.Error{Code: lockstore.RetCTimeout, Msg: fmt.Sprintf("acquire %q: not acquired within %s", key, acquireTimeout)}
		}

		timer := time.NewTimer(min(m.pollDelay(pollInterval), remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.observeAcquire(resultCanceled, start)
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *lockMgrImpl) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := m.store.TryTakeoverOrRenew(ctx, key, owner, ttl)
	if err == nil && !ok {
		_, err = m.classifyLost(ctx, "renew", key, owner)
		if err == nil {
			// the record is ours again (a concurrent renew by the same owner won the write)
			ok, err = m.store.TryTakeoverOrRenew(ctx, key, owner, ttl)
			if err == nil && !ok {
				_, err = m.classifyLost(ctx, "renew", key, owner)
			}
		}
	}
	m.observe("renew", err)
	if err != nil {
		log.Warningf("renew %q by %s failed: %v", key, owner, err)
	}
	return err
}

func (m *lockMgrImpl) Release(ctx context.Context, key, owner string) error {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var deleted bool
		deleted, err = m.store.Delete(ctx, key, owner)
		if err != nil || deleted {
			break
		}
		if _, err = m.classifyLost(ctx, "release", key, owner); err != nil {
			break
		}
		// same owner but changed payload, retried once
		err = lockstore.Internal(fmt.Sprintf("release %q", key), errors.New("record changed during delete"))
	}

	m.observe("release", err)
	switch {
	case err == nil:
		log.Debugf("%s released %q", owner, key)
	case errors.Is(err, lockstore.ErrNotFound), errors.Is(err, lockstore.ErrNotOwner):
		log.Infof("release %q by %s: %v", key, owner, err)
	default:
		log.Warningf("release %q by %s failed: %v", key, owner, err)
	}
	return err
}

func (m *lockMgrImpl) IsLocked(ctx context.Context, key string) (bool, string, time.Time, error) {
	rec, found, err := m.store.Read(ctx, key)
	if err != nil || !found {
		return false, "", time.Time{}, err
	}
	return !rec.IsStale(m.clock.Now()), rec.Owner, rec.ExpiresAt(), nil
}

func (m *lockMgrImpl) Defaults() Defaults {
	return m.defaults
}
