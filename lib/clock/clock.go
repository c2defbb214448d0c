// Package clock provides the wall clock used for lease expiry decisions.
//
// Every lock store and the lock manager read the current time through a Clock
// instead of calling time.Now directly, so tests can move time forward without
// sleeping and several independently configured stores can coexist in one process.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// System returns the Clock backed by time.Now.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// --------------------------------------------------------------------------
// Mock Clock (tests)
// --------------------------------------------------------------------------

// Mock is a manually driven Clock. The time only changes through Set and Advance.
//
// Thread-safety: all methods are safe for concurrent use.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock creates a Mock starting at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t (which may be in the past).
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
