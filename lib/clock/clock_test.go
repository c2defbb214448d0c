package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvanceAndSet(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMock(start)

	assert.Equal(t, start, m.Now())

	m.Advance(30 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), m.Now())

	other := time.Date(2025, 6, 15, 15, 30, 0, 0, time.UTC)
	m.Set(other)
	assert.Equal(t, other, m.Now())
}

func TestMockConcurrentAccess(t *testing.T) {
	m := NewMock(time.Unix(0, 0))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Advance(time.Millisecond)
				_ = m.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, time.Unix(0, 0).Add(time.Second), m.Now())
}

func TestSystemClockMovesForward(t *testing.T) {
	c := System()
	a := c.Now()
	time.Sleep(time.Millisecond)
	assert.True(t, c.Now().After(a))
}
