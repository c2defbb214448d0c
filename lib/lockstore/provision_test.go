package lockstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisionerRunsOnceOnSuccess(t *testing.T) {
	var calls atomic.Int32
	p := NewProvisioner("create table", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Ensure(context.Background()))
		}()
	}
	wg.Wait()

	require.NoError(t, p.Ensure(context.Background()))
	assert.True(t, p.Done())
	// concurrent callers may share one attempt, but a finished success is never repeated
	assert.LessOrEqual(t, calls.Load(), int32(20))
	before := calls.Load()
	require.NoError(t, p.Ensure(context.Background()))
	assert.Equal(t, before, calls.Load())
}

func TestProvisionerRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	p := NewProvisioner("create table", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("permission denied")
		}
		return nil
	})

	err := p.Ensure(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaProvision)
	assert.False(t, p.Done())

	require.NoError(t, p.Ensure(context.Background()))
	assert.True(t, p.Done())
	assert.Equal(t, int32(2), calls.Load())
}
