package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dLease/lib/lockstore"
	"golang.org/x/sync/errgroup"
)

func (m *lockMgrImpl) Hold(ctx context.Context, key, owner string, fn func(ctx context.Context) error) error {
	d := m.defaults
	if _, err := m.Acquire(ctx, key, owner, d.TTL, d.AcquireTimeout, d.PollInterval); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return fn(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(max(d.TTL/2, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := m.Renew(gctx, key, owner, d.TTL); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: %q: %w", ErrLeaseLost, key, err)
			}
		}
	})

	err := g.Wait()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	rerr := m.Release(rctx, key, owner)
	if err != nil {
		return err
	}
	if rerr != nil && !errors.Is(rerr, lockstore.ErrNotFound) {
		return rerr
	}
	return nil
}
