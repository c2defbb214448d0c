package lockstore

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Provisioner runs a schema creation function at most once successfully.
//
// Concurrent callers of Ensure share a single in-flight attempt. A failed attempt
// is not remembered, the next call tries again. The function itself must be
// idempotent ("create if not exists") because several processes may race on it.
type Provisioner struct {
	op    string
	fn    func(ctx context.Context) error
	done  atomic.Bool
	group singleflight.Group
}

// NewProvisioner creates a provisioner for the named operation.
func NewProvisioner(op string, fn func(ctx context.Context) error) *Provisioner {
	return &Provisioner{op: op, fn: fn}
}

// Ensure runs the provisioning function unless it already succeeded.
// Failures are returned as ErrSchemaProvision.
func (p *Provisioner) Ensure(ctx context.Context) error {
	if p.done.Load() {
		return nil
	}
	_, err, _ := p.group.Do(p.op, func() (any, error) {
		if p.done.Load() {
			return nil, nil
		}
		if err := p.fn(ctx); err != nil {
			return nil, SchemaProvision(p.op, err)
		}
		p.done.Store(true)
		return nil, nil
	})
	return err
}

// Done reports whether provisioning has succeeded.
func (p *Provisioner) Done() bool {
	return p.done.Load()
}
