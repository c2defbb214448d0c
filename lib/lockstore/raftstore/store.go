package raftstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/raftstore/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("raftstore")
)

// DefaultTimeout bounds a single propose or read when the caller's context has no earlier deadline.
const DefaultTimeout = 5 * time.Second

// storeImpl encapsulates a Dragonboat NodeHost which is used to communicate with the state machine.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
	clock   clock.Clock
	ownsNH  bool
}

// Option configures the raft store.
type Option func(*storeImpl)

// WithClock sets the clock whose time is proposed with every command.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithTimeout sets the upper bound of a single propose or read.
func WithTimeout(d time.Duration) Option {
	return func(s *storeImpl) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithOwnedNodeHost makes Close stop the node host as well.
func WithOwnedNodeHost() Option {
	return func(s *storeImpl) {
		s.ownsNH = true
	}
}

// NewRaftStore creates a new lock store on top of a raft shard running the
// LeaseStateMachine. Writes are linearizable log entries, reads use SyncRead.
func NewRaftStore(nh *dragonboat.NodeHost, shardID uint64, opts ...Option) lockstore.ILockStore {
	s := &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: DefaultTimeout,
		clock:   clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// isTransient reports dragonboat errors that mean "try again later" rather than a bug.
func isTransient(err error) bool {
	return errors.Is(err, dragonboat.ErrTimeout) ||
		errors.Is(err, dragonboat.ErrShardNotReady) ||
		errors.Is(err, dragonboat.ErrShardNotFound) ||
		errors.Is(err, dragonboat.ErrClosed) ||
		errors.Is(err, dragonboat.ErrShardClosed) ||
		errors.Is(err, dragonboat.ErrAborted) ||
		errors.Is(err, dragonboat.ErrRejected) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *storeImpl) classify(op string, err error) error {
	if isTransient(err) {
		return lockstore.Unavailable(op, err)
	}
	return lockstore.Wrap(op, err)
}

// backoff waits before the next busy retry, it returns false once ctx is done.
func (s *storeImpl) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.timeout / 10):
		return true
	}
}

// write proposes a Command and reports whether the primitive took effect.
func (s *storeImpl) write(ctx context.Context, cmd internal.Command) (bool, error) {
	op := cmd.Type.String()
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(pctx, s.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			if !s.backoff(ctx) {
				return false, lockstore.Unavailable(op, ctx.Err())
			}
			continue
		}
		if err != nil {
			return false, s.classify(op, err)
		}
		if res.Value != uint64(lockstore.RetCSuccess) {
			return false, lockstore.NewError(lockstore.RetCode(res.Value), string(res.Data))
		}
		return bytes.Equal(res.Data, resultApplied), nil
	}
	return false, lockstore.Unavailable(op, dragonboat.ErrSystemBusy)
}

// read is a generic helper function that queries the state machine
// and attempts to convert the response into the expected type R.
func read[R any](ctx context.Context, s *storeImpl, q internal.Query) (R, error) {
	var zero R
	op := q.Type.String()
	for i := 0; i < retries; i++ {
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncRead(rctx, s.shardID, q)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			if !s.backoff(ctx) {
				return zero, lockstore.Unavailable(op, ctx.Err())
			}
			continue
		}
		if err != nil {
			return zero, s.classify(op, err)
		}

		casted, ok := res.(R)
		if !ok {
			return zero, lockstore.NewError(lockstore.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, lockstore.Unavailable(op, dragonboat.ErrSystemBusy)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Read(ctx context.Context, key string) (lockstore.LockRecord, bool, error) {
	if err := lockstore.ValidateKey(key); err != nil {
		return lockstore.LockRecord{}, false, err
	}
	res, err := read[internal.QueryResult](ctx, s, internal.Query{
		Type: internal.QueryTRead,
		Key:  key,
	})
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	return res.Record, res.Found, nil
}

func (s *storeImpl) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	return s.write(ctx, internal.Command{
		Type:  internal.CommandTTryCreate,
		Key:   key,
		Owner: owner,
		TTL:   ttl,
		Now:   s.clock.Now(),
	})
}

func (s *storeImpl) TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	return s.write(ctx, internal.Command{
		Type:  internal.CommandTTryTakeover,
		Key:   key,
		Owner: owner,
		TTL:   ttl,
		Now:   s.clock.Now(),
	})
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	return s.write(ctx, internal.Command{
		Type:  internal.CommandTDelete,
		Key:   key,
		Owner: owner,
		Now:   s.clock.Now(),
	})
}

// Connected reports whether the shard currently knows a leader.
func (s *storeImpl) Connected(_ context.Context) bool {
	_, _, valid, err := s.nh.GetLeaderID(s.shardID)
	return err == nil && valid
}

func (s *storeImpl) Close() error {
	if s.ownsNH {
		s.nh.Close()
	}
	return nil
}
