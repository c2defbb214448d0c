package etcdstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultKeyPrefix is prepended to every lock key.
const DefaultKeyPrefix = "/dlease/locks/"

var errClosed = errors.New("etcd store closed")

type storeImpl struct {
	client     *clientv3.Client
	prefix     string
	clock      clock.Clock
	ownsClient bool
	closed     atomic.Bool
}

// Option configures the etcd store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *storeImpl) {
		s.prefix = prefix
	}
}

// NewEtcdStore creates a lock store on an existing client, which is not closed by Close.
func NewEtcdStore(client *clientv3.Client, opts ...Option) lockstore.ILockStore {
	s := &storeImpl{
		client: client,
		prefix: DefaultKeyPrefix,
		clock:  clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config describes how to reach the cluster.
type Config struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
	KeyPrefix   string        `mapstructure:"key-prefix"`
}

// Connect creates a client from the config and a store owning it.
func Connect(cfg Config, opts ...Option) (lockstore.ILockStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, lockstore.Unavailable("connect", err)
	}
	if cfg.KeyPrefix != "" {
		opts = append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)
	}
	store := NewEtcdStore(client, opts...)
	store.(*storeImpl).ownsClient = true
	return store, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func isTransientCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

func classify(op string, err error) error {
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) && isTransientCode(etcdErr.Code()) {
		return lockstore.Unavailable(op, err)
	}
	if st, ok := status.FromError(err); ok && isTransientCode(st.Code()) {
		return lockstore.Unavailable(op, err)
	}
	return lockstore.Wrap(op, err)
}

func (s *storeImpl) checkOpen(op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, errClosed)
	}
	return nil
}

// load returns the decoded record and its modification revision.
func (s *storeImpl) load(ctx context.Context, key string) (lockstore.LockRecord, int64, bool, error) {
	resp, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return lockstore.LockRecord{}, 0, false, classify("get", err)
	}
	if len(resp.Kvs) == 0 {
		return lockstore.LockRecord{}, 0, false, nil
	}
	kv := resp.Kvs[0]
	rec, err := lockstore.UnmarshalPayload(key, kv.Value)
	if err != nil {
		return lockstore.LockRecord{}, 0, false, err
	}
	return rec, kv.ModRevision, true, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Read(ctx context.Context, key string) (lockstore.LockRecord, bool, error) {
	if err := lockstore.ValidateKey(key); err != nil {
		return lockstore.LockRecord{}, false, err
	}
	if err := s.checkOpen("read"); err != nil {
		return lockstore.LockRecord{}, false, err
	}
	rec, _, found, err := s.load(ctx, key)
	return rec, found, err
}

func (s *storeImpl) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("create"); err != nil {
		return false, err
	}

	payload, err := lockstore.NewRecord(key, owner, ttl, s.clock.Now()).MarshalPayload()
	if err != nil {
		return false, lockstore.Internal("encode payload", err)
	}

	k := s.prefix + key
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(payload))).
		Commit()
	if err != nil {
		return false, classify("txn create", err)
	}
	return resp.Succeeded, nil
}

func (s *storeImpl) TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("takeover"); err != nil {
		return false, err
	}

	rec, rev, found, err := s.load(ctx, key)
	if err != nil || !found {
		return false, err
	}
	now := s.clock.Now()
	if !rec.ClaimableBy(owner, now) {
		return false, nil
	}

	payload, err := lockstore.NewRecord(key, owner, ttl, now).MarshalPayload()
	if err != nil {
		return false, lockstore.Internal("encode payload", err)
	}

	k := s.prefix + key
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
		Then(clientv3.OpPut(k, string(payload))).
		Commit()
	if err != nil {
		return false, classify("txn takeover", err)
	}
	return resp.Succeeded, nil
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.checkOpen("delete"); err != nil {
		return false, err
	}

	rec, rev, found, err := s.load(ctx, key)
	if err != nil || !found || rec.Owner != owner {
		return false, err
	}

	k := s.prefix + key
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", rev)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, classify("txn delete", err)
	}
	return resp.Succeeded, nil
}

// Connected asks the first reachable endpoint for its status.
func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, ep := range s.client.Endpoints() {
		if _, err := s.client.Status(sctx, ep); err == nil {
			return true
		}
	}
	return false
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.ownsClient {
		return s.client.Close()
	}
	return nil
}
