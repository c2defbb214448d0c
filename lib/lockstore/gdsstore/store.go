package gdsstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultKind is the entity kind of lock entities.
const DefaultKind = "DLeaseLock"

// probeKeyName names an entity that is never written; reading it checks reachability.
const probeKeyName = "dlease-connectivity-probe"

var errClosed = errors.New("datastore store closed")

// lockEntity stores the JSON payload unindexed, the key name is the lock key.
type lockEntity struct {
	Payload string `datastore:"payload,noindex"`
}

type storeImpl struct {
	client     *datastore.Client
	kind       string
	namespace  string
	clock      clock.Clock
	ownsClient bool
	closed     atomic.Bool
}

// Option configures the datastore store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithKind overrides DefaultKind.
func WithKind(kind string) Option {
	return func(s *storeImpl) {
		s.kind = kind
	}
}

// WithNamespace places all lock entities in the given namespace.
func WithNamespace(namespace string) Option {
	return func(s *storeImpl) {
		s.namespace = namespace
	}
}

// NewDatastoreStore creates a lock store on an existing client, which is not closed by Close.
func NewDatastoreStore(client *datastore.Client, opts ...Option) lockstore.ILockStore {
	s := &storeImpl{
		client: client,
		kind:   DefaultKind,
		clock:  clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config selects the project (and optionally kind and namespace).
type Config struct {
	Project   string `mapstructure:"project"`
	Kind      string `mapstructure:"kind"`
	Namespace string `mapstructure:"namespace"`
}

// Connect creates a client for the project. It honors DATASTORE_EMULATOR_HOST.
func Connect(ctx context.Context, cfg Config, opts ...Option) (lockstore.ILockStore, error) {
	client, err := datastore.NewClient(ctx, cfg.Project)
	if err != nil {
		return nil, lockstore.Unavailable("connect", err)
	}
	var base []Option
	if cfg.Kind != "" {
		base = append(base, WithKind(cfg.Kind))
	}
	if cfg.Namespace != "" {
		base = append(base, WithNamespace(cfg.Namespace))
	}
	store := NewDatastoreStore(client, append(base, opts...)...)
	store.(*storeImpl).ownsClient = true
	return store, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func (s *storeImpl) entityKey(key string) *datastore.Key {
	k := datastore.NameKey(s.kind, key, nil)
	k.Namespace = s.namespace
	return k
}

func classify(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
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

type getter interface {
	Get(key *datastore.Key, dst any) error
}

// load reads the record of key inside tx.
func (s *storeImpl) load(tx getter, key string) (lockstore.LockRecord, bool, error) {
	var e lockEntity
	err := tx.Get(s.entityKey(key), &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	rec, err := lockstore.UnmarshalPayload(key, []byte(e.Payload))
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	return rec, true, nil
}

func (s *storeImpl) newEntity(key, owner string, ttl time.Duration, now time.Time) (*lockEntity, error) {
	payload, err := lockstore.NewRecord(key, owner, ttl, now).MarshalPayload()
	if err != nil {
		return nil, lockstore.Internal("encode payload", err)
	}
	return &lockEntity{Payload: string(payload)}, nil
}

// runTx runs fn in a transaction. A conflicting commit means another writer won
// the race, which the primitives report as false.
func (s *storeImpl) runTx(ctx context.Context, op string, fn func(tx *datastore.Transaction) (bool, error)) (bool, error) {
	var applied bool
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var err error
		applied, err = fn(tx)
		return err
	})
	if errors.Is(err, datastore.ErrConcurrentTransaction) {
		return false, nil
	}
	if err != nil {
		return false, classify(op, err)
	}
	return applied, nil
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

	var e lockEntity
	err := s.client.Get(ctx, s.entityKey(key), &e)
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return lockstore.LockRecord{}, false, classify("get", err)
	}
	rec, err := lockstore.UnmarshalPayload(key, []byte(e.Payload))
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	return rec, true, nil
}

func (s *storeImpl) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("create"); err != nil {
		return false, err
	}

	return s.runTx(ctx, "create", func(tx *datastore.Transaction) (bool, error) {
		_, found, err := s.load(tx, key)
		if err != nil || found {
			return false, err
		}
		e, err := s.newEntity(key, owner, ttl, s.clock.Now())
		if err != nil {
			return false, err
		}
		if _, err := tx.Put(s.entityKey(key), e); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *storeImpl) TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("takeover"); err != nil {
		return false, err
	}

	return s.runTx(ctx, "takeover", func(tx *datastore.Transaction) (bool, error) {
		rec, found, err := s.load(tx, key)
		if err != nil || !found {
			return false, err
		}
		now := s.clock.Now()
		if !rec.ClaimableBy(owner, now) {
			return false, nil
		}
		e, err := s.newEntity(key, owner, ttl, now)
		if err != nil {
			return false, err
		}
		if _, err := tx.Put(s.entityKey(key), e); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.checkOpen("delete"); err != nil {
		return false, err
	}

	return s.runTx(ctx, "delete", func(tx *datastore.Transaction) (bool, error) {
		rec, found, err := s.load(tx, key)
		if err != nil || !found || rec.Owner != owner {
			return false, err
		}
		if err := tx.Delete(s.entityKey(key)); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Connected reads the probe entity; a missing entity still proves reachability.
func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var e lockEntity
	err := s.client.Get(pctx, s.entityKey(probeKeyName), &e)
	return err == nil || errors.Is(err, datastore.ErrNoSuchEntity)
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.ownsClient {
		return s.client.Close()
	}
	return nil
}
