package couchstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/couchbase/gocb/v2"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("couchstore")

// DefaultKeyPrefix is prepended to every lock key to form the document id.
const DefaultKeyPrefix = "dlease_lock_"

var errClosed = errors.New("couchbase store closed")

type storeImpl struct {
	docs   documents
	prefix string
	clock  clock.Clock
	closer func() error
	closed atomic.Bool
}

// Option configures the couchbase store.
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

func newStore(docs documents, opts ...Option) *storeImpl {
	s := &storeImpl{
		docs:   docs,
		prefix: DefaultKeyPrefix,
		clock:  clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewCouchbaseStore creates a lock store on an existing collection of bucket.
// The bucket and collection must exist; the cluster is not closed by Close.
func NewCouchbaseStore(bucket *gocb.Bucket, collection *gocb.Collection, opts ...Option) lockstore.ILockStore {
	return newStore(&collectionDocuments{bucket: bucket, collection: collection}, opts...)
}

// Config describes how to reach the cluster.
type Config struct {
	ConnStr    string `mapstructure:"conn-str"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Bucket     string `mapstructure:"bucket"`
	Scope      string `mapstructure:"scope"`      // empty: default scope
	Collection string `mapstructure:"collection"` // empty: default collection
}

// Connect opens the cluster, waits for the bucket and creates a store owning the cluster.
func Connect(cfg Config, opts ...Option) (lockstore.ILockStore, error) {
	cluster, err := gocb.Connect(cfg.ConnStr, gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, lockstore.Unavailable("connect "+cfg.ConnStr, err)
	}

	bucket := cluster.Bucket(cfg.Bucket)
	if err := bucket.WaitUntilReady(10*time.Second, nil); err != nil {
		_ = cluster.Close(nil)
		return nil, lockstore.Unavailable("open bucket "+cfg.Bucket, err)
	}

	collection := bucket.DefaultCollection()
	if cfg.Scope != "" || cfg.Collection != "" {
		scope := bucket.DefaultScope()
		if cfg.Scope != "" {
			scope = bucket.Scope(cfg.Scope)
		}
		collection = scope.Collection(cfg.Collection)
	}

	s := newStore(&collectionDocuments{bucket: bucket, collection: collection}, opts...)
	s.closer = func() error { return cluster.Close(nil) }
	log.Infof("connected to bucket %s", cfg.Bucket)
	return s, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func classify(op string, err error) error {
	switch {
	case errors.Is(err, gocb.ErrTimeout),
		errors.Is(err, gocb.ErrAmbiguousTimeout),
		errors.Is(err, gocb.ErrUnambiguousTimeout),
		errors.Is(err, gocb.ErrTemporaryFailure),
		errors.Is(err, gocb.ErrServiceNotAvailable),
		errors.Is(err, gocb.ErrRequestCanceled):
		return lockstore.Unavailable(op, err)
	}
	return lockstore.Wrap(op, err)
}

func (s *storeImpl) id(key string) string {
	return s.prefix + key
}

func (s *storeImpl) checkOpen(op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, errClosed)
	}
	return nil
}

func (s *storeImpl) load(ctx context.Context, key string) (lockstore.LockRecord, gocb.Cas, bool, error) {
	p, cas, err := s.docs.get(ctx, s.id(key))
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return lockstore.LockRecord{}, 0, false, nil
	}
	if err != nil {
		return lockstore.LockRecord{}, 0, false, classify("get", err)
	}
	return p.Record(key), cas, true, nil
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

	err := s.docs.insert(ctx, s.id(key), lockstore.NewRecord(key, owner, ttl, s.clock.Now()).Payload())
	if errors.Is(err, gocb.ErrDocumentExists) {
		return false, nil
	}
	if err != nil {
		return false, classify("insert", err)
	}
	return true, nil
}

func (s *storeImpl) TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("takeover"); err != nil {
		return false, err
	}

	rec, cas, found, err := s.load(ctx, key)
	if err != nil || !found {
		return false, err
	}
	now := s.clock.Now()
	if !rec.ClaimableBy(owner, now) {
		return false, nil
	}

	err = s.docs.replace(ctx, s.id(key), lockstore.NewRecord(key, owner, ttl, now).Payload(), cas)
	if errors.Is(err, gocb.ErrCasMismatch) || errors.Is(err, gocb.ErrDocumentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("replace", err)
	}
	return true, nil
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.checkOpen("delete"); err != nil {
		return false, err
	}

	rec, cas, found, err := s.load(ctx, key)
	if err != nil || !found || rec.Owner != owner {
		return false, err
	}

	err = s.docs.remove(ctx, s.id(key), cas)
	if errors.Is(err, gocb.ErrCasMismatch) || errors.Is(err, gocb.ErrDocumentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("remove", err)
	}
	return true, nil
}

func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	return s.docs.ping(ctx) == nil
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.closer != nil {
		return s.closer()
	}
	return nil
}
