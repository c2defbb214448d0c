package mongostore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/lni/dragonboat/v4/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var log = logger.GetLogger("mongostore")

// DefaultCollection holds the lock documents.
const DefaultCollection = "dlease_locks"

// codeNamespaceExists is returned by create on an existing collection.
const codeNamespaceExists = 48

var errClosed = errors.New("mongo store closed")

// lockDocument is the stored form of a lock record. expires_at is kept next to
// the payload fields so that staleness can be evaluated inside the update filter.
type lockDocument struct {
	Key       string    `bson:"_id"`
	Owner     string    `bson:"owner"`
	TTL       float64   `bson:"ttl"` // seconds
	UpdatedAt time.Time `bson:"updated_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func newDocument(rec lockstore.LockRecord) lockDocument {
	return lockDocument{
		Key:       rec.Key,
		Owner:     rec.Owner,
		TTL:       rec.TTL.Seconds(),
		UpdatedAt: rec.UpdatedAt,
		ExpiresAt: rec.ExpiresAt(),
	}
}

func (d lockDocument) record() lockstore.LockRecord {
	return lockstore.Payload{Owner: d.Owner, TTL: d.TTL, UpdatedAt: d.UpdatedAt}.Record(d.Key)
}

// takeoverFilter matches the document of key if owner holds it or it is stale at now.
func takeoverFilter(key, owner string, now time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: key},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "owner", Value: owner}},
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: now}}}},
		}},
	}
}

func ownerFilter(key, owner string) bson.D {
	return bson.D{{Key: "_id", Value: key}, {Key: "owner", Value: owner}}
}

type storeImpl struct {
	client     *mongo.Client
	db         *mongo.Database
	name       string
	collection *mongo.Collection
	clock      clock.Clock
	ownsClient bool
	provision  *lockstore.Provisioner
	closed     atomic.Bool
}

// Option configures the mongo store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithCollection overrides DefaultCollection.
func WithCollection(name string) Option {
	return func(s *storeImpl) {
		if name != "" {
			s.name = name
		}
	}
}

// NewMongoStore creates a lock store in database db. The collection is
// created on first use, the client is not disconnected by Close.
func NewMongoStore(db *mongo.Database, opts ...Option) lockstore.ILockStore {
	s := &storeImpl{
		client: db.Client(),
		db:     db,
		name:   DefaultCollection,
		clock:  clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.collection = db.Collection(s.name)
	s.provision = lockstore.NewProvisioner("create collection "+s.name, s.createCollection)
	return s
}

// Config describes how to reach the deployment.
type Config struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// Connect creates a client from the config and a store owning it.
func Connect(ctx context.Context, cfg Config, opts ...Option) (lockstore.ILockStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, lockstore.Unavailable("connect", err)
	}
	store := NewMongoStore(client.Database(cfg.Database), append([]Option{WithCollection(cfg.Collection)}, opts...)...)
	store.(*storeImpl).ownsClient = true
	return store, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func (s *storeImpl) createCollection(ctx context.Context) error {
	err := s.db.CreateCollection(ctx, s.name)
	var se mongo.ServerError
	if err != nil && !(errors.As(err, &se) && se.HasErrorCode(codeNamespaceExists)) {
		return err
	}
	log.Infof("collection %s.%s is ready", s.db.Name(), s.name)
	return nil
}

func (s *storeImpl) prepare(ctx context.Context, op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, errClosed)
	}
	return s.provision.Ensure(ctx)
}

func classify(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return lockstore.Unavailable(op, err)
	}
	return lockstore.Wrap(op, err)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see lockstore/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Read(ctx context.Context, key string) (lockstore.LockRecord, bool, error) {
	if err := lockstore.ValidateKey(key); err != nil {
		return lockstore.LockRecord{}, false, err
	}
	if err := s.prepare(ctx, "read"); err != nil {
		return lockstore.LockRecord{}, false, err
	}

	var doc lockDocument
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return lockstore.LockRecord{}, false, classify("find", err)
	}
	return doc.record(), true, nil
}

func (s *storeImpl) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "create"); err != nil {
		return false, err
	}

	_, err := s.collection.InsertOne(ctx, newDocument(lockstore.NewRecord(key, owner, ttl, s.clock.Now())))
	if mongo.IsDuplicateKeyError(err) {
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
	if err := s.prepare(ctx, "takeover"); err != nil {
		return false, err
	}

	now := s.clock.Now()
	doc := newDocument(lockstore.NewRecord(key, owner, ttl, now))
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "owner", Value: doc.Owner},
		{Key: "ttl", Value: doc.TTL},
		{Key: "updated_at", Value: doc.UpdatedAt},
		{Key: "expires_at", Value: doc.ExpiresAt},
	}}}

	// single document updates are atomic, the filter is the ownership/staleness check
	res, err := s.collection.UpdateOne(ctx, takeoverFilter(key, owner, now), update)
	if err != nil {
		return false, classify("update", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "delete"); err != nil {
		return false, err
	}

	res, err := s.collection.DeleteOne(ctx, ownerFilter(key, owner))
	if err != nil {
		return false, classify("delete", err)
	}
	return res.DeletedCount == 1, nil
}

func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Ping(pctx, readpref.Primary()) == nil
}

func (s *storeImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) || !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
