package redisstore

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to every lock key.
const DefaultKeyPrefix = "dlease:lock:"

// compareAndSwapScript replaces the value of KEYS[1] with ARGV[2] only if it
// still equals ARGV[1]. Returns 1 if the value was replaced, 0 otherwise.
var compareAndSwapScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current == false or current ~= ARGV[1] then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[2])
	return 1
`)

// compareAndDeleteScript deletes KEYS[1] only if its value still equals ARGV[1].
// Returns 1 if the key was deleted, 0 otherwise.
var compareAndDeleteScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current == false or current ~= ARGV[1] then
		return 0
	end
	redis.call('DEL', KEYS[1])
	return 1
`)

// transientReplyPrefixes are server replies that clear up on their own.
var transientReplyPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}

type storeImpl struct {
	client     redis.UniversalClient
	prefix     string
	clock      clock.Clock
	ownsClient bool
	closed     atomic.Bool
}

// Option configures the redis store.
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

// NewRedisStore creates a lock store on an existing client (single node,
// sentinel or cluster). The client is not closed by Close.
func NewRedisStore(client redis.UniversalClient, opts ...Option) lockstore.ILockStore {
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

// Config describes how to reach redis.
type Config struct {
	Addrs     []string `mapstructure:"addrs"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
	KeyPrefix string   `mapstructure:"key-prefix"`
}

// Connect creates a universal client from the config and a store owning it.
func Connect(cfg Config, opts ...Option) lockstore.ILockStore {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if cfg.KeyPrefix != "" {
		opts = append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)
	}
	store := NewRedisStore(client, opts...)
	store.(*storeImpl).ownsClient = true
	return store
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func classify(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, redis.ErrPoolTimeout) {
		return lockstore.Unavailable(op, err)
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		for _, prefix := range transientReplyPrefixes {
			if strings.HasPrefix(redisErr.Error(), prefix) {
				return lockstore.Unavailable(op, err)
			}
		}
	}
	return lockstore.Wrap(op, err)
}

func (s *storeImpl) checkOpen(op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, redis.ErrClosed)
	}
	return nil
}

// load returns the raw value and the decoded record of key.
func (s *storeImpl) load(ctx context.Context, key string) (string, lockstore.LockRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return "", lockstore.LockRecord{}, false, classify("get", err)
	}
	rec, err := lockstore.UnmarshalPayload(key, []byte(raw))
	if err != nil {
		return "", lockstore.LockRecord{}, false, err
	}
	return raw, rec, true, nil
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
	_, rec, found, err := s.load(ctx, key)
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

	// no redis expiry: stale records stay until taken over or deleted
	created, err := s.client.SetNX(ctx, s.prefix+key, payload, 0).Result()
	if err != nil {
		return false, classify("setnx", err)
	}
	return created, nil
}

func (s *storeImpl) TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.checkOpen("takeover"); err != nil {
		return false, err
	}

	oldRaw, rec, found, err := s.load(ctx, key)
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

	swapped, err := compareAndSwapScript.Run(ctx, s.client, []string{s.prefix + key}, oldRaw, string(payload)).Int()
	if err != nil {
		return false, classify("compare and swap", err)
	}
	return swapped == 1, nil
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.checkOpen("delete"); err != nil {
		return false, err
	}

	raw, rec, found, err := s.load(ctx, key)
	if err != nil || !found || rec.Owner != owner {
		return false, err
	}

	deleted, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.prefix + key}, raw).Int()
	if err != nil {
		return false, classify("compare and delete", err)
	}
	return deleted == 1, nil
}

func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	return s.client.Ping(ctx).Err() == nil
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.ownsClient {
		return s.client.Close()
	}
	return nil
}
