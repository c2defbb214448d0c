package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/gofrs/flock"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("filestore")

var errClosed = errors.New("filestore closed")

const (
	recordSuffix = ".lease"
	guardSuffix  = ".guard"

	// DefaultRetryDelay is the poll interval while waiting for the per-key guard.
	DefaultRetryDelay = 5 * time.Millisecond
)

type storeImpl struct {
	dir        string
	clock      clock.Clock
	retryDelay time.Duration
	provision  *lockstore.Provisioner
	closed     atomic.Bool
}

// Option configures the file store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithRetryDelay sets the poll interval while waiting for a busy key guard.
func WithRetryDelay(d time.Duration) Option {
	return func(s *storeImpl) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// NewFileStore creates a lock store that keeps one record file per key in dir.
// The directory is created on first use. All processes sharing the directory
// (on the same host or on a file system with working flock semantics) coordinate
// through it.
func NewFileStore(dir string, opts ...Option) lockstore.ILockStore {
	s := &storeImpl{
		dir:        dir,
		clock:      clock.System(),
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.provision = lockstore.NewProvisioner("create lock directory", func(ctx context.Context) error {
		return os.MkdirAll(s.dir, 0o750)
	})
	return s
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// maxEncodedName keeps record and temp file names well below the common
// 255 byte NAME_MAX.
const maxEncodedName = 160

// fileName maps a key to a file system safe name. Long keys are hashed, the
// '=' prefix never occurs in unpadded base64url so both forms cannot collide.
func fileName(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	if len(name) <= maxEncodedName {
		return name
	}
	sum := sha256.Sum256([]byte(key))
	return "=" + hex.EncodeToString(sum[:])
}

func (s *storeImpl) recordPath(key string) string {
	return filepath.Join(s.dir, fileName(key)+recordSuffix)
}

func (s *storeImpl) guardPath(key string) string {
	return filepath.Join(s.dir, fileName(key)+guardSuffix)
}

func (s *storeImpl) prepare(ctx context.Context, op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, errClosed)
	}
	return s.provision.Ensure(ctx)
}

// readRecord loads the record file, a missing file means no record.
func (s *storeImpl) readRecord(key string) (lockstore.LockRecord, bool, error) {
	data, err := os.ReadFile(s.recordPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return lockstore.LockRecord{}, false, lockstore.Unavailable("read record file", err)
	}
	rec, err := lockstore.UnmarshalPayload(key, data)
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	return rec, true, nil
}

// writeRecord replaces the record file atomically (write temp file, then rename).
func (s *storeImpl) writeRecord(rec lockstore.LockRecord) error {
	data, err := rec.MarshalPayload()
	if err != nil {
		return lockstore.Internal("encode payload", err)
	}

	tmp, err := os.CreateTemp(s.dir, fileName(rec.Key)+".*.tmp")
	if err != nil {
		return lockstore.Unavailable("create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return lockstore.Unavailable("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return lockstore.Unavailable("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return lockstore.Unavailable("close temp file", err)
	}
	if err := os.Rename(tmpName, s.recordPath(rec.Key)); err != nil {
		return lockstore.Unavailable("rename record file", err)
	}
	return nil
}

// withGuard runs fn while holding the exclusive advisory lock of key.
func (s *storeImpl) withGuard(ctx context.Context, key string, fn func() error) error {
	guard := flock.New(s.guardPath(key))
	locked, err := guard.TryLockContext(ctx, s.retryDelay)
	if err != nil {
		return lockstore.Unavailable("lock guard file", err)
	}
	if !locked {
		return lockstore.Unavailable("lock guard file", fmt.Errorf("guard for %s not acquired", key))
	}
	defer func() {
		if err := guard.Unlock(); err != nil {
			log.Warningf("failed to unlock guard for %s: %v", key, err)
		}
	}()
	return fn()
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
	return s.readRecord(key)
}

func (s *storeImpl) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "create"); err != nil {
		return false, err
	}

	created := false
	err := s.withGuard(ctx, key, func() error {
		_, found, err := s.readRecord(key)
		if err != nil || found {
			return err
		}
		if err := s.writeRecord(lockstore.NewRecord(key, owner, ttl, s.clock.Now())); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (s *storeImpl) TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "takeover"); err != nil {
		return false, err
	}

	written := false
	err := s.withGuard(ctx, key, func() error {
		rec, found, err := s.readRecord(key)
		if err != nil || !found {
			return err
		}
		now := s.clock.Now()
		if !rec.ClaimableBy(owner, now) {
			return nil
		}
		if err := s.writeRecord(lockstore.NewRecord(key, owner, ttl, now)); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "delete"); err != nil {
		return false, err
	}

	deleted := false
	err := s.withGuard(ctx, key, func() error {
		rec, found, err := s.readRecord(key)
		if err != nil || !found || rec.Owner != owner {
			return err
		}
		if err := os.Remove(s.recordPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return lockstore.Unavailable("remove record file", err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	if err := s.provision.Ensure(ctx); err != nil {
		return false
	}
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

// Close marks the store as closed. Record and guard files stay on disk.
func (s *storeImpl) Close() error {
	s.closed.Store(true)
	return nil
}
