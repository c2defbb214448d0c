package spannerstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/lni/dragonboat/v4/logger"
	"google.golang.org/grpc/codes"
)

var log = logger.GetLogger("spannerstore")

// DefaultTable holds one row per lock.
const DefaultTable = "dlease_locks"

var (
	errClosed   = errors.New("spanner store closed")
	errNoAdmin  = errors.New("no admin client configured")
	tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,127}$`)
	payloadCols = []string{"LockKey", "Payload"}
	payloadOnly = []string{"Payload"}
)

type storeImpl struct {
	client      *spanner.Client
	admin       *database.DatabaseAdminClient
	database    string
	table       string
	clock       clock.Clock
	ownsClients bool
	provision   *lockstore.Provisioner
	closed      atomic.Bool
}

// Option configures the spanner store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithTable overrides DefaultTable.
func WithTable(table string) Option {
	return func(s *storeImpl) {
		s.table = table
	}
}

// NewSpannerStore creates a lock store on the given clients. databaseName is the
// full resource name (projects/<p>/instances/<i>/databases/<d>). The table is
// created with the admin client on first use; if admin is nil the table must exist.
func NewSpannerStore(client *spanner.Client, admin *database.DatabaseAdminClient, databaseName string, opts ...Option) (lockstore.ILockStore, error) {
	s := &storeImpl{
		client:   client,
		admin:    admin,
		database: databaseName,
		table:    DefaultTable,
		clock:    clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !tableNameRe.MatchString(s.table) {
		return nil, &lockstore.Error{Code: lockstore.RetCInvalidArgument, Msg: fmt.Sprintf("invalid table name %q", s.table)}
	}
	s.provision = lockstore.NewProvisioner("create table "+s.table, s.createTable)
	return s, nil
}

// Config describes the database to use.
type Config struct {
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

// Connect opens data and admin clients for the database. Both honor
// SPANNER_EMULATOR_HOST.
func Connect(ctx context.Context, cfg Config, opts ...Option) (lockstore.ILockStore, error) {
	client, err := spanner.NewClient(ctx, cfg.Database)
	if err != nil {
		return nil, lockstore.Unavailable("connect", err)
	}
	admin, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		client.Close()
		return nil, lockstore.Unavailable("connect admin", err)
	}
	if cfg.Table != "" {
		opts = append([]Option{WithTable(cfg.Table)}, opts...)
	}
	store, err := NewSpannerStore(client, admin, cfg.Database, opts...)
	if err != nil {
		client.Close()
		_ = admin.Close()
		return nil, err
	}
	store.(*storeImpl).ownsClients = true
	return store, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func createTableDDL(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LockKey STRING(MAX) NOT NULL, Payload STRING(MAX) NOT NULL) PRIMARY KEY (LockKey)", table)
}

func (s *storeImpl) createTable(ctx context.Context) error {
	if s.admin == nil {
		return errNoAdmin
	}
	op, err := s.admin.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   s.database,
		Statements: []string{createTableDDL(s.table)},
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	// servers without IF NOT EXISTS support report an existing table this way
	if err != nil && !(spanner.ErrCode(err) == codes.FailedPrecondition && strings.Contains(err.Error(), "Duplicate name")) {
		return err
	}
	log.Infof("table %s is ready in %s", s.table, s.database)
	return nil
}

func (s *storeImpl) prepare(ctx context.Context, op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, errClosed)
	}
	if s.admin == nil {
		return nil
	}
	return s.provision.Ensure(ctx)
}

func classify(op string, err error) error {
	switch spanner.ErrCode(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return lockstore.Unavailable(op, err)
	}
	return lockstore.Wrap(op, err)
}

// readPayload reads the record of key with the given reader (single use or transaction).
func (s *storeImpl) readPayload(ctx context.Context, txn interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
}, key string) (lockstore.LockRecord, bool, error) {
	row, err := txn.ReadRow(ctx, s.table, spanner.Key{key}, payloadOnly)
	if spanner.ErrCode(err) == codes.NotFound {
		return lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	var payload string
	if err := row.Column(0, &payload); err != nil {
		return lockstore.LockRecord{}, false, lockstore.Internal("decode row", err)
	}
	rec, err := lockstore.UnmarshalPayload(key, []byte(payload))
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	return rec, true, nil
}

func (s *storeImpl) encode(key, owner string, ttl time.Duration, now time.Time) (string, error) {
	payload, err := lockstore.NewRecord(key, owner, ttl, now).MarshalPayload()
	if err != nil {
		return "", lockstore.Internal("encode payload", err)
	}
	return string(payload), nil
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
	rec, found, err := s.readPayload(ctx, s.client.Single(), key)
	if err != nil {
		return lockstore.LockRecord{}, false, classify("read", err)
	}
	return rec, found, nil
}

func (s *storeImpl) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "create"); err != nil {
		return false, err
	}
	payload, err := s.encode(key, owner, ttl, s.clock.Now())
	if err != nil {
		return false, err
	}

	_, err = s.client.Apply(ctx, []*spanner.Mutation{spanner.Insert(s.table, payloadCols, []any{key, payload})})
	if spanner.ErrCode(err) == codes.AlreadyExists {
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

	var applied bool
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		applied = false
		rec, found, err := s.readPayload(ctx, txn, key)
		if err != nil || !found {
			return err
		}
		now := s.clock.Now()
		if !rec.ClaimableBy(owner, now) {
			return nil
		}
		payload, err := s.encode(key, owner, ttl, now)
		if err != nil {
			return err
		}
		if err := txn.BufferWrite([]*spanner.Mutation{spanner.Update(s.table, payloadCols, []any{key, payload})}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, classify("takeover", err)
	}
	return applied, nil
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "delete"); err != nil {
		return false, err
	}

	var deleted bool
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		deleted = false
		rec, found, err := s.readPayload(ctx, txn, key)
		if err != nil || !found || rec.Owner != owner {
			return err
		}
		if err := txn.BufferWrite([]*spanner.Mutation{spanner.Delete(s.table, spanner.Key{key})}); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, classify("delete", err)
	}
	return deleted, nil
}

func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	iter := s.client.Single().Query(pctx, spanner.Statement{SQL: "SELECT 1"})
	return iter.Do(func(*spanner.Row) error { return nil }) == nil
}

func (s *storeImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) || !s.ownsClients {
		return nil
	}
	s.client.Close()
	if s.admin != nil {
		return s.admin.Close()
	}
	return nil
}
