package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lni/dragonboat/v4/logger"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var log = logger.GetLogger("sqlstore")

type storeImpl struct {
	db        *sql.DB
	dialect   Dialect
	table     string
	stmts     statements
	clock     clock.Clock
	ownsDB    bool
	provision *lockstore.Provisioner
	closed    atomic.Bool
}

// Option configures the sql store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithTable overrides the table name (DefaultTable).
func WithTable(table string) Option {
	return func(s *storeImpl) {
		s.table = table
	}
}

// NewSQLStore creates a lock store on an existing connection pool. The pool is
// not closed by Close. The table is created on first use.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) (lockstore.ILockStore, error) {
	s := &storeImpl{
		db:      db,
		dialect: dialect,
		table:   DefaultTable,
		clock:   clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := ValidateTable(s.table); err != nil {
		return nil, err
	}
	s.stmts = dialect.statements(s.table)
	s.provision = lockstore.NewProvisioner("create table "+s.table, s.createTable)
	return s, nil
}

// NewSQLStoreFromConfig opens a connection pool from the config and creates a
// lock store owning it.
func NewSQLStoreFromConfig(cfg *Config, opts ...Option) (lockstore.ILockStore, error) {
	db, dialect, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLStore(db, dialect, append([]Option{WithTable(cfg.Table)}, opts...)...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.(*storeImpl).ownsDB = true
	return store, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func (s *storeImpl) createTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.stmts.createTable); err != nil {
		return err
	}
	log.Infof("table %s is ready (%s)", s.table, s.dialect.Name)
	return nil
}

func (s *storeImpl) prepare(ctx context.Context, op string) error {
	if s.closed.Load() {
		return lockstore.Unavailable(op, sql.ErrConnDone)
	}
	return s.provision.Ensure(ctx)
}

// classify maps driver errors to the lockstore error codes. Deadlocks,
// serialization failures and busy databases are transient and therefore
// reported as unavailable.
// isDuplicateKey reports a MySQL unique key violation (ER_DUP_ENTRY).
func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, 1205, 1213, 2002, 2006, 2013: // too many connections, lock wait timeout, deadlock, connection lost
			return lockstore.Unavailable(op, err)
		}
		return lockstore.Internal(op, err)
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return lockstore.Unavailable(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", // serialization failure, deadlock
			strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "57P"): // operator intervention (shutdown)
			return lockstore.Unavailable(op, err)
		}
		return lockstore.Internal(op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return lockstore.Unavailable(op, err)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff { // primary result code
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return lockstore.Unavailable(op, err)
		}
		return lockstore.Internal(op, err)
	}

	if errors.Is(err, sql.ErrConnDone) {
		return lockstore.Unavailable(op, err)
	}
	return lockstore.Wrap(op, err)
}

// inTx runs fn inside a transaction and commits if fn succeeds.
func (s *storeImpl) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(op, err)
	}
	ok, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if !ok {
		// nothing was written, a rollback releases the row lock just as well
		_ = tx.Rollback()
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, classify(op, err)
	}
	return true, nil
}

// lockRow reads the raw payload of key inside tx, taking a row lock where the dialect has one.
func (s *storeImpl) lockRow(ctx context.Context, tx *sql.Tx, op, key string) (string, lockstore.LockRecord, bool, error) {
	var payload string
	err := tx.QueryRowContext(ctx, s.stmts.selectLock, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return "", lockstore.LockRecord{}, false, classify(op, err)
	}
	rec, err := lockstore.UnmarshalPayload(key, []byte(payload))
	if err != nil {
		return "", lockstore.LockRecord{}, false, err
	}
	return payload, rec, true, nil
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

	var payload string
	err := s.db.QueryRowContext(ctx, s.stmts.read, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return lockstore.LockRecord{}, false, nil
	}
	if err != nil {
		return lockstore.LockRecord{}, false, classify("read", err)
	}
	rec, err := lockstore.UnmarshalPayload(key, []byte(payload))
	if err != nil {
		return lockstore.LockRecord{}, false, err
	}
	return rec, true, nil
}

func (s *storeImpl) TryCreate(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "create"); err != nil {
		return false, err
	}

	payload, err := lockstore.NewRecord(key, owner, ttl, s.clock.Now()).MarshalPayload()
	if err != nil {
		return false, lockstore.Internal("encode payload", err)
	}

	// 1 row affected: inserted, 0 or a duplicate key error: the key already existed
	res, err := s.db.ExecContext(ctx, s.stmts.insert, key, string(payload))
	if isDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, classify("create", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, classify("create", err)
	}
	return rows == 1, nil
}

func (s *storeImpl) TryTakeoverOrRenew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := lockstore.Validate(key, owner, ttl); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "takeover"); err != nil {
		return false, err
	}

	return s.inTx(ctx, "takeover", func(tx *sql.Tx) (bool, error) {
		oldPayload, rec, found, err := s.lockRow(ctx, tx, "takeover", key)
		if err != nil || !found {
			return false, err
		}
		now := s.clock.Now()
		if !rec.ClaimableBy(owner, now) {
			return false, nil
		}

		newPayload, err := lockstore.NewRecord(key, owner, ttl, now).MarshalPayload()
		if err != nil {
			return false, lockstore.Internal("encode payload", err)
		}

		// compare-and-swap on the payload read above
		res, err := tx.ExecContext(ctx, s.stmts.update, string(newPayload), key, oldPayload)
		if err != nil {
			return false, classify("takeover", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return false, classify("takeover", err)
		}
		return rows == 1, nil
	})
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "delete"); err != nil {
		return false, err
	}

	return s.inTx(ctx, "delete", func(tx *sql.Tx) (bool, error) {
		payload, rec, found, err := s.lockRow(ctx, tx, "delete", key)
		if err != nil || !found || rec.Owner != owner {
			return false, err
		}
		res, err := tx.ExecContext(ctx, s.stmts.delete, key, payload)
		if err != nil {
			return false, classify("delete", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return false, classify("delete", err)
		}
		return rows == 1, nil
	})
}

func (s *storeImpl) Connected(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(pctx) == nil
}

func (s *storeImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsDB {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
