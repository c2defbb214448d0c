package ldapstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/go-ldap/ldap/v3"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("ldapstore")

const payloadAttribute = "description"

// DefaultOU names the organizational unit below the base DN that holds the lock entries.
const DefaultOU = "dlease"

var errClosed = errors.New("ldap connection closed")

// Conn is the subset of *ldap.Conn used by the store.
type Conn interface {
	Add(addRequest *ldap.AddRequest) error
	Del(delRequest *ldap.DelRequest) error
	Modify(modifyRequest *ldap.ModifyRequest) error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
}

type storeImpl struct {
	conn        Conn
	closer      func()
	containerDN string
	ou          string
	clock       clock.Clock
	provision   *lockstore.Provisioner
	closed      atomic.Bool
}

// Option configures the ldap store.
type Option func(*storeImpl)

// WithClock sets the clock used for updated_at and staleness checks.
func WithClock(clk clock.Clock) Option {
	return func(s *storeImpl) {
		s.clock = clk
	}
}

// WithOU sets the name of the organizational unit holding the lock entries.
func WithOU(ou string) Option {
	return func(s *storeImpl) {
		if ou != "" {
			s.ou = ou
		}
	}
}

// NewLDAPStore creates a lock store keeping one entry per key below
// ou=<ou>,<baseDN>. The organizational unit is created on first use.
// The connection is expected to be bound already and is not closed by Close.
func NewLDAPStore(conn Conn, baseDN string, opts ...Option) lockstore.ILockStore {
	s := &storeImpl{
		conn:  conn,
		ou:    DefaultOU,
		clock: clock.System(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.containerDN = fmt.Sprintf("ou=%s,%s", ldap.EscapeDN(s.ou), baseDN)
	s.provision = lockstore.NewProvisioner("create "+s.containerDN, s.createContainer)
	return s
}

// Config describes how to reach the directory.
type Config struct {
	URL          string `mapstructure:"url"`
	BindDN       string `mapstructure:"bind-dn"`
	BindPassword string `mapstructure:"bind-password"`
	BaseDN       string `mapstructure:"base-dn"`
	OU           string `mapstructure:"ou"`
}

// Dial connects and binds to the directory and creates a store owning the connection.
func Dial(cfg Config, opts ...Option) (lockstore.ILockStore, error) {
	conn, err := ldap.DialURL(cfg.URL)
	if err != nil {
		return nil, lockstore.Unavailable("dial "+cfg.URL, err)
	}
	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			conn.Close()
			return nil, classify("bind", err)
		}
	}
	store := NewLDAPStore(conn, cfg.BaseDN, append([]Option{WithOU(cfg.OU)}, opts...)...)
	store.(*storeImpl).closer = func() { conn.Close() }
	return store, nil
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func (s *storeImpl) entryDN(key string) string {
	return fmt.Sprintf("cn=%s,%s", ldap.EscapeDN(key), s.containerDN)
}

func (s *storeImpl) createContainer(_ context.Context) error {
	req := ldap.NewAddRequest(s.containerDN, nil)
	req.Attribute("objectClass", []string{"top", "organizationalUnit"})
	req.Attribute("ou", []string{s.ou})
	err := s.conn.Add(req)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
		return err
	}
	log.Infof("container %s is ready", s.containerDN)
	return nil
}

func (s *storeImpl) prepare(ctx context.Context, op string) error {
	if s.closed.Load() || s.conn.IsClosing() {
		return lockstore.Unavailable(op, errClosed)
	}
	if err := ctx.Err(); err != nil {
		return lockstore.Wrap(op, err)
	}
	return s.provision.Ensure(ctx)
}

var unavailableCodes = []uint16{
	ldap.ErrorNetwork,
	ldap.LDAPResultBusy,
	ldap.LDAPResultUnavailable,
	ldap.LDAPResultTimeLimitExceeded,
}

func classify(op string, err error) error {
	for _, code := range unavailableCodes {
		if ldap.IsErrorWithCode(err, code) {
			return lockstore.Unavailable(op, err)
		}
	}
	return lockstore.Wrap(op, err)
}

// readPayload returns the raw payload of the entry for key.
func (s *storeImpl) readPayload(key string) (string, bool, error) {
	req := ldap.NewSearchRequest(
		s.entryDN(key),
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)",
		[]string{payloadAttribute},
		nil,
	)
	res, err := s.conn.Search(req)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("search", err)
	}
	if len(res.Entries) == 0 {
		return "", false, nil
	}
	return res.Entries[0].GetAttributeValue(payloadAttribute), true, nil
}

func (s *storeImpl) readRecord(key string) (string, lockstore.LockRecord, bool, error) {
	payload, found, err := s.readPayload(key)
	if err != nil || !found {
		return "", lockstore.LockRecord{}, false, err
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
	_, rec, found, err := s.readRecord(key)
	return rec, found, err
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

	req := ldap.NewAddRequest(s.entryDN(key), nil)
	req.Attribute("objectClass", []string{"top", "applicationProcess"})
	req.Attribute("cn", []string{key})
	req.Attribute(payloadAttribute, []string{string(payload)})

	err = s.conn.Add(req)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, classify("add", err)
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

	oldPayload, rec, found, err := s.readRecord(key)
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

	// the assertion makes the modify fail if the entry changed since the read
	req := ldap.NewModifyRequest(s.entryDN(key), []ldap.Control{NewAssertionControl(payloadAttribute, oldPayload)})
	req.Replace(payloadAttribute, []string{string(newPayload)})

	err = s.conn.Modify(req)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultAssertionFailed) || ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return false, nil
	}
	if err != nil {
		return false, classify("modify", err)
	}
	return true, nil
}

func (s *storeImpl) Delete(ctx context.Context, key, owner string) (bool, error) {
	if err := lockstore.ValidateOwner(key, owner); err != nil {
		return false, err
	}
	if err := s.prepare(ctx, "delete"); err != nil {
		return false, err
	}

	payload, rec, found, err := s.readRecord(key)
	if err != nil || !found || rec.Owner != owner {
		return false, err
	}

	err = s.conn.Del(ldap.NewDelRequest(s.entryDN(key), []ldap.Control{NewAssertionControl(payloadAttribute, payload)}))
	if ldap.IsErrorWithCode(err, ldap.LDAPResultAssertionFailed) || ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
		return false, nil
	}
	if err != nil {
		return false, classify("delete", err)
	}
	return true, nil
}

// Connected reads the root DSE.
func (s *storeImpl) Connected(_ context.Context) bool {
	if s.closed.Load() || s.conn.IsClosing() {
		return false
	}
	req := ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 5, false,
		"(objectClass=*)", []string{"supportedControl"}, nil)
	_, err := s.conn.Search(req)
	return err == nil
}

func (s *storeImpl) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.closer != nil {
		s.closer()
	}
	return nil
}
