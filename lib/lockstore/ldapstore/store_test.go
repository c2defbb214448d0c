package ldapstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	locktesting "github.com/ValentinKolb/dLease/lib/lockstore/testing"
	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseDN = "o=jans"

func TestLDAPStoreWithFakeDirectory(t *testing.T) {
	dir := newFakeDirectory()
	locktesting.RunLockStoreTests(t, "FakeDirectory", func(clk clock.Clock) lockstore.ILockStore {
		return NewLDAPStore(dir, baseDN, WithClock(clk))
	})
}

func TestLDAPStoreWithServer(t *testing.T) {
	url := locktesting.RequireEnv(t, "DLEASE_TEST_LDAP_URL")
	cfg := Config{
		URL:          url,
		BindDN:       locktesting.RequireEnv(t, "DLEASE_TEST_LDAP_BIND_DN"),
		BindPassword: locktesting.RequireEnv(t, "DLEASE_TEST_LDAP_BIND_PASSWORD"),
		BaseDN:       locktesting.RequireEnv(t, "DLEASE_TEST_LDAP_BASE_DN"),
	}
	locktesting.RunLockStoreTests(t, "Directory", func(clk clock.Clock) lockstore.ILockStore {
		store, err := Dial(cfg, WithClock(clk))
		require.NoError(t, err)
		return store
	})
}

func TestContainerIsProvisioned(t *testing.T) {
	dir := newFakeDirectory()
	store := NewLDAPStore(dir, baseDN, WithOU("locks"))

	created, err := store.TryCreate(context.Background(), "k", "A", time.Second)
	require.NoError(t, err)
	assert.True(t, created)

	dir.mu.Lock()
	defer dir.mu.Unlock()
	assert.Contains(t, dir.entries, "ou=locks,o=jans")
	assert.Contains(t, dir.entries, "cn=k,ou=locks,o=jans")
	assert.Equal(t, []string{"top", "applicationProcess"}, dir.entries["cn=k,ou=locks,o=jans"]["objectClass"])
}

func TestExistingContainerIsAccepted(t *testing.T) {
	dir := newFakeDirectory()
	dir.entries["ou=dlease,o=jans"] = map[string][]string{"ou": {"dlease"}}

	store := NewLDAPStore(dir, baseDN)
	created, err := store.TryCreate(context.Background(), "k", "A", time.Second)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestChangedEntryFailsAssertion(t *testing.T) {
	dir := newFakeDirectory()
	clk := clock.NewMock(locktesting.Epoch)
	store := NewLDAPStore(dir, baseDN, WithClock(clk)).(*storeImpl)
	ctx := context.Background()

	created, err := store.TryCreate(ctx, "k", "A", time.Second)
	require.NoError(t, err)
	require.True(t, created)

	// simulate a concurrent writer between read and modify
	payload, _, _, err := store.readRecord("k")
	require.NoError(t, err)
	dir.mu.Lock()
	dir.entries[store.entryDN("k")][payloadAttribute] = []string{`{"owner":"B","ttl":60,"updated_at":"2024-01-01T12:00:00Z"}`}
	dir.mu.Unlock()

	req := ldap.NewModifyRequest(store.entryDN("k"), []ldap.Control{NewAssertionControl(payloadAttribute, payload)})
	req.Replace(payloadAttribute, []string{"x"})
	err = dir.Modify(req)
	assert.True(t, ldap.IsErrorWithCode(err, ldap.LDAPResultAssertionFailed))

	deleted, err := store.Delete(ctx, "k", "A")
	require.NoError(t, err)
	assert.False(t, deleted, "entry now belongs to B")
}

func TestNetworkErrorsAreUnavailable(t *testing.T) {
	dir := newFakeDirectory()
	store := NewLDAPStore(dir, baseDN)
	ctx := context.Background()

	require.True(t, store.Connected(ctx))

	dir.failure = ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset"))
	assert.False(t, store.Connected(ctx))

	_, err := store.TryCreate(ctx, "k", "A", time.Second)
	assert.ErrorIs(t, err, lockstore.ErrSchemaProvision, "first call provisions the container")

	dir.failure = nil
	_, err = store.TryCreate(ctx, "k", "A", time.Second)
	require.NoError(t, err)

	dir.failure = ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset"))
	_, _, err = store.Read(ctx, "k")
	assert.ErrorIs(t, err, lockstore.ErrBackendUnavailable)
	_, err = store.TryTakeoverOrRenew(ctx, "k", "A", time.Second)
	assert.ErrorIs(t, err, lockstore.ErrBackendUnavailable)
}

func TestClosingConnection(t *testing.T) {
	dir := newFakeDirectory()
	store := NewLDAPStore(dir, baseDN)
	dir.closing = true

	assert.False(t, store.Connected(context.Background()))
	_, err := store.TryCreate(context.Background(), "k", "A", time.Second)
	assert.ErrorIs(t, err, lockstore.ErrBackendUnavailable)
}

func TestEntryDNRoundTrip(t *testing.T) {
	store := NewLDAPStore(newFakeDirectory(), baseDN).(*storeImpl)

	for _, key := range []string{
		"simple",
		`all,+"\<>;=#specials`,
		" leading space",
		"trailing space ",
		"#hash first",
		"jobs/üñí",
	} {
		dn, err := ldap.ParseDN(store.entryDN(key))
		require.NoError(t, err, "key %q", key)
		require.Len(t, dn.RDNs, 1+len(strings.Split(store.containerDN, ",")), "key %q", key)
		require.Len(t, dn.RDNs[0].Attributes, 1)
		assert.Equal(t, "cn", dn.RDNs[0].Attributes[0].Type)
		assert.Equal(t, key, dn.RDNs[0].Attributes[0].Value)
	}
}

func TestAssertionControlEncoding(t *testing.T) {
	ctrl := NewAssertionControl(payloadAttribute, `{"owner":"A*(x)"}`)
	assert.Equal(t, ControlTypeAssertion, ctrl.GetControlType())
	assert.Equal(t, `(description={"owner":"A\2a\28x\29"})`, ctrl.Filter())

	packet := ctrl.Encode()
	require.Len(t, packet.Children, 3)
	assert.Equal(t, ControlTypeAssertion, packet.Children[0].Value)
	assert.Equal(t, true, packet.Children[1].Value)

	value := packet.Children[2]
	require.Len(t, value.Children, 1)
	filter := value.Children[0]
	assert.Equal(t, ber.ClassContext, filter.ClassType)
	assert.Equal(t, ber.Tag(ldap.FilterEqualityMatch), filter.Tag)

	decoded, err := ldap.DecompileFilter(filter)
	require.NoError(t, err)
	assert.Equal(t, ctrl.Filter(), decoded)
}
