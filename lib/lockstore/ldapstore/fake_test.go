package ldapstore

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// fakeDirectory is an in-memory directory server that understands the
// operations and the assertion control used by the store.
type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]map[string][]string
	failure error // returned by every operation when set
	closing bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: map[string]map[string][]string{}}
}

func parentDN(dn string) string {
	if i := strings.LastIndex(dn, ",ou="); i >= 0 && strings.HasPrefix(dn, "cn=") {
		return dn[i+1:]
	}
	return ""
}

func (f *fakeDirectory) checkAssertion(dn string, controls []ldap.Control) error {
	for _, c := range controls {
		a, ok := c.(*AssertionControl)
		if !ok {
			continue
		}
		vals := f.entries[dn][a.Attribute]
		if len(vals) != 1 || vals[0] != a.Value {
			return ldap.NewError(ldap.LDAPResultAssertionFailed, errors.New("assertion failed"))
		}
	}
	return nil
}

func (f *fakeDirectory) Add(req *ldap.AddRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	if _, ok := f.entries[req.DN]; ok {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("entry already exists"))
	}
	if parent := parentDN(req.DN); parent != "" {
		if _, ok := f.entries[parent]; !ok {
			return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("parent does not exist"))
		}
	}
	attrs := map[string][]string{}
	for _, a := range req.Attributes {
		attrs[a.Type] = append([]string(nil), a.Vals...)
	}
	f.entries[req.DN] = attrs
	return nil
}

func (f *fakeDirectory) Del(req *ldap.DelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	if _, ok := f.entries[req.DN]; !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	if err := f.checkAssertion(req.DN, req.Controls); err != nil {
		return err
	}
	delete(f.entries, req.DN)
	return nil
}

func (f *fakeDirectory) Modify(req *ldap.ModifyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return f.failure
	}
	entry, ok := f.entries[req.DN]
	if !ok {
		return ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	if err := f.checkAssertion(req.DN, req.Controls); err != nil {
		return err
	}
	for _, change := range req.Changes {
		if change.Operation == ldap.ReplaceAttribute {
			entry[change.Modification.Type] = append([]string(nil), change.Modification.Vals...)
		}
	}
	return nil
}

func (f *fakeDirectory) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure != nil {
		return nil, f.failure
	}
	if req.BaseDN == "" {
		return &ldap.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry("", map[string][]string{
			"supportedControl": {ControlTypeAssertion},
		})}}, nil
	}
	entry, ok := f.entries[req.BaseDN]
	if !ok {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	attrs := map[string][]string{}
	for k, v := range entry {
		attrs[k] = append([]string(nil), v...)
	}
	return &ldap.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry(req.BaseDN, attrs)}}, nil
}

func (f *fakeDirectory) IsClosing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}
