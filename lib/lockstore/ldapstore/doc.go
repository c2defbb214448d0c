// Package ldapstore implements a lock store on an LDAP directory.
//
// Each key is an applicationProcess entry cn=<key>,ou=<ou>,<base dn> whose
// description attribute holds the JSON payload. TryCreate is an Add, which the
// server rejects with entryAlreadyExists if the entry is present.
// TryTakeoverOrRenew and Delete read the entry, decide locally and send a Modify
// or Del carrying a critical assertion control (RFC 4528) on the payload they
// read. If another writer got in between, the server answers assertionFailed and
// the primitive reports false.
//
// The organizational unit is created on first use. The directory must support
// the assertion control (OpenLDAP, 389-ds and OpenDJ do).
package ldapstore
