// Package couchstore implements a lock store on a Couchbase collection.
//
// Each key is a JSON document with the id <prefix><key>. TryCreate uses Insert,
// which fails if the document exists. TryTakeoverOrRenew and Delete read the
// document, check ownership and staleness locally and write back with Replace
// or Remove guarded by the CAS value of the read, so a concurrent change makes
// the write fail with ErrCasMismatch, which is reported as a false result.
//
// The bucket and collection are expected to exist; the store does not create them.
package couchstore
