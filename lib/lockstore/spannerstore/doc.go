// Package spannerstore implements a lock store on Cloud Spanner.
//
// Each lock is a row (LockKey, Payload) holding the JSON payload. TryCreate is an
// insert mutation (AlreadyExists means the key is taken). TryTakeoverOrRenew and
// Delete run in a read-write transaction, which Spanner serializes with row locks.
// The table is created lazily through the database admin API.
package spannerstore
