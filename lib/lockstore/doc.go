// Package lockstore defines the backend contract of the lease manager together
// with the lock record model and the unified error system.
//
// A lock is a named lease. The backend persists one record per key holding the
// owner, the requested ttl and the time of the last create or renew. Whether a
// lease is held is never stored explicitly; it is derived from
//
//	expires_at = updated_at + ttl
//	held       = now <  expires_at
//	stale      = now >= expires_at
//
// Key Components:
//
//   - ILockStore Interface: The four atomic primitives (Read, TryCreate,
//     TryTakeoverOrRenew, Delete) plus a Connected probe. All backends share this
//     interface so that the lock manager and applications can switch between
//     them without code changes. Logical failures are reported as false results,
//     never as errors.
//
//   - LockRecord and Payload: The record model and its JSON payload codec
//     ({"owner", "ttl" in seconds, "updated_at" in RFC 3339}) used by every
//     backend that stores the record as a single string value.
//
//   - Error System: A structured error type with typed return codes. Errors match
//     by code with errors.Is, e.g. errors.Is(err, lockstore.ErrBackendUnavailable).
//     Backends classify driver failures with Wrap, Unavailable, SchemaProvision
//     and Internal.
//
//   - Provisioner: A guard around the lazy, idempotent schema creation shared by
//     the backends that need a table, collection or directory subtree.
//
// Implementations:
//
//	- memstore:    in-process map (tests, single-process deployments)
//	- filestore:   one file per key guarded by an advisory flock
//	- raftstore:   replicated state machine on the Dragonboat RAFT library
//	- sqlstore:    MySQL, PostgreSQL and SQLite through database/sql
//	- ldapstore:   directory entries guarded by the LDAP assertion control
//	- couchstore:  Couchbase documents with CAS
//	- mongostore:  MongoDB documents with conditional updates
//	- redisstore:  Redis SETNX plus Lua compare-and-swap scripts
//	- etcdstore:   etcd transactions on revisions
//	- spannerstore, gdsstore: Google Cloud Spanner and Datastore transactions
//
// Every backend that needs a schema provisions it lazily and idempotently on
// first use. A failed provisioning attempt surfaces as ErrSchemaProvision and is
// retried on the next call.
package lockstore
