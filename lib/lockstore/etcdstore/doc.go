// Package etcdstore implements a lock store on etcd v3.
//
// The JSON payload is the value of <prefix><key>. TryCreate is a transaction
// guarded by CreateRevision == 0. TryTakeoverOrRenew and Delete read the key,
// decide in Go and commit a transaction guarded by the ModRevision they read,
// so a concurrent write makes the transaction fail and the primitive report false.
// Records carry no etcd lease; staleness is derived from the payload alone.
package etcdstore
