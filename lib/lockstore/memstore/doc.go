// Package memstore implements an in-process lock store on top of a concurrent
// map (xsync.MapOf).
//
// TryCreate maps to LoadOrStore, TryTakeoverOrRenew and Delete map to Compute,
// which runs the ownership and staleness check under the per-key lock of the
// map. No record ever leaves the process, so the store only coordinates
// goroutines of one program. It backs the lock manager tests and the CLI's
// "memory" backend.
package memstore
