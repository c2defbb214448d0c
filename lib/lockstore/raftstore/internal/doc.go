// Package internal contains the wire format exchanged between the raft store
// client and its state machine: write Commands that travel through the raft log
// and read-only Queries answered by Lookup.
package internal
