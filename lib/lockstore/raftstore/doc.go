// Package raftstore implements a replicated lock store using the Dragonboat
// RAFT consensus library. Lock records live in a state machine that is
// replicated to every node of a shard, so the store needs no external database.
//
// Architecture:
//
//   - Store Client: Implements lockstore.ILockStore. Every write primitive is
//     serialized into a Command and proposed via SyncPropose; reads use SyncRead
//     and are therefore linearizable.
//
//   - State Machine: LeaseStateMachine applies the committed commands in log
//     order. Because Update is applied one entry at a time on every replica, the
//     read-check-write of TryTakeoverOrRenew and Delete is atomic by construction.
//
//   - Communication Protocol: Defined in the internal package (Command, Query).
//
// Time:
//
//	The proposer stamps each command with its own clock reading. Replicas never
//	consult their local clock, which keeps the replicated state deterministic
//	when the log is replayed or restored from a snapshot. Clock skew between
//	proposers has the same effect as with any other backend.
//
// Error Handling and Retries:
//
//	ErrSystemBusy is retried a few times with a short pause. Timeouts, unknown
//	or not yet ready shards and closed node hosts are reported as
//	lockstore.ErrBackendUnavailable.
//
// Usage Example:
//
//	nh, err := raftstore.StartReplica(raftstore.ReplicaConfig{
//		ShardID:        1,
//		ReplicaID:      1,
//		Members:        map[uint64]string{1: "localhost:63001"},
//		DataDir:        "/var/lib/dlease",
//		RTTMillisecond: 100,
//	})
//	store := raftstore.NewRaftStore(nh, 1, raftstore.WithOwnedNodeHost())
package raftstore
