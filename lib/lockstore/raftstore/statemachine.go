package raftstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/raftstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/puzpuzpuz/xsync/v3"
)

// Result data of an applied command: whether the primitive took effect.
var (
	resultApplied    = []byte{1}
	resultNotApplied = []byte{0}
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// LeaseStateMachine is a state machine implementation for Dragonboat RAFT
// holding one lock record per key.
//
// Update is never called concurrently by Dragonboat, Lookup may run at any time
// alongside it, which the concurrent map allows.
type LeaseStateMachine struct {
	replicaID uint64
	shardID   uint64
	records   *xsync.MapOf[string, lockstore.LockRecord]
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to
// create a new state machine for a node host.
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return NewLeaseStateMachine(shardID, replicaID)
	}
}

// NewLeaseStateMachine creates an empty state machine.
func NewLeaseStateMachine(shardID, replicaID uint64) *LeaseStateMachine {
	return &LeaseStateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		records:   xsync.NewMapOf[string, lockstore.LockRecord](),
	}
}

// Lookup handles read-only queries.
func (fsm *LeaseStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, lockstore.NewError(lockstore.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	switch q.Type {
	case internal.QueryTRead:
		rec, found := fsm.records.Load(q.Key)
		return internal.QueryResult{Found: found, Record: rec}, nil
	case internal.QueryTCount:
		return fsm.records.Size(), nil
	default:
		return nil, lockstore.NewError(lockstore.RetCInternalError, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies the lease primitives carried by the raft log entries.
// The result value is a lockstore.RetCode, the result data tells whether the
// primitive took effect.
func (fsm *LeaseStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(lockstore.RetCInvalidArgument), Data: []byte("empty command ignored")}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{
				Value: uint64(lockstore.RetCInternalError),
				Data:  []byte(fmt.Sprintf("failed to deserialize command: %v", err)),
			}
			continue
		}

		var applied bool
		switch cmd.Type {
		case internal.CommandTTryCreate:
			applied = fsm.tryCreate(cmd)
		case internal.CommandTTryTakeover:
			applied = fsm.tryTakeover(cmd)
		case internal.CommandTDelete:
			applied = fsm.delete(cmd)
		default:
			entries[idx].Result = sm.Result{
				Value: uint64(lockstore.RetCInternalError),
				Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
			}
			continue
		}

		data := resultNotApplied
		if applied {
			data = resultApplied
		}
		entries[idx].Result = sm.Result{Value: uint64(lockstore.RetCSuccess), Data: data}
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

func (fsm *LeaseStateMachine) tryCreate(cmd internal.Command) bool {
	_, loaded := fsm.records.LoadOrStore(cmd.Key, lockstore.NewRecord(cmd.Key, cmd.Owner, cmd.TTL, cmd.Now))
	return !loaded
}

func (fsm *LeaseStateMachine) tryTakeover(cmd internal.Command) bool {
	written := false
	fsm.records.Compute(cmd.Key, func(old lockstore.LockRecord, loaded bool) (lockstore.LockRecord, bool) {
		if !loaded {
			return old, true
		}
		if !old.ClaimableBy(cmd.Owner, cmd.Now) {
			return old, false
		}
		written = true
		return lockstore.NewRecord(cmd.Key, cmd.Owner, cmd.TTL, cmd.Now), false
	})
	return written
}

func (fsm *LeaseStateMachine) delete(cmd internal.Command) bool {
	deleted := false
	fsm.records.Compute(cmd.Key, func(old lockstore.LockRecord, loaded bool) (lockstore.LockRecord, bool) {
		if !loaded {
			return old, true
		}
		if old.Owner != cmd.Owner {
			return old, false
		}
		deleted = true
		return old, true
	})
	return deleted
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// snapshotEntry is the serialized form of a record inside a snapshot.
type snapshotEntry struct {
	Key     string            `json:"key"`
	Payload lockstore.Payload `json:"payload"`
}

// PrepareSnapshot copies the records while no Update is running.
func (fsm *LeaseStateMachine) PrepareSnapshot() (interface{}, error) {
	entries := make([]snapshotEntry, 0, fsm.records.Size())
	fsm.records.Range(func(key string, rec lockstore.LockRecord) bool {
		entries = append(entries, snapshotEntry{Key: key, Payload: rec.Payload()})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// SaveSnapshot writes the copy taken by PrepareSnapshot as JSON.
func (fsm *LeaseStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	entries, ok := ctx.([]snapshotEntry)
	if !ok {
		return fmt.Errorf("invalid snapshot context type: %T", ctx)
	}
	return json.NewEncoder(writer).Encode(entries)
}

// RecoverFromSnapshot replaces the state with the snapshot content.
func (fsm *LeaseStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	var entries []snapshotEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	fsm.records.Clear()
	for _, e := range entries {
		fsm.records.Store(e.Key, e.Payload.Record(e.Key))
	}
	log.Infof("[%d:%d] recovered %d lock records from snapshot", fsm.shardID, fsm.replicaID, len(entries))
	return nil
}

// Close performs any necessary cleanup.
func (fsm *LeaseStateMachine) Close() error {
	fsm.records.Clear()
	return nil
}
