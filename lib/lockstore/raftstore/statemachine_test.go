package raftstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/raftstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func apply(t *testing.T, fsm *LeaseStateMachine, cmds ...internal.Command) []sm.Result {
	t.Helper()
	entries := make([]sm.Entry, len(cmds))
	for i, cmd := range cmds {
		entries[i] = sm.Entry{Index: uint64(i + 1), Cmd: cmd.Serialize()}
	}
	out, err := fsm.Update(entries)
	require.NoError(t, err)
	results := make([]sm.Result, len(out))
	for i, e := range out {
		results[i] = e.Result
	}
	return results
}

func applied(r sm.Result) bool {
	return r.Value == uint64(lockstore.RetCSuccess) && bytes.Equal(r.Data, resultApplied)
}

func lookup(t *testing.T, fsm *LeaseStateMachine, key string) internal.QueryResult {
	t.Helper()
	res, err := fsm.Lookup(internal.Query{Type: internal.QueryTRead, Key: key})
	require.NoError(t, err)
	return res.(internal.QueryResult)
}

func TestStateMachinePrimitives(t *testing.T) {
	fsm := NewLeaseStateMachine(1, 1)
	at := func(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }
	cmd := func(typ internal.CommandType, owner string, sec int) internal.Command {
		return internal.Command{Type: typ, Key: "leader", Owner: owner, TTL: 30 * time.Second, Now: at(sec)}
	}

	res := apply(t, fsm,
		cmd(internal.CommandTTryCreate, "A", 0),     // created
		cmd(internal.CommandTTryCreate, "B", 5),     // exists
		cmd(internal.CommandTTryTakeover, "B", 5),   // held by A
		cmd(internal.CommandTTryTakeover, "A", 20),  // renew
		cmd(internal.CommandTTryTakeover, "B", 45),  // still held until 50
		cmd(internal.CommandTTryTakeover, "B", 55),  // stale, takeover
		cmd(internal.CommandTDelete, "A", 56),       // not owner
		cmd(internal.CommandTTryCreate, "A", 100),   // never overwrites stale
		cmd(internal.CommandTTryTakeover, "C", 200), // stale again, takeover
	)

	expected := []bool{true, false, false, true, false, true, false, false, true}
	require.Len(t, res, len(expected))
	for i, want := range expected {
		assert.Equal(t, want, applied(res[i]), "entry %d", i)
	}

	qr := lookup(t, fsm, "leader")
	require.True(t, qr.Found)
	assert.Equal(t, "C", qr.Record.Owner)
	assert.True(t, qr.Record.UpdatedAt.Equal(at(200)))

	res = apply(t, fsm, cmd(internal.CommandTDelete, "C", 201), cmd(internal.CommandTDelete, "C", 202))
	assert.True(t, applied(res[0]))
	assert.False(t, applied(res[1]))
	assert.False(t, lookup(t, fsm, "leader").Found)

	res = apply(t, fsm, cmd(internal.CommandTTryTakeover, "A", 300))
	assert.False(t, applied(res[0]), "takeover of an absent key")
	assert.False(t, lookup(t, fsm, "leader").Found)
}

func TestStateMachineInvalidEntries(t *testing.T) {
	fsm := NewLeaseStateMachine(1, 1)

	out, err := fsm.Update([]sm.Entry{
		{Index: 1, Cmd: nil},
		{Index: 2, Cmd: []byte{1, 2}},
		{Index: 3, Cmd: (&internal.Command{Type: internal.CommandType(42), Key: "k", Owner: "A", Now: epoch}).Serialize()},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(lockstore.RetCInvalidArgument), out[0].Result.Value)
	assert.Equal(t, uint64(lockstore.RetCInternalError), out[1].Result.Value)
	assert.Equal(t, uint64(lockstore.RetCInternalError), out[2].Result.Value)

	_, err = fsm.Lookup("not a query")
	assert.ErrorIs(t, err, lockstore.ErrInternal)
}

func TestStateMachineSnapshotRoundTrip(t *testing.T) {
	fsm := NewLeaseStateMachine(1, 1)
	apply(t, fsm,
		internal.Command{Type: internal.CommandTTryCreate, Key: "a", Owner: "A", TTL: time.Second, Now: epoch},
		internal.Command{Type: internal.CommandTTryCreate, Key: "b", Owner: "B", TTL: time.Minute, Now: epoch.Add(time.Second)},
	)

	snap, err := fsm.PrepareSnapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, fsm.SaveSnapshot(snap, &buf, nil, nil))

	restored := NewLeaseStateMachine(1, 2)
	require.NoError(t, restored.RecoverFromSnapshot(&buf, nil, nil))

	count, err := restored.Lookup(internal.Query{Type: internal.QueryTCount})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	qr := lookup(t, restored, "b")
	require.True(t, qr.Found)
	assert.Equal(t, "B", qr.Record.Owner)
	assert.Equal(t, time.Minute, qr.Record.TTL)
	assert.True(t, qr.Record.UpdatedAt.Equal(epoch.Add(time.Second)))
}

func TestStateMachineSnapshotIsolatedFromUpdates(t *testing.T) {
	fsm := NewLeaseStateMachine(1, 1)
	apply(t, fsm, internal.Command{Type: internal.CommandTTryCreate, Key: "a", Owner: "A", TTL: time.Second, Now: epoch})

	snap, err := fsm.PrepareSnapshot()
	require.NoError(t, err)

	// an update after PrepareSnapshot must not leak into the saved snapshot
	apply(t, fsm, internal.Command{Type: internal.CommandTTryCreate, Key: "b", Owner: "B", TTL: time.Second, Now: epoch})

	var buf bytes.Buffer
	require.NoError(t, fsm.SaveSnapshot(snap, &buf, nil, nil))

	restored := NewLeaseStateMachine(1, 2)
	require.NoError(t, restored.RecoverFromSnapshot(&buf, nil, nil))
	assert.True(t, lookup(t, restored, "a").Found)
	assert.False(t, lookup(t, restored, "b").Found)
}
