package raftstore

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	locktesting "github.com/ValentinKolb/dLease/lib/lockstore/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testShardID = 100

func freeAddress(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

// startSingleNode boots a one-replica shard in a temp dir.
func startSingleNode(t testing.TB) ReplicaConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft node startup in short mode")
	}
	return ReplicaConfig{
		ShardID:            testShardID,
		ReplicaID:          1,
		Members:            map[uint64]string{1: freeAddress(t)},
		DataDir:            t.TempDir(),
		RTTMillisecond:     10,
		SnapshotEntries:    50,
		CompactionOverhead: 10,
	}
}

func TestRaftStore(t *testing.T) {
	cfg := startSingleNode(t)
	nh, err := StartReplica(cfg)
	require.NoError(t, err)
	t.Cleanup(nh.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, WaitForLeader(ctx, nh, testShardID))

	locktesting.RunLockStoreTests(t, "RaftStore", func(clk clock.Clock) lockstore.ILockStore {
		return NewRaftStore(nh, testShardID, WithClock(clk))
	})
}

func TestRaftStoreUnknownShardIsUnavailable(t *testing.T) {
	cfg := startSingleNode(t)
	nh, err := StartReplica(cfg)
	require.NoError(t, err)
	t.Cleanup(nh.Close)

	store := NewRaftStore(nh, testShardID+1, WithTimeout(200*time.Millisecond))
	assert.False(t, store.Connected(context.Background()))

	_, err = store.TryCreate(context.Background(), "k", "A", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, lockstore.ErrBackendUnavailable)
}

func TestStartReplicaRejectsForeignReplica(t *testing.T) {
	cfg := ReplicaConfig{ShardID: 1, ReplicaID: 3, Members: map[uint64]string{1: "127.0.0.1:1"}}
	_, err := StartReplica(cfg)
	assert.Error(t, err)
}

func TestReplicaConfigString(t *testing.T) {
	cfg := ReplicaConfig{
		ShardID:        7,
		ReplicaID:      2,
		Members:        map[uint64]string{2: "10.0.0.2:63001", 1: "10.0.0.1:63001"},
		DataDir:        "/var/lib/dlease",
		RTTMillisecond: 100,
	}
	out := cfg.String()

	assert.Contains(t, out, "NODE IDENTITY")
	assert.Contains(t, out, fmt.Sprintf("  %-22s: %s\n", "RAFT Address", "10.0.0.2:63001"))
	assert.Contains(t, out, fmt.Sprintf("  %-22s: %s\n", "Election RTT (ms)", "1000"))
	assert.Less(t, strings.Index(out, "Replica 1:"), strings.Index(out, "Replica 2:"))
}
