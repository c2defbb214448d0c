package util

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := "The lock store to use (memory, file, raft, sql, ldap, couchbase, mongo, redis, etcd, spanner, datastore)"
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestReplicaIDFromName(t *testing.T) {
	assert.Equal(t, uint64(3), ReplicaIDFromName("3"))
	assert.Equal(t, ReplicaIDFromName("node-1"), ReplicaIDFromName("node-1"))
	assert.NotEqual(t, ReplicaIDFromName("node-1"), ReplicaIDFromName("node-2"))
	assert.NotZero(t, ReplicaIDFromName("node-1"))
}

func TestParseMembers(t *testing.T) {
	members, err := ParseMembers("node-1=localhost:63001, node-2=localhost:63002")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Equal(t, "localhost:63001", members[ReplicaIDFromName("node-1")])

	members, err = ParseMembers("")
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = ParseMembers("node-1")
	assert.Error(t, err)
	_, err = ParseMembers("node-1=")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, SplitList(" a:1,,b:2 ,"))
	assert.Nil(t, SplitList(""))
}

func TestGetBackendConfig(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("backend", "REDIS")
	viper.Set("redis-addrs", "r1:6379,r2:6379")
	viper.Set("redis-password", "secret")
	viper.Set("redis-key-prefix", "locks:")

	conf, err := GetBackendConfig()
	require.NoError(t, err)
	assert.Equal(t, "redis", conf.Backend)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, conf.Redis.Addrs)
	assert.Equal(t, "locks:", conf.Redis.KeyPrefix)

	out := conf.String()
	assert.Contains(t, out, "r1:6379, r2:6379")
	assert.NotContains(t, out, "secret")

	viper.Set("backend", "floppy")
	_, err = GetBackendConfig()
	assert.Error(t, err)
}

func TestGetBackendConfigRaft(t *testing.T) {
	t.Cleanup(viper.Reset)

	viper.Set("backend", "raft")
	viper.Set("raft-shard", 7)
	viper.Set("raft-members", "node-1=localhost:63001")
	_, err := GetBackendConfig()
	assert.Error(t, err, "replica id is required")

	viper.Set("raft-replica-id", "node-1")
	conf, err := GetBackendConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), conf.Raft.ShardID)
	assert.Equal(t, "localhost:63001", conf.Raft.Members[conf.Raft.ReplicaID])
	assert.Contains(t, conf.String(), "localhost:63001")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	for _, conf := range []*BackendConfig{
		{Backend: "memory"},
		{Backend: "file", FileDir: filepath.Join(t.TempDir(), "locks")},
	} {
		store, err := OpenStore(ctx, conf, clock.System())
		require.NoError(t, err, conf.Backend)

		created, err := store.TryCreate(ctx, "k", "a", 1e9)
		require.NoError(t, err, conf.Backend)
		assert.True(t, created, conf.Backend)
		assert.True(t, store.Connected(ctx), conf.Backend)
		require.NoError(t, store.Close())
	}

	_, err := OpenStore(ctx, &BackendConfig{Backend: "floppy"}, clock.System())
	assert.Error(t, err)
}
