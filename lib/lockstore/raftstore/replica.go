package raftstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/config"
)

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ReplicaConfig holds the parameters of one replica of the lease shard.
type ReplicaConfig struct {
	ShardID            uint64
	ReplicaID          uint64
	Members            map[uint64]string // replica id -> raft address of the initial members
	Join               bool              // join an existing shard instead of bootstrapping it
	DataDir            string
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
}

// ToDragonboatConfig converts the ReplicaConfig to a Dragonboat Config
func (c *ReplicaConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ReplicaConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.Members[c.ReplicaID],
	}
}

// String returns a formatted string representation of the configuration
func (c *ReplicaConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Node Identity")
	addField("Shard ID", strconv.FormatUint(c.ShardID, 10))
	addField("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
	addField("RAFT Address", c.Members[c.ReplicaID])
	addField("Join", strconv.FormatBool(c.Join))

	addSection("RAFT Parameters")
	addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
	addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
	addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
	addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
	addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

	addSection("Storage")
	addField("Data Directory", c.DataDir)

	addSection("Members")
	var ids []uint64
	for id := range c.Members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sb.WriteString(fmt.Sprintf("    Replica %d: %s\n", id, c.Members[id]))
	}

	return sb.String()
}

// StartReplica creates a node host and starts the lease state machine on it.
// The caller owns the returned node host and must close it.
func StartReplica(cfg ReplicaConfig) (*dragonboat.NodeHost, error) {
	if _, ok := cfg.Members[cfg.ReplicaID]; !ok && !cfg.Join {
		return nil, fmt.Errorf("replica %d is not part of the initial members", cfg.ReplicaID)
	}

	nh, err := dragonboat.NewNodeHost(cfg.ToNodeHostConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create node host: %w", err)
	}

	members := cfg.Members
	if cfg.Join {
		members = map[uint64]string{}
	}
	if err := nh.StartConcurrentReplica(members, cfg.Join, CreateStateMachineFactory(), cfg.ToDragonboatConfig()); err != nil {
		nh.Close()
		return nil, fmt.Errorf("failed to start shard %d: %w", cfg.ShardID, err)
	}

	log.Infof("started replica %d of shard %d at %s", cfg.ReplicaID, cfg.ShardID, cfg.Members[cfg.ReplicaID])
	return nh, nil
}

// WaitForLeader blocks until the shard has elected a leader or ctx is done.
func WaitForLeader(ctx context.Context, nh *dragonboat.NodeHost, shardID uint64) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, _, valid, err := nh.GetLeaderID(shardID); err == nil && valid {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no leader for shard %d: %w", shardID, ctx.Err())
		case <-ticker.C:
		}
	}
}
