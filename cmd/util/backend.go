package util

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dLease/lib/clock"
	"github.com/ValentinKolb/dLease/lib/lockstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/couchstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/etcdstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/filestore"
	"github.com/ValentinKolb/dLease/lib/lockstore/gdsstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/ldapstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/memstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/mongostore"
	"github.com/ValentinKolb/dLease/lib/lockstore/raftstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/redisstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/spannerstore"
	"github.com/ValentinKolb/dLease/lib/lockstore/sqlstore"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Backends lists the values accepted by --backend
var Backends = []string{"memory", "file", "raft", "sql", "ldap", "couchbase", "mongo", "redis", "etcd", "spanner", "datastore"}

// BackendConfig selects and parameterises the lock store
type BackendConfig struct {
	Backend   string
	FileDir   string
	Raft      raftstore.ReplicaConfig
	SQL       sqlstore.Config
	LDAP      ldapstore.Config
	Couchbase couchstore.Config
	Mongo     mongostore.Config
	Redis     redisstore.Config
	Etcd      etcdstore.Config
	Spanner   spannerstore.Config
	Datastore gdsstore.Config
}

// SetupBackendFlags adds the backend selection flags to a command
func SetupBackendFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()

	key := "backend"
	f.String(key, "file", WrapString(fmt.Sprintf("The lock store to use (%s)", strings.Join(Backends, ", "))))

	key = "file-dir"
	f.String(key, "dlease-locks", WrapString("(file) Directory holding the lock files, must be shared by all participants"))

	key = "raft-shard"
	f.Uint64(key, 300, WrapString("(raft) ID of the lease shard"))
	key = "raft-replica-id"
	f.String(key, "", WrapString("(raft) Name or numeric ID of this replica (e.g. 'node-1')"))
	key = "raft-members"
	f.String(key, "", WrapString("(raft) Comma-separated list of initial members in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))
	key = "raft-join"
	f.Bool(key, false, WrapString("(raft) Join an existing shard instead of bootstrapping it"))
	key = "raft-data-dir"
	f.String(key, "dlease-raft", WrapString("(raft) Directory used for the raft log and snapshots"))
	key = "raft-rtt-millisecond"
	f.Uint64(key, 100, WrapString("(raft) Average round trip time between replicas in milliseconds"))
	key = "raft-snapshot-entries"
	f.Uint64(key, 100, WrapString("(raft) Snapshot every n applied entries (0 disables automatic snapshots)"))
	key = "raft-compaction-overhead"
	f.Uint64(key, 50, WrapString("(raft) Log entries to keep after a snapshot"))

	key = "sql-dialect"
	f.String(key, "sqlite", WrapString("(sql) mysql, postgres or sqlite"))
	key = "sql-dsn"
	f.String(key, "", WrapString("(sql) Data source name, overrides host, port, user, password and database"))
	key = "sql-host"
	f.String(key, "", WrapString("(sql) Database host"))
	key = "sql-port"
	f.Int(key, 0, WrapString("(sql) Database port (0 uses the dialect default)"))
	key = "sql-user"
	f.String(key, "", WrapString("(sql) Database user"))
	key = "sql-password"
	f.String(key, "", WrapString("(sql) Database password"))
	key = "sql-database"
	f.String(key, "dlease.db", WrapString("(sql) Database name, or the file for sqlite"))
	key = "sql-table"
	f.String(key, sqlstore.DefaultTable, WrapString("(sql) Table holding the locks, created if missing"))

	key = "ldap-url"
	f.String(key, "ldap://localhost:389", WrapString("(ldap) Server URL"))
	key = "ldap-bind-dn"
	f.String(key, "", WrapString("(ldap) DN to bind with"))
	key = "ldap-bind-password"
	f.String(key, "", WrapString("(ldap) Bind password"))
	key = "ldap-base-dn"
	f.String(key, "", WrapString("(ldap) Base DN below which the lock container is created"))
	key = "ldap-ou"
	f.String(key, ldapstore.DefaultOU, WrapString("(ldap) Name of the organizational unit holding the locks"))

	key = "couchbase-conn-str"
	f.String(key, "couchbase://localhost", WrapString("(couchbase) Connection string"))
	key = "couchbase-username"
	f.String(key, "", WrapString("(couchbase) Username"))
	key = "couchbase-password"
	f.String(key, "", WrapString("(couchbase) Password"))
	key = "couchbase-bucket"
	f.String(key, "dlease", WrapString("(couchbase) Bucket"))
	key = "couchbase-scope"
	f.String(key, "", WrapString("(couchbase) Scope (empty for the default scope)"))
	key = "couchbase-collection"
	f.String(key, "", WrapString("(couchbase) Collection (empty for the default collection)"))

	key = "mongo-uri"
	f.String(key, "mongodb://localhost:27017", WrapString("(mongo) Connection URI"))
	key = "mongo-database"
	f.String(key, "dlease", WrapString("(mongo) Database"))
	key = "mongo-collection"
	f.String(key, mongostore.DefaultCollection, WrapString("(mongo) Collection holding the locks, created if missing"))

	key = "redis-addrs"
	f.String(key, "localhost:6379", WrapString("(redis) Comma-separated list of addresses (more than one selects cluster mode)"))
	key = "redis-username"
	f.String(key, "", WrapString("(redis) Username"))
	key = "redis-password"
	f.String(key, "", WrapString("(redis) Password"))
	key = "redis-db"
	f.Int(key, 0, WrapString("(redis) Database number"))
	key = "redis-key-prefix"
	f.String(key, redisstore.DefaultKeyPrefix, WrapString("(redis) Prefix of all lock keys"))

	key = "etcd-endpoints"
	f.String(key, "localhost:2379", WrapString("(etcd) Comma-separated list of endpoints"))
	key = "etcd-username"
	f.String(key, "", WrapString("(etcd) Username"))
	key = "etcd-password"
	f.String(key, "", WrapString("(etcd) Password"))
	key = "etcd-key-prefix"
	f.String(key, etcdstore.DefaultKeyPrefix, WrapString("(etcd) Prefix of all lock keys"))

	key = "spanner-database"
	f.String(key, "", WrapString("(spanner) Database in the format projects/<p>/instances/<i>/databases/<d>"))
	key = "spanner-table"
	f.String(key, spannerstore.DefaultTable, WrapString("(spanner) Table holding the locks, created if missing"))

	key = "datastore-project"
	f.String(key, "", WrapString("(datastore) Google Cloud project"))
	key = "datastore-kind"
	f.String(key, gdsstore.DefaultKind, WrapString("(datastore) Entity kind of the locks"))
	key = "datastore-namespace"
	f.String(key, "", WrapString("(datastore) Namespace of the locks"))
}

// GetBackendConfig reads the backend configuration from viper
func GetBackendConfig() (*BackendConfig, error) {
	conf := &BackendConfig{
		Backend: strings.ToLower(viper.GetString("backend")),
		FileDir: viper.GetString("file-dir"),
		SQL: sqlstore.Config{
			Dialect:  viper.GetString("sql-dialect"),
			DSN:      viper.GetString("sql-dsn"),
			Host:     viper.GetString("sql-host"),
			Port:     viper.GetInt("sql-port"),
			User:     viper.GetString("sql-user"),
			Password: viper.GetString("sql-password"),
			Database: viper.GetString("sql-database"),
			Table:    viper.GetString("sql-table"),
		},
		LDAP: ldapstore.Config{
			URL:          viper.GetString("ldap-url"),
			BindDN:       viper.GetString("ldap-bind-dn"),
			BindPassword: viper.GetString("ldap-bind-password"),
			BaseDN:       viper.GetString("ldap-base-dn"),
			OU:           viper.GetString("ldap-ou"),
		},
		Couchbase: couchstore.Config{
			ConnStr:    viper.GetString("couchbase-conn-str"),
			Username:   viper.GetString("couchbase-username"),
			Password:   viper.GetString("couchbase-password"),
			Bucket:     viper.GetString("couchbase-bucket"),
			Scope:      viper.GetString("couchbase-scope"),
			Collection: viper.GetString("couchbase-collection"),
		},
		Mongo: mongostore.Config{
			URI:        viper.GetString("mongo-uri"),
			Database:   viper.GetString("mongo-database"),
			Collection: viper.GetString("mongo-collection"),
		},
		Redis: redisstore.Config{
			Addrs:     SplitList(viper.GetString("redis-addrs")),
			Username:  viper.GetString("redis-username"),
			Password:  viper.GetString("redis-password"),
			DB:        viper.GetInt("redis-db"),
			KeyPrefix: viper.GetString("redis-key-prefix"),
		},
		Etcd: etcdstore.Config{
			Endpoints: SplitList(viper.GetString("etcd-endpoints")),
			Username:  viper.GetString("etcd-username"),
			Password:  viper.GetString("etcd-password"),
			KeyPrefix: viper.GetString("etcd-key-prefix"),
		},
		Spanner: spannerstore.Config{
			Database: viper.GetString("spanner-database"),
			Table:    viper.GetString("spanner-table"),
		},
		Datastore: gdsstore.Config{
			Project:   viper.GetString("datastore-project"),
			Kind:      viper.GetString("datastore-kind"),
			Namespace: viper.GetString("datastore-namespace"),
		},
	}

	if conf.Backend == "raft" {
		members, err := ParseMembers(viper.GetString("raft-members"))
		if err != nil {
			return nil, err
		}
		conf.Raft = raftstore.ReplicaConfig{
			ShardID:            viper.GetUint64("raft-shard"),
			ReplicaID:          ReplicaIDFromName(viper.GetString("raft-replica-id")),
			Members:            members,
			Join:               viper.GetBool("raft-join"),
			DataDir:            viper.GetString("raft-data-dir"),
			RTTMillisecond:     viper.GetUint64("raft-rtt-millisecond"),
			SnapshotEntries:    viper.GetUint64("raft-snapshot-entries"),
			CompactionOverhead: viper.GetUint64("raft-compaction-overhead"),
		}
		if viper.GetString("raft-replica-id") == "" {
			return nil, fmt.Errorf("--raft-replica-id is required for the raft backend")
		}
	}

	if !isKnownBackend(conf.Backend) {
		return nil, fmt.Errorf("invalid backend %q (must be one of %s)", conf.Backend, strings.Join(Backends, ", "))
	}
	return conf, nil
}

func isKnownBackend(name string) bool {
	for _, b := range Backends {
		if b == name {
			return true
		}
	}
	return false
}

// OpenStore connects to the configured backend. ctx bounds the connection setup only.
func OpenStore(ctx context.Context, conf *BackendConfig, clk clock.Clock) (lockstore.ILockStore, error) {
	switch conf.Backend {
	case "memory":
		return memstore.NewMemStore(memstore.WithClock(clk)), nil
	case "file":
		return filestore.NewFileStore(conf.FileDir, filestore.WithClock(clk)), nil
	case "raft":
		nh, err := raftstore.StartReplica(conf.Raft)
		if err != nil {
			return nil, lockstore.Unavailable("start replica", err)
		}
		store := raftstore.NewRaftStore(nh, conf.Raft.ShardID, raftstore.WithClock(clk), raftstore.WithOwnedNodeHost())
		if err := raftstore.WaitForLeader(ctx, nh, conf.Raft.ShardID); err != nil {
			_ = store.Close()
			return nil, lockstore.Unavailable("wait for leader", err)
		}
		return store, nil
	case "sql":
		return sqlstore.NewSQLStoreFromConfig(&conf.SQL, sqlstore.WithClock(clk))
	case "ldap":
		return ldapstore.Dial(conf.LDAP, ldapstore.WithClock(clk))
	case "couchbase":
		return couchstore.Connect(conf.Couchbase, couchstore.WithClock(clk))
	case "mongo":
		return mongostore.Connect(ctx, conf.Mongo, mongostore.WithClock(clk))
	case "redis":
		return redisstore.Connect(conf.Redis, redisstore.WithClock(clk)), nil
	case "etcd":
		return etcdstore.Connect(conf.Etcd, etcdstore.WithClock(clk))
	case "spanner":
		return spannerstore.Connect(ctx, conf.Spanner, spannerstore.WithClock(clk))
	case "datastore":
		return gdsstore.Connect(ctx, conf.Datastore, gdsstore.WithClock(clk))
	default:
		return nil, fmt.Errorf("invalid backend %q", conf.Backend)
	}
}

// String returns a formatted string representation of the configuration (secrets are masked)
func (c *BackendConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	mask := func(secret string) string {
		if secret == "" {
			return ""
		}
		return "********"
	}

	addSection("Backend")
	addField("Type", c.Backend)

	switch c.Backend {
	case "file":
		addField("Directory", c.FileDir)
	case "raft":
		sb.WriteString(c.Raft.String())
	case "sql":
		addField("Dialect", c.SQL.Dialect)
		if c.SQL.DSN != "" {
			addField("DSN", "(set)")
		}
		addField("Host", c.SQL.Host)
		addField("Port", strconv.Itoa(c.SQL.Port))
		addField("User", c.SQL.User)
		addField("Password", mask(c.SQL.Password))
		addField("Database", c.SQL.Database)
		addField("Table", c.SQL.Table)
	case "ldap":
		addField("URL", c.LDAP.URL)
		addField("Bind DN", c.LDAP.BindDN)
		addField("Bind Password", mask(c.LDAP.BindPassword))
		addField("Base DN", c.LDAP.BaseDN)
		addField("OU", c.LDAP.OU)
	case "couchbase":
		addField("Connection", c.Couchbase.ConnStr)
		addField("Username", c.Couchbase.Username)
		addField("Password", mask(c.Couchbase.Password))
		addField("Bucket", c.Couchbase.Bucket)
		addField("Scope", c.Couchbase.Scope)
		addField("Collection", c.Couchbase.Collection)
	case "mongo":
		addField("URI", "(set)")
		addField("Database", c.Mongo.Database)
		addField("Collection", c.Mongo.Collection)
	case "redis":
		addField("Addresses", strings.Join(c.Redis.Addrs, ", "))
		addField("Username", c.Redis.Username)
		addField("Password", mask(c.Redis.Password))
		addField("DB", strconv.Itoa(c.Redis.DB))
		addField("Key Prefix", c.Redis.KeyPrefix)
	case "etcd":
		addField("Endpoints", strings.Join(c.Etcd.Endpoints, ", "))
		addField("Username", c.Etcd.Username)
		addField("Password", mask(c.Etcd.Password))
		addField("Key Prefix", c.Etcd.KeyPrefix)
	case "spanner":
		addField("Database", c.Spanner.Database)
		addField("Table", c.Spanner.Table)
	case "datastore":
		addField("Project", c.Datastore.Project)
		addField("Kind", c.Datastore.Kind)
		addField("Namespace", c.Datastore.Namespace)
	}

	return sb.String()
}

// LeaseDefaults reads the lease parameters (ttl, acquire timeout, poll interval) from viper
func LeaseDefaults() (ttl, acquireTimeout, pollInterval time.Duration) {
	return viper.GetDuration("ttl"), viper.GetDuration("acquire-timeout"), viper.GetDuration("poll-interval")
}
