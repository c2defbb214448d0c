package sqlstore

import (
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// DefaultTable is the table holding the lock records.
const DefaultTable = "dlease_locks"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config describes how to reach the database.
type Config struct {
	Dialect              string `mapstructure:"dialect" yaml:"dialect"`
	DSN                  string `mapstructure:"dsn" yaml:"dsn"` // used verbatim when set
	Database             string `mapstructure:"database" yaml:"database"`
	Host                 string `mapstructure:"host" yaml:"host"`
	Port                 int    `mapstructure:"port" yaml:"port"`
	User                 string `mapstructure:"user" yaml:"user"`
	Password             string `mapstructure:"password" yaml:"password"`
	Table                string `mapstructure:"table" yaml:"table"`
	MaxIdleConnection    int    `mapstructure:"max-idle-connections" yaml:"max_idle_connections"`
	MaxOpenConnection    int    `mapstructure:"max-open-connections" yaml:"max_open_connections"`
	ConnMaxLifetimeInSec int    `mapstructure:"connection-max-lifetime-sec" yaml:"connection_max_lifetime_sec"`
	ConnMaxIdleTimeInSec int    `mapstructure:"connection-max-idle-time-sec" yaml:"connection_max_idle_time_sec"`
}

func (c *Config) SetupDefault() {
	if c.Dialect == "" {
		c.Dialect = "mysql"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port <= 0 {
		switch c.Dialect {
		case "postgres", "postgresql", "pgx", "pgsql":
			c.Port = 5432
		default:
			c.Port = 3306
		}
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.MaxIdleConnection <= 0 {
		c.MaxIdleConnection = 10
	}
	if c.MaxOpenConnection <= 0 {
		c.MaxOpenConnection = 10
	}
	if c.ConnMaxLifetimeInSec <= 0 {
		c.ConnMaxLifetimeInSec = 60
	}
	if c.ConnMaxIdleTimeInSec <= 0 {
		c.ConnMaxIdleTimeInSec = 60
	}
}

// ValidateTable rejects table names that cannot be used as a plain identifier.
func ValidateTable(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// FormatDSN builds the driver specific data source name.
func (c *Config) FormatDSN(d Dialect) string {
	if c.DSN != "" {
		return c.DSN
	}
	switch d.Name {
	case MySQL.Name:
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		mc.DBName = c.Database
		mc.ParseTime = true
		// matched instead of changed rows, a renew may write an identical payload
		mc.ClientFoundRows = true
		return mc.FormatDSN()
	case Postgres.Name:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
			Path:     "/" + c.Database,
			RawQuery: "sslmode=disable",
		}
		return u.String()
	default:
		return c.Database
	}
}

// Open connects to the database described by the config.
func Open(c *Config) (*sql.DB, Dialect, error) {
	c.SetupDefault()

	d, err := DialectByName(c.Dialect)
	if err != nil {
		return nil, Dialect{}, err
	}

	db, err := sql.Open(d.Name, c.FormatDSN(d))
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("error in connecting to database - failed to call sql.Open: database=[%s]: %w", c.Database, err)
	}

	if d.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(c.MaxOpenConnection)
		db.SetMaxIdleConns(c.MaxIdleConnection)
	}
	db.SetConnMaxLifetime(time.Duration(c.ConnMaxLifetimeInSec) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(c.ConnMaxIdleTimeInSec) * time.Second)

	return db, d, nil
}
