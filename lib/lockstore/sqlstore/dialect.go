package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name       string // database/sql driver name
	quote      func(ident string) string
	param      func(n int) string // n is 1-based
	insertStmt func(table string, keyCol string) string
	forUpdate  string // row lock suffix for SELECT inside a transaction
	keyType    string
	valueType  string
}

var (
	// MySQL has no insert-if-absent that stays correct under clientFoundRows,
	// so create is a plain INSERT and a duplicate key error means "exists".
	MySQL = Dialect{
		Name:  "mysql",
		quote: func(ident string) string { return "`" + ident + "`" },
		param: func(int) string { return "?" },
		insertStmt: func(table, keyCol string) string {
			return fmt.Sprintf("INSERT INTO %s (%s, payload) VALUES (?, ?)", table, keyCol)
		},
		forUpdate: " FOR UPDATE",
		keyType:   "VARCHAR(255)",
		valueType: "TEXT",
	}

	// Postgres uses the pgx stdlib driver.
	Postgres = Dialect{
		Name:  "pgx",
		quote: func(ident string) string { return `"` + ident + `"` },
		param: func(n int) string { return fmt.Sprintf("$%d", n) },
		insertStmt: func(table, keyCol string) string {
			return fmt.Sprintf("INSERT INTO %s (%s, payload) VALUES ($1, $2) ON CONFLICT (%s) DO NOTHING",
				table, keyCol, keyCol)
		},
		forUpdate: " FOR UPDATE",
		keyType:   "VARCHAR(255)",
		valueType: "TEXT",
	}

	// SQLite has no row locks; its transactions are serialized by the database
	// lock, which the store reinforces by using a single connection.
	SQLite = Dialect{
		Name:  "sqlite",
		quote: func(ident string) string { return `"` + ident + `"` },
		param: func(int) string { return "?" },
		insertStmt: func(table, keyCol string) string {
			return fmt.Sprintf("INSERT INTO %s (%s, payload) VALUES (?, ?) ON CONFLICT (%s) DO NOTHING",
				table, keyCol, keyCol)
		},
		forUpdate: "",
		keyType:   "TEXT",
		valueType: "TEXT",
	}
)

// DialectByName resolves a dialect from its common names.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pgx", "pgsql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// statements are rendered once per store for its table.
type statements struct {
	createTable string
	read        string
	insert      string
	selectLock  string
	update      string
	delete      string
}

func (d Dialect) statements(table string) statements {
	t := d.quote(table)
	k := d.quote("key")
	p := d.param
	return statements{
		createTable: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL PRIMARY KEY, payload %s NOT NULL)",
			t, k, d.keyType, d.valueType),
		read:       fmt.Sprintf("SELECT payload FROM %s WHERE %s = %s", t, k, p(1)),
		insert:     d.insertStmt(t, k),
		selectLock: fmt.Sprintf("SELECT payload FROM %s WHERE %s = %s%s", t, k, p(1), d.forUpdate),
		update: fmt.Sprintf("UPDATE %s SET payload = %s WHERE %s = %s AND payload = %s",
			t, p(1), k, p(2), p(3)),
		delete: fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND payload = %s", t, k, p(1), p(2)),
	}
}
