// Package sqlstore implements a lock store on a relational database through
// database/sql. MySQL (go-sql-driver/mysql), PostgreSQL (pgx) and SQLite
// (modernc.org/sqlite) are supported.
//
// Records live in a two column table (key primary key, payload text), created
// with CREATE TABLE IF NOT EXISTS on first use.
//
//   - TryCreate is a single insert that ignores conflicts
//     (ON DUPLICATE KEY UPDATE key = key on MySQL, ON CONFLICT DO NOTHING
//     elsewhere). One affected row means the record was created.
//   - TryTakeoverOrRenew and Delete run in a transaction: SELECT ... FOR UPDATE
//     locks the row, the decision is made in Go, and the write is conditioned on
//     the payload that was read (compare-and-swap).
//
// Deadlocks, serialization failures, busy databases and lost connections are
// reported as lockstore.ErrBackendUnavailable and therefore retried by the lock
// manager.
package sqlstore
