package internal

import "github.com/ValentinKolb/dLease/lib/lockstore"

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTRead  QueryType = iota // Retrieve the record of a key.
	QueryTCount                  // Number of records held by the machine.
)

func (q QueryType) String() string {
	switch q {
	case QueryTRead:
		return "Read"
	case QueryTCount:
		return "Count"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type QueryType // The type of Query to perform.
	Key  string    // The key for the Query (empty for QueryTCount).
}

// QueryResult is the result of a QueryTRead operation.
type QueryResult struct {
	Found  bool
	Record lockstore.LockRecord
}
