// Package source provides read-only access to an uploaded relational data
// source: table listing, schema description, and guarded query execution.
package source

import "context"

type Rows struct {
	Columns []string
	Rows    [][]any
}

// Source is the data-source boundary the query agent talks to. All
// implementations are read-only: mutating statements are rejected before
// they reach the underlying engine.
type Source interface {
	// Dialect names the SQL variant of the underlying engine ("sqlite",
	// "duckdb").
	Dialect() string

	// ListTables returns the names of all queryable tables, sorted.
	ListTables(ctx context.Context) ([]string, error)

	// DescribeTables returns a textual schema description (CREATE TABLE
	// plus up to sampleRows sample rows) for the named tables. Unknown
	// names produce an error naming the offending table.
	DescribeTables(ctx context.Context, names []string, sampleRows int) (string, error)

	// Query executes a read-only statement and returns its result rows.
	Query(ctx context.Context, sql string) (Rows, error)

	Close() error
}
