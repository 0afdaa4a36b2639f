package hefield

import "context"

// Row is one result row keyed by column name or alias.
type Row = map[string]any

// Store is the relational store the executor runs against. Statements use
// "?" placeholders; implementations rebind them for their driver.
// Implementations should hold a connection only for the duration of a call.
//
// sqlstore.Store implements it over database/sql drivers.
type Store interface {
	// Query runs a statement returning rows.
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	// Columns lists a table's columns in declaration order (DESCRIBE).
	Columns(ctx context.Context, table string) ([]string, error)

	// HasColumn reports whether table has column (information_schema).
	HasColumn(ctx context.Context, table, column string) (bool, error)

	// Tables lists the tables of the current schema (SHOW TABLES).
	Tables(ctx context.Context) ([]string, error)

	// BinaryType is the column type used for ciphertexts, e.g. BYTEA or BLOB.
	BinaryType() string
}
