// Package sqlstore implements hefield.Store over database/sql drivers using sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers "sqlite"
)

// Store runs statements on a connection pool, acquiring one connection per
// call and releasing it before returning.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// Open opens dsn with the dialect's driver and verifies it with a ping.
// SQLite pools are limited to one open connection.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	db, err := sqlx.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// New wraps an existing pool.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: sqlx.NewDb(db, dialect.DriverName), dialect: dialect}
}

// DB returns the underlying pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Query runs a statement and returns every row as a column-keyed map.
// Text columns that a driver returns as []byte are converted to string;
// binary columns stay []byte.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryxContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	text := make(map[string]bool, len(types))
	for _, ct := range types {
		text[ct.Name()] = isTextType(ct.DatabaseTypeName())
	}

	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any, len(types))
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok && text[k] {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Exec runs a statement and returns the number of affected rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Columns lists a table's columns in declaration order.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	return s.names(ctx, s.dialect.columnsQuery, table)
}

// HasColumn reports whether table has column, ignoring case.
func (s *Store) HasColumn(ctx context.Context, table, column string) (bool, error) {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c, column) {
			return true, nil
		}
	}
	return false, nil
}

// Tables lists the tables of the current schema.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	return s.names(ctx, s.dialect.tablesQuery)
}

// BinaryType returns the dialect's ciphertext column type.
func (s *Store) BinaryType() string {
	return s.dialect.BinaryType
}

// names runs a single-column catalog query.
func (s *Store) names(ctx context.Context, query string, args ...any) ([]string, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var names []string
	rows, err := conn.QueryxContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// isTextType reports whether a driver type name denotes character data.
func isTextType(name string) bool {
	name = strings.ToUpper(name)
	switch {
	case name == "":
		return false
	case strings.Contains(name, "BLOB"), strings.Contains(name, "BINARY"), name == "BYTEA":
		return false
	case strings.Contains(name, "CHAR"), strings.Contains(name, "TEXT"),
		name == "ENUM", name == "SET", name == "JSON", name == "DECIMAL", name == "NUMERIC":
		return true
	default:
		return false
	}
}
