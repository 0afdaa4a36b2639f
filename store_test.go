package hefield

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ai8future/hefield/sqlstore"
)

var _ Store = (*sqlstore.Store)(nil)

// testSQLStore opens a fresh SQLite file with the traders and accounts tables.
func testSQLStore(t testing.TB) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()

	dsn := filepath.Join(t.TempDir(), "hefield.db") + "?_pragma=busy_timeout(5000)"
	s, err := sqlstore.Open(ctx, sqlstore.SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, stmt := range []string{
		`CREATE TABLE traders (id INTEGER PRIMARY KEY, name TEXT, region TEXT, email TEXT, phone TEXT)`,
		`CREATE TABLE accounts (id INTEGER PRIMARY KEY, trader_id INTEGER, currency TEXT, balance REAL)`,
	} {
		_, err := s.Exec(ctx, stmt)
		require.NoError(t, err)
	}
	return s
}

// rawRow reads one row without decryption.
func rawRow(t testing.TB, s Store, query string, args ...any) Row {
	t.Helper()
	rows, err := s.Query(context.Background(), query, args...)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToUpper(s), strings.ToUpper(substr))
}
