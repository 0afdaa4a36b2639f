package sqlstore

import "github.com/jmoiron/sqlx"

// Dialect holds the driver name and the catalog queries of one database.
type Dialect struct {
	Name       string
	DriverName string
	BinaryType string

	bindType     int
	columnsQuery string // one parameter: the table name
	tablesQuery  string
}

var (
	// Postgres uses the pgx stdlib driver.
	Postgres = Dialect{
		Name:       "postgres",
		DriverName: "pgx",
		BinaryType: "BYTEA",
		bindType:   sqlx.DOLLAR,
		columnsQuery: `SELECT column_name FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`,
		tablesQuery: `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() ORDER BY table_name`,
	}

	// MySQL expects a driver registered as "mysql" by the caller, or a
	// *sql.DB passed to New.
	MySQL = Dialect{
		Name:       "mysql",
		DriverName: "mysql",
		BinaryType: "LONGBLOB",
		bindType:   sqlx.QUESTION,
		columnsQuery: `SELECT column_name FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`,
		tablesQuery: `SHOW TABLES`,
	}

	// SQLite uses the pure Go modernc.org/sqlite driver.
	SQLite = Dialect{
		Name:         "sqlite",
		DriverName:   "sqlite",
		BinaryType:   "BLOB",
		bindType:     sqlx.QUESTION,
		columnsQuery: `SELECT name FROM pragma_table_info(?) ORDER BY cid`,
		tablesQuery:  `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
	}
)

// DialectByName returns the dialect called name.
func DialectByName(name string) (Dialect, bool) {
	for _, d := range []Dialect{Postgres, MySQL, SQLite} {
		if d.Name == name {
			return d, true
		}
	}
	return Dialect{}, false
}

// rebind converts "?" placeholders to the dialect's bind style.
func (d Dialect) rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}
