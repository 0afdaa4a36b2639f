package hefield

import (
	"fmt"
	"strings"
)

const (
	shadowSuffix = "_encrypted"

	// maxInParams bounds the ids bound into one "id IN (...)" statement.
	maxInParams = 500
)

// isValidIdentifier checks if a table or column name is safe for SQL interpolation.
// Must start with letter or underscore, followed by alphanumeric/underscore.
func isValidIdentifier(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i, r := range s {
		if i == 0 {
			// First character: letter or underscore only
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_') {
				return false
			}
		} else {
			// Subsequent characters: alphanumeric or underscore
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9') || r == '_') {
				return false
			}
		}
	}
	return true
}

// ShadowColumn returns the ciphertext column paired with field.
func ShadowColumn(field string) string {
	return field + shadowSuffix
}

// isShadowColumn reports whether column is a ciphertext column.
func isShadowColumn(column string) bool {
	return strings.HasSuffix(column, shadowSuffix) && len(column) > len(shadowSuffix)
}

// outputKey is the row key for a column: the bare name for single-table
// queries and "table_column" when several tables are joined.
func outputKey(table, column string, multiTable bool) string {
	if multiTable {
		return table + "_" + column
	}
	return column
}

// whereClause renders conditions as " WHERE a AND b" (empty for none).
// Columns are table-qualified so the clause works in joins.
func whereClause(conds []Condition) (string, []any) {
	if len(conds) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(conds))
	var args []any
	for _, c := range conds {
		col := c.Table + "." + c.Column

		if ref, ok := c.Value.(ColumnRef); ok {
			parts = append(parts, fmt.Sprintf("%s %s %s.%s", col, c.Op, ref.Table, ref.Column))
			continue
		}

		switch {
		case c.Value == nil && c.Op == OpEq:
			parts = append(parts, col+" IS NULL")
		case c.Value == nil && (c.Op == OpNe || c.Op == OpNeSQL):
			parts = append(parts, col+" IS NOT NULL")
		case c.Op == OpIn:
			values := inValues(c.Value)
			if len(values) == 0 {
				parts = append(parts, "1 = 0") // IN () matches nothing
				continue
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", col, placeholders(len(values))))
			args = append(args, values...)
		default:
			parts = append(parts, fmt.Sprintf("%s %s ?", col, c.Op))
			args = append(args, c.Value)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// selectColumn is one entry of a SELECT list.
type selectColumn struct {
	table     string
	column    string
	key       string // row key after processing
	sensitive bool
	hidden    bool // fetched for filtering or ordering, removed from results
}

// alias is the SQL alias the column is fetched under.
func (c selectColumn) alias() string {
	if c.sensitive {
		return c.key + shadowSuffix
	}
	return c.key
}

// selectList renders the column list. A sensitive column is fetched from its
// shadow column, with a NULL placeholder under its output key.
func selectList(cols []selectColumn) string {
	parts := make([]string, 0, len(cols)*2)
	for _, c := range cols {
		if c.sensitive {
			parts = append(parts, fmt.Sprintf("%s.%s AS %s", c.table, ShadowColumn(c.column), c.alias()))
			if !c.hidden {
				parts = append(parts, "NULL AS "+c.key)
			}
			continue
		}
		parts = append(parts, fmt.Sprintf("%s.%s AS %s", c.table, c.column, c.alias()))
	}
	return strings.Join(parts, ", ")
}

// orderClause renders plaintext order terms.
func orderClause(terms []OrderTerm) string {
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		dir := "ASC"
		if t.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s.%s %s", t.Table, t.Column, dir))
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// buildInsert renders an INSERT for the given columns and values.
func buildInsert(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(len(cols)))
}

// buildUpdate renders an UPDATE; where must come from whereClause.
func buildUpdate(table string, cols []string, where string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
}

// buildDelete renders a DELETE; where must come from whereClause.
func buildDelete(table, where string) string {
	return "DELETE FROM " + table + where
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// chunk splits ids into groups of at most size.
func chunk(ids []any, size int) [][]any {
	var out [][]any
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
