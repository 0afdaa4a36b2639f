package hefield

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// OrderTerm is one ORDER BY term.
type OrderTerm struct {
	Table  string // may be empty for single-table queries
	Column string
	Desc   bool
}

// SelectQuery describes a SELECT over one or more tables.
//
// Columns entries are "column", "table.column" or "*"; empty means every
// column of every table. Conditions are ANDed. Limit and Offset of 0 mean none.
type SelectQuery struct {
	Tables     []string
	Columns    []string
	Conditions []Condition
	OrderBy    []OrderTerm
	Limit      int
	Offset     int
}

// AggregateResult is the outcome of AggregateColumn.
type AggregateResult struct {
	Ciphertext []byte   // encrypted aggregate, nil when no row matched
	Value      *float64 // decrypted aggregate, nil when unavailable
	Count      int      // rows contributing a non-NULL value
}

// SecureQueryExecutor runs SELECT, INSERT, UPDATE and DELETE against a store
// in which every sensitive field has a {field}_encrypted shadow column.
//
// Conditions on plaintext columns are evaluated by the store. Conditions on
// sensitive fields are evaluated in-process after decryption, so UPDATE and
// DELETE with such conditions select candidate ids first and then act on the
// matching ids.
type SecureQueryExecutor struct {
	store    Store
	registry *FieldRegistry
	codec    *ValueCodec
	arith    *HomomorphicArithmetic
	schema   *SchemaEvolution
	cfg      *executorConfig
	logger   *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewSecureQueryExecutor creates an executor. codec, arith and the executor
// must share the same registry.
func NewSecureQueryExecutor(store Store, registry *FieldRegistry, codec *ValueCodec, arith *HomomorphicArithmetic, opts ...ExecutorOption) *SecureQueryExecutor {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &SecureQueryExecutor{
		store:    store,
		registry: registry,
		codec:    codec,
		arith:    arith,
		schema:   &SchemaEvolution{store: store, cfg: cfg, logger: cfg.logger},
		cfg:      cfg,
		logger:   cfg.logger,
		ensured:  make(map[string]bool),
	}
}

// Schema returns the executor's SchemaEvolution.
func (e *SecureQueryExecutor) Schema() *SchemaEvolution {
	return e.schema
}

// Connect provisions shadow columns for every registered field.
func (e *SecureQueryExecutor) Connect(ctx context.Context) error {
	if err := e.schema.EnsureAll(ctx, e.registry); err != nil {
		return err
	}
	e.mu.Lock()
	for _, t := range e.registry.Tables() {
		e.ensured[t] = true
	}
	e.mu.Unlock()
	return nil
}

// ensureTable provisions a table's shadow columns once per executor.
func (e *SecureQueryExecutor) ensureTable(ctx context.Context, table string) error {
	e.mu.Lock()
	done := e.ensured[table]
	e.mu.Unlock()
	if done {
		return nil
	}
	for _, field := range e.registry.Fields(table) {
		if err := e.schema.Ensure(ctx, table, field); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.ensured[table] = true
	e.mu.Unlock()
	return nil
}

// Select runs q and returns rows with sensitive fields decrypted.
// A field that fails to decrypt is nil in its row; the failure is logged.
func (e *SecureQueryExecutor) Select(ctx context.Context, q SelectQuery) ([]Row, error) {
	if len(q.Tables) == 0 {
		return nil, fmt.Errorf("%w: select without table", ErrInvalidIdentifier)
	}
	for _, t := range q.Tables {
		if !isValidIdentifier(t) {
			return nil, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, t)
		}
		if err := e.ensureTable(ctx, t); err != nil {
			return nil, err
		}
	}

	res := newResolver(e.store, q.Tables)
	plain, encrypted, err := partitionConditions(q.Conditions, e.registry, func(c Condition) (string, error) {
		return res.table(ctx, c.Table, c.Column)
	})
	if err != nil {
		return nil, err
	}

	cols, err := e.selectColumns(ctx, res, q.Columns)
	if err != nil {
		return nil, err
	}
	multi := len(q.Tables) > 1

	// Fields needed for post-filtering or in-process ordering but not selected.
	include := func(table, column string) {
		for _, c := range cols {
			if c.table == table && c.column == column {
				return
			}
		}
		cols = append(cols, selectColumn{
			table:     table,
			column:    column,
			key:       "_h_" + outputKey(table, column, multi),
			sensitive: e.registry.IsSensitive(table, column),
			hidden:    true,
		})
	}
	for _, c := range encrypted {
		include(c.Table, c.Column)
	}

	order := make([]OrderTerm, len(q.OrderBy))
	sortInProcess := false
	for i, t := range q.OrderBy {
		if !isValidIdentifier(t.Column) {
			return nil, fmt.Errorf("%w: order column %q", ErrInvalidIdentifier, t.Column)
		}
		if t.Table, err = res.table(ctx, t.Table, t.Column); err != nil {
			return nil, err
		}
		order[i] = t
		if e.registry.IsSensitive(t.Table, t.Column) {
			sortInProcess = true
		}
	}
	if sortInProcess {
		for _, t := range order {
			include(t.Table, t.Column)
		}
	}

	where, args := whereClause(plain)
	stmt := fmt.Sprintf("SELECT %s FROM %s%s", selectList(cols), strings.Join(q.Tables, ", "), where)
	if !sortInProcess {
		stmt += orderClause(order)
	}
	// OFFSET without LIMIT has no portable SQL form, so it stays in-process.
	pushLimit := len(encrypted) == 0 && !sortInProcess && (q.Limit > 0 || q.Offset <= 0)
	if pushLimit {
		stmt += limitClause(q.Limit, q.Offset)
	}

	rows, err := e.store.Query(ctx, stmt, args...)
	if err != nil {
		return nil, e.storeError("select", err)
	}

	filters, err := e.prepareFilters(encrypted)
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		cts := e.decryptRow(row, cols)
		if !e.matches(row, cts, cols, filters) {
			continue
		}
		out = append(out, row)
	}

	if sortInProcess {
		sortRows(out, order, cols)
	}
	for _, row := range out {
		for _, c := range cols {
			if c.hidden {
				delete(row, c.key)
			}
		}
	}
	if !pushLimit {
		out = applyLimit(out, q.Limit, q.Offset)
	}
	return out, nil
}

// Insert writes one row. Sensitive fields are encrypted into their shadow
// columns; their plaintext columns are written only with plaintext retention.
func (e *SecureQueryExecutor) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	if !isValidIdentifier(table) {
		return 0, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	if err := e.ensureTable(ctx, table); err != nil {
		return 0, err
	}
	cols, args, err := e.assignments(table, values)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("%w: insert into %s", ErrNoValues, table)
	}

	n, err := e.store.Exec(ctx, buildInsert(table, cols), args...)
	if err != nil {
		return 0, e.storeError("insert", err)
	}
	return n, nil
}

// Update sets values on rows matching conds and returns the affected count.
func (e *SecureQueryExecutor) Update(ctx context.Context, table string, values map[string]any, conds []Condition) (int64, error) {
	if !isValidIdentifier(table) {
		return 0, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	if err := e.ensureTable(ctx, table); err != nil {
		return 0, err
	}
	cols, setArgs, err := e.assignments(table, values)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, nil
	}

	return e.twoPhase(ctx, table, conds, "update", func(where string, whereArgs []any) (int64, error) {
		args := append(append([]any(nil), setArgs...), whereArgs...)
		return e.store.Exec(ctx, buildUpdate(table, cols, where), args...)
	})
}

// Delete removes rows matching conds and returns the affected count.
func (e *SecureQueryExecutor) Delete(ctx context.Context, table string, conds []Condition) (int64, error) {
	if !isValidIdentifier(table) {
		return 0, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
	}
	if err := e.ensureTable(ctx, table); err != nil {
		return 0, err
	}
	return e.twoPhase(ctx, table, conds, "delete", func(where string, whereArgs []any) (int64, error) {
		return e.store.Exec(ctx, buildDelete(table, where), whereArgs...)
	})
}

// AggregateColumn sums or averages a numeric sensitive field over matching
// rows without decrypting individual values.
func (e *SecureQueryExecutor) AggregateColumn(ctx context.Context, table, field string, op AggregateOp, conds []Condition) (AggregateResult, error) {
	if vt, ok := e.registry.Lookup(table, field); !ok || vt != Numeric {
		return AggregateResult{}, fmt.Errorf("%w: %s is not a numeric sensitive field", ErrUnknownValueType, FieldKey(table, field))
	}
	if err := e.ensureTable(ctx, table); err != nil {
		return AggregateResult{}, err
	}
	cts, err := e.matchingCiphertexts(ctx, table, field, conds)
	if err != nil {
		return AggregateResult{}, err
	}

	var res AggregateResult
	for _, ct := range cts {
		if ct != nil {
			res.Count++
		}
	}
	res.Ciphertext, err = e.arith.Aggregate(cts, op, FieldKey(table, field))
	if err != nil {
		return AggregateResult{}, err
	}
	if res.Ciphertext != nil {
		if v, err := e.codec.DecryptFloat(res.Ciphertext, FieldKey(table, field)); err == nil {
			res.Value = &v
		} else {
			e.logger.Warn("aggregate not decryptable", slog.String("field", FieldKey(table, field)), slog.Any("error", err))
		}
	}
	return res, nil
}

// matchingCiphertexts returns the shadow values of field for rows matching conds.
func (e *SecureQueryExecutor) matchingCiphertexts(ctx context.Context, table, field string, conds []Condition) ([][]byte, error) {
	plain, encrypted, err := e.partitionSingle(table, conds)
	if err != nil {
		return nil, err
	}
	// The aggregated field is fetched raw; only condition fields are decrypted.
	const raw = "_h_ciphertext"
	cols := []selectColumn{{table: table, column: ShadowColumn(field), key: raw}}
	for _, c := range encrypted {
		if keyFor(cols, table, c.Column) == "" {
			cols = append(cols, selectColumn{table: table, column: c.Column, key: c.Column, sensitive: true})
		}
	}
	where, args := whereClause(plain)
	rows, err := e.store.Query(ctx, fmt.Sprintf("SELECT %s FROM %s%s", selectList(cols), table, where), args...)
	if err != nil {
		return nil, e.storeError("aggregate", err)
	}
	filters, err := e.prepareFilters(encrypted)
	if err != nil {
		return nil, err
	}

	var out [][]byte
	for _, row := range rows {
		cts := e.decryptRow(row, cols)
		if e.matches(row, cts, cols, filters) {
			out = append(out, asBytes(row[raw]))
		}
	}
	return out, nil
}

// twoPhase runs a write whose conditions may involve sensitive fields. Without
// sensitive conditions the write runs directly. Otherwise candidate ids are
// selected with the plaintext conditions, filtered in-process, and the write
// is applied to the matching ids in chunks, re-applying the plaintext conditions.
func (e *SecureQueryExecutor) twoPhase(ctx context.Context, table string, conds []Condition, op string, write func(where string, args []any) (int64, error)) (int64, error) {
	plain, encrypted, err := e.partitionSingle(table, conds)
	if err != nil {
		return 0, err
	}

	if len(encrypted) == 0 {
		where, args := whereClause(plain)
		n, err := write(where, args)
		if err != nil {
			return 0, e.storeError(op, err)
		}
		return n, nil
	}

	id := e.cfg.idColumn
	cols := []selectColumn{{table: table, column: id, key: id}}
	seen := map[string]bool{}
	for _, c := range encrypted {
		if seen[c.Column] {
			continue
		}
		seen[c.Column] = true
		cols = append(cols, selectColumn{table: table, column: c.Column, key: c.Column, sensitive: true})
	}

	where, args := whereClause(plain)
	rows, err := e.store.Query(ctx, fmt.Sprintf("SELECT %s FROM %s%s", selectList(cols), table, where), args...)
	if err != nil {
		return 0, e.storeError(op, err)
	}
	filters, err := e.prepareFilters(encrypted)
	if err != nil {
		return 0, err
	}

	var ids []any
	for _, row := range rows {
		cts := e.decryptRow(row, cols)
		if e.matches(row, cts, cols, filters) {
			ids = append(ids, row[id])
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var total int64
	for _, batch := range chunk(ids, maxInParams) {
		where, args := whereClause(append([]Condition{{Table: table, Column: id, Op: OpIn, Value: batch}}, plain...))
		n, err := write(where, args)
		if err != nil {
			return total, e.storeError(op, err)
		}
		total += n
	}
	return total, nil
}

func (e *SecureQueryExecutor) partitionSingle(table string, conds []Condition) (plain, encrypted []Condition, err error) {
	return partitionConditions(conds, e.registry, func(c Condition) (string, error) {
		if c.Table != "" && c.Table != table {
			return "", fmt.Errorf("%w: condition on %s in statement on %s", ErrInvalidIdentifier, c.Table, table)
		}
		return table, nil
	})
}

// assignments maps values to column names and arguments, encrypting
// sensitive fields. Columns are sorted for stable statements.
func (e *SecureQueryExecutor) assignments(table string, values map[string]any) ([]string, []any, error) {
	cols := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for _, col := range sortedMapKeys(values) {
		if !isValidIdentifier(col) {
			return nil, nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, col)
		}
		v := values[col]
		if !e.registry.IsSensitive(table, col) {
			cols = append(cols, col)
			args = append(args, v)
			continue
		}
		ct := e.codec.Encrypt(v, FieldKey(table, col))
		cols = append(cols, ShadowColumn(col))
		args = append(args, nullableBytes(ct))
		if e.cfg.retainPlaintext {
			cols = append(cols, col)
			args = append(args, v)
		}
	}
	return cols, args, nil
}

// selectColumns expands the requested column list.
func (e *SecureQueryExecutor) selectColumns(ctx context.Context, res *resolver, requested []string) ([]selectColumn, error) {
	multi := len(res.tables) > 1
	var cols []selectColumn
	add := func(table, column string) {
		for _, c := range cols {
			if c.table == table && c.column == column {
				return
			}
		}
		cols = append(cols, selectColumn{
			table:     table,
			column:    column,
			key:       outputKey(table, column, multi),
			sensitive: e.registry.IsSensitive(table, column),
		})
	}
	addAll := func(table string) error {
		all, err := res.columns(ctx, table)
		if err != nil {
			return err
		}
		for _, c := range all {
			if isShadowColumn(c) && e.registry.IsSensitive(table, strings.TrimSuffix(c, shadowSuffix)) {
				continue
			}
			add(table, c)
		}
		return nil
	}

	if len(requested) == 0 {
		requested = []string{"*"}
	}
	for _, entry := range requested {
		entry = strings.TrimSpace(entry)
		table, column, qualified := strings.Cut(entry, ".")
		if !qualified {
			table, column = "", entry
		}
		if column == "*" {
			tables := res.tables
			if qualified {
				t, err := res.table(ctx, table, column)
				if err != nil {
					return nil, err
				}
				tables = []string{t}
			}
			for _, t := range tables {
				if err := addAll(t); err != nil {
					return nil, err
				}
			}
			continue
		}
		if !isValidIdentifier(column) {
			return nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, entry)
		}
		t, err := res.table(ctx, table, column)
		if err != nil {
			return nil, err
		}
		add(t, column)
	}
	return cols, nil
}

// decryptRow replaces every sensitive column's ciphertext with its decrypted
// value and returns the ciphertexts by row key.
func (e *SecureQueryExecutor) decryptRow(row Row, cols []selectColumn) map[string][]byte {
	cts := make(map[string][]byte)
	for _, c := range cols {
		if !c.sensitive {
			continue
		}
		ct := asBytes(row[c.alias()])
		delete(row, c.alias())
		cts[c.key] = ct

		field := FieldKey(c.table, c.column)
		v, err := e.codec.Decrypt(ct, field)
		if err != nil {
			e.logger.Warn("field decryption failed", slog.String("field", field), slog.Any("error", err))
			v = nil
		}
		row[c.key] = v
	}
	return cts
}

// filter is an encrypted condition prepared for row evaluation.
type filter struct {
	cond     Condition
	vt       ValueType
	operands [][]byte // encrypted condition values for numeric comparisons
}

func (e *SecureQueryExecutor) prepareFilters(conds []Condition) ([]filter, error) {
	filters := make([]filter, 0, len(conds))
	for _, c := range conds {
		f := filter{cond: c, vt: e.registry.TypeOf(FieldKey(c.Table, c.Column))}
		if f.vt == Numeric && c.Op != OpLike {
			for _, v := range inValues(c.Value) {
				if _, ok := toFloat(v); !ok {
					return nil, fmt.Errorf("%w: %v is not numeric for %s.%s", ErrUnknownValueType, v, c.Table, c.Column)
				}
				f.operands = append(f.operands, e.codec.Encrypt(v, FieldKey(c.Table, c.Column)))
			}
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// matches evaluates every filter on a decrypted row. An unknown result drops the row.
func (e *SecureQueryExecutor) matches(row Row, cts map[string][]byte, cols []selectColumn, filters []filter) bool {
	for _, f := range filters {
		key := keyFor(cols, f.cond.Table, f.cond.Column)
		ok, err := e.evaluate(row[key], cts[key], f)
		if err != nil {
			e.logger.Debug("condition unknown, row dropped",
				slog.String("field", FieldKey(f.cond.Table, f.cond.Column)),
				slog.Any("error", err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *SecureQueryExecutor) evaluate(value any, ct []byte, f filter) (bool, error) {
	c := f.cond
	if c.Value == nil {
		switch c.Op {
		case OpEq:
			return value == nil, nil
		case OpNe, OpNeSQL:
			return value != nil, nil
		}
	}
	if value == nil {
		return false, fmt.Errorf("%w: NULL or undecryptable value", ErrComparisonUnknown)
	}

	if f.vt != Numeric || c.Op == OpLike {
		return matchString(toText(value), c.Op, c.Value)
	}

	field := FieldKey(c.Table, c.Column)
	if c.Op == OpIn {
		for _, operand := range f.operands {
			eq, err := e.arith.Compare(ct, operand, CompareEq, field)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	}
	op, ok := c.Op.compareOp()
	if !ok || len(f.operands) != 1 {
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, c.Op)
	}
	return e.arith.Compare(ct, f.operands[0], op, field)
}

func (e *SecureQueryExecutor) storeError(op string, err error) error {
	e.logger.Error("store operation failed", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// keyFor returns the row key holding table.column.
func keyFor(cols []selectColumn, table, column string) string {
	for _, c := range cols {
		if c.table == table && c.column == column {
			return c.key
		}
	}
	return ""
}

// sortRows orders rows in-process by the decrypted values of the order terms.
// NULLs sort first, as in SQLite and MySQL.
func sortRows(rows []Row, order []OrderTerm, cols []selectColumn) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, t := range order {
			key := keyFor(cols, t.Table, t.Column)
			c := compareValues(rows[i][key], rows[j][key])
			if c == 0 {
				continue
			}
			if t.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(toText(a), toText(b))
}

func limitClause(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	default:
		return ""
	}
}

func applyLimit(rows []Row, limit, offset int) []Row {
	if offset > 0 {
		if offset >= len(rows) {
			return rows[:0]
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// asBytes reads a binary column across drivers.
func asBytes(v any) []byte {
	switch b := v.(type) {
	case nil:
		return nil
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

// nullableBytes maps a nil ciphertext to an untyped nil so drivers write NULL.
func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

// resolver maps unqualified columns to the query's tables, describing
// tables at most once per query.
type resolver struct {
	store  Store
	tables []string
	cache  map[string][]string
}

func newResolver(store Store, tables []string) *resolver {
	return &resolver{store: store, tables: tables, cache: make(map[string][]string)}
}

func (r *resolver) columns(ctx context.Context, table string) ([]string, error) {
	if cols, ok := r.cache[table]; ok {
		return cols, nil
	}
	cols, err := r.store.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%w: describe %s: %w", ErrStore, table, err)
	}
	r.cache[table] = cols
	return cols, nil
}

// table returns the query table holding column. An explicit table must be
// one of the query's tables.
func (r *resolver) table(ctx context.Context, table, column string) (string, error) {
	if table != "" {
		for _, t := range r.tables {
			if t == table {
				return t, nil
			}
		}
		return "", fmt.Errorf("%w: %s is not part of the query", ErrInvalidIdentifier, table)
	}
	if len(r.tables) == 1 {
		return r.tables[0], nil
	}
	for _, t := range r.tables {
		cols, err := r.columns(ctx, t)
		if err != nil {
			return "", err
		}
		for _, c := range cols {
			if strings.EqualFold(c, column) {
				return t, nil
			}
		}
	}
	return "", fmt.Errorf("%w: column %q not found in %s", ErrInvalidIdentifier, column, strings.Join(r.tables, ", "))
}
