package hefield

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator is a condition operator.
type Operator string

const (
	OpEq    Operator = "="
	OpNe    Operator = "!="
	OpNeSQL Operator = "<>"
	OpGt    Operator = ">"
	OpLt    Operator = "<"
	OpGe    Operator = ">="
	OpLe    Operator = "<="
	OpLike  Operator = "LIKE"
	OpIn    Operator = "IN"
)

// ColumnRef names a column on the right-hand side of a condition, for joins.
type ColumnRef struct {
	Table  string
	Column string
}

// Condition is one conjunct of a WHERE clause: Table.Column Op Value.
//
// Value is a scalar, a slice for OpIn, a ColumnRef for a column-to-column
// comparison, or nil (IS NULL / IS NOT NULL with OpEq / OpNe).
// Table may be empty when the query names a single table.
type Condition struct {
	Table  string
	Column string
	Op     Operator
	Value  any
}

// Where builds a Condition.
func Where(table, column string, op Operator, value any) Condition {
	return Condition{Table: table, Column: column, Op: op, Value: value}
}

// normalize upper-cases the operator, maps "==" to "=" and rejects anything
// outside the supported set.
func (op Operator) normalize() (Operator, error) {
	o := Operator(strings.ToUpper(strings.TrimSpace(string(op))))
	switch o {
	case "==":
		return OpEq, nil
	case OpEq, OpNe, OpNeSQL, OpGt, OpLt, OpGe, OpLe, OpLike, OpIn:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
}

// compareOp maps an ordering operator to its CompareOp.
func (op Operator) compareOp() (CompareOp, bool) {
	switch op {
	case OpEq:
		return CompareEq, true
	case OpNe, OpNeSQL:
		return CompareNe, true
	case OpGt:
		return CompareGt, true
	case OpLt:
		return CompareLt, true
	case OpGe:
		return CompareGe, true
	case OpLe:
		return CompareLe, true
	default:
		return "", false
	}
}

// inValues returns the elements of an IN condition's value.
func inValues(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out
	case []int64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out
	default:
		return []any{v}
	}
}

// partitionConditions splits conditions into those the store evaluates and
// those on sensitive fields, which must be evaluated after decryption.
// Tables are resolved and operators normalized on the returned copies.
func partitionConditions(conds []Condition, registry *FieldRegistry, resolve func(Condition) (string, error)) (plain, encrypted []Condition, err error) {
	for _, c := range conds {
		op, err := c.Op.normalize()
		if err != nil {
			return nil, nil, err
		}
		c.Op = op
		if c.Table, err = resolve(c); err != nil {
			return nil, nil, err
		}
		if !isValidIdentifier(c.Column) {
			return nil, nil, fmt.Errorf("%w: column %q", ErrInvalidIdentifier, c.Column)
		}

		ref, isRef := c.Value.(ColumnRef)
		if isRef {
			if !isValidIdentifier(ref.Table) || !isValidIdentifier(ref.Column) {
				return nil, nil, fmt.Errorf("%w: column %s.%s", ErrInvalidIdentifier, ref.Table, ref.Column)
			}
			if registry.IsSensitive(c.Table, c.Column) || registry.IsSensitive(ref.Table, ref.Column) {
				return nil, nil, fmt.Errorf("%w: column comparison on encrypted field %s.%s", ErrUnsupportedOperator, c.Table, c.Column)
			}
		}

		if registry.IsSensitive(c.Table, c.Column) {
			encrypted = append(encrypted, c)
		} else {
			plain = append(plain, c)
		}
	}
	return plain, encrypted, nil
}

// likePattern compiles a SQL LIKE pattern (% and _ wildcards) into an
// anchored, case-insensitive regular expression.
func likePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// matchString evaluates op natively on decrypted text.
func matchString(value string, op Operator, operand any) (bool, error) {
	switch op {
	case OpEq:
		return value == toText(operand), nil
	case OpNe, OpNeSQL:
		return value != toText(operand), nil
	case OpGt:
		return value > toText(operand), nil
	case OpLt:
		return value < toText(operand), nil
	case OpGe:
		return value >= toText(operand), nil
	case OpLe:
		return value <= toText(operand), nil
	case OpLike:
		re, err := likePattern(toText(operand))
		if err != nil {
			return false, err
		}
		return re.MatchString(value), nil
	case OpIn:
		for _, v := range inValues(operand) {
			if value == toText(v) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, op)
	}
}
