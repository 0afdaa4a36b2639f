package hefield

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueType is the semantic type of a sensitive field. It selects the HE scheme.
type ValueType string

const (
	// Numeric fields are encrypted under the approximate (CKKS) scheme.
	Numeric ValueType = "numeric"
	// String fields are encrypted under the exact (BFV) scheme, one slot per character.
	String ValueType = "string"
)

// Valid reports whether t is a known value type.
func (t ValueType) Valid() bool {
	return t == Numeric || t == String
}

// FieldRegistry maps "table.field" keys to value types.
// It is immutable once built: changing a field's type without re-encrypting
// existing ciphertexts makes them undecryptable.
type FieldRegistry struct {
	fields map[string]ValueType
	tables map[string][]string
}

// NewFieldRegistry builds a registry from a "table.field" -> "numeric"|"string" map.
//
// Example:
//
//	registry, err := hefield.NewFieldRegistry(map[string]string{
//	    "traders.email":    "string",
//	    "accounts.balance": "numeric",
//	})
func NewFieldRegistry(fields map[string]string) (*FieldRegistry, error) {
	r := &FieldRegistry{
		fields: make(map[string]ValueType, len(fields)),
		tables: make(map[string][]string),
	}
	for _, key := range sortedMapKeys(fields) {
		table, field, ok := SplitFieldKey(key)
		if !ok {
			return nil, fmt.Errorf("%w: registry key %q must be table.field", ErrInvalidIdentifier, key)
		}
		if !isValidIdentifier(table) || !isValidIdentifier(field) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, key)
		}
		vt := ValueType(strings.ToLower(strings.TrimSpace(fields[key])))
		if !vt.Valid() {
			return nil, fmt.Errorf("%w: %q for %s", ErrUnknownValueType, fields[key], key)
		}
		r.fields[FieldKey(table, field)] = vt
		r.tables[table] = append(r.tables[table], field)
	}
	return r, nil
}

// LoadFieldRegistry reads a registry from a YAML (or JSON) file holding a flat
// "table.field: type" mapping.
func LoadFieldRegistry(path string) (*FieldRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field registry: %w", err)
	}
	var fields map[string]string
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parse field registry: %w", err)
	}
	return NewFieldRegistry(fields)
}

// FieldKey joins a table and field into the registry key form "table.field".
func FieldKey(table, field string) string {
	return table + "." + field
}

// SplitFieldKey splits "table.field". ok is false when either part is empty.
func SplitFieldKey(key string) (table, field string, ok bool) {
	table, field, found := strings.Cut(key, ".")
	if !found || table == "" || field == "" {
		return "", "", false
	}
	return table, field, true
}

// Lookup returns the value type registered for table.field.
func (r *FieldRegistry) Lookup(table, field string) (ValueType, bool) {
	return r.LookupKey(FieldKey(table, field))
}

// LookupKey returns the value type registered for a "table.field" key.
func (r *FieldRegistry) LookupKey(key string) (ValueType, bool) {
	if r == nil {
		return "", false
	}
	vt, ok := r.fields[key]
	return vt, ok
}

// TypeOf returns the registered type, defaulting to String for unknown keys.
func (r *FieldRegistry) TypeOf(key string) ValueType {
	if vt, ok := r.LookupKey(key); ok {
		return vt
	}
	return String
}

// IsSensitive reports whether table.field is registered.
func (r *FieldRegistry) IsSensitive(table, field string) bool {
	_, ok := r.Lookup(table, field)
	return ok
}

// Fields returns the sensitive fields of a table, sorted.
func (r *FieldRegistry) Fields(table string) []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.tables[table]...)
}

// Tables returns every table with at least one sensitive field, sorted.
func (r *FieldRegistry) Tables() []string {
	if r == nil {
		return nil
	}
	return sortedMapKeys(r.tables)
}

// Keys returns every registered "table.field" key, sorted.
func (r *FieldRegistry) Keys() []string {
	if r == nil {
		return nil
	}
	return sortedMapKeys(r.fields)
}

// Len returns the number of registered fields.
func (r *FieldRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// sortedMapKeys returns map keys sorted alphabetically.
func sortedMapKeys[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
