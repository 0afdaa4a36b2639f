package hefield

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	metadataTable         = "encryption_metadata"
	defaultMetadataScheme = "homomorphic"
)

const createMetadataTable = `CREATE TABLE IF NOT EXISTS encryption_metadata (
	table_name VARCHAR(255) NOT NULL,
	field_name VARCHAR(255) NOT NULL,
	encryption_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	encryption_scheme VARCHAR(64) NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (table_name, field_name)
)`

// EncryptionMetadata is one row of encryption_metadata.
type EncryptionMetadata struct {
	Table   string
	Field   string
	Enabled bool
	Scheme  string
}

// SchemaEvolution provisions shadow columns and the encryption_metadata table.
// Every operation is idempotent and safe to repeat on each startup.
type SchemaEvolution struct {
	store  Store
	cfg    *executorConfig
	logger *slog.Logger
}

// NewSchemaEvolution creates a SchemaEvolution over store.
func NewSchemaEvolution(store Store, opts ...ExecutorOption) *SchemaEvolution {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &SchemaEvolution{store: store, cfg: cfg, logger: cfg.logger}
}

// Ensure makes sure table has a {field}_encrypted column and a metadata row.
// The metadata row is inserted when missing and refreshed only when the
// column was added by this call. Returns ErrUnknownTable if table does not exist.
func (s *SchemaEvolution) Ensure(ctx context.Context, table, field string) error {
	if !isValidIdentifier(table) || !isValidIdentifier(field) {
		return fmt.Errorf("%w: %s.%s", ErrInvalidIdentifier, table, field)
	}

	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	if _, err := s.store.Exec(ctx, createMetadataTable); err != nil {
		return s.storeError("create metadata table", err)
	}

	shadow := ShadowColumn(field)
	added, err := s.addColumn(ctx, table, shadow)
	if err != nil {
		return err
	}

	rows, err := s.store.Query(ctx,
		"SELECT COUNT(*) AS n FROM encryption_metadata WHERE table_name = ? AND field_name = ?",
		table, field)
	if err != nil {
		return s.storeError("read metadata", err)
	}
	var count float64
	if len(rows) > 0 {
		count, _ = toFloat(rows[0]["n"])
	}

	switch {
	case count == 0:
		_, err = s.store.Exec(ctx,
			"INSERT INTO encryption_metadata (table_name, field_name, encryption_enabled, encryption_scheme) VALUES (?, ?, ?, ?)",
			table, field, true, s.cfg.metadataScheme)
	case added:
		_, err = s.store.Exec(ctx,
			"UPDATE encryption_metadata SET encryption_enabled = ?, encryption_scheme = ?, updated_at = CURRENT_TIMESTAMP WHERE table_name = ? AND field_name = ?",
			true, s.cfg.metadataScheme, table, field)
	}
	if err != nil {
		return s.storeError("write metadata", err)
	}

	if added {
		s.logger.Info("shadow column added",
			slog.String("table", table),
			slog.String("column", shadow))
	}
	return nil
}

// EnsureAll runs Ensure for every field in registry. It continues past
// failures and returns them joined.
func (s *SchemaEvolution) EnsureAll(ctx context.Context, registry *FieldRegistry) error {
	var errs []error
	for _, table := range registry.Tables() {
		for _, field := range registry.Fields(table) {
			if err := s.Ensure(ctx, table, field); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Metadata returns every encryption_metadata row, ordered by table and field.
// A missing metadata table yields no rows.
func (s *SchemaEvolution) Metadata(ctx context.Context) ([]EncryptionMetadata, error) {
	exists, err := s.tableExists(ctx, metadataTable)
	if err != nil || !exists {
		return nil, err
	}
	rows, err := s.store.Query(ctx,
		"SELECT table_name, field_name, encryption_enabled, encryption_scheme FROM encryption_metadata ORDER BY table_name, field_name")
	if err != nil {
		return nil, s.storeError("read metadata", err)
	}
	out := make([]EncryptionMetadata, 0, len(rows))
	for _, r := range rows {
		out = append(out, EncryptionMetadata{
			Table:   toText(r["table_name"]),
			Field:   toText(r["field_name"]),
			Enabled: truthy(r["encryption_enabled"]),
			Scheme:  toText(r["encryption_scheme"]),
		})
	}
	return out, nil
}

// addColumn adds column unless it exists. A concurrent add by another
// process is detected by re-checking after a failed ALTER.
func (s *SchemaEvolution) addColumn(ctx context.Context, table, column string) (bool, error) {
	has, err := s.store.HasColumn(ctx, table, column)
	if err != nil {
		return false, s.storeError("inspect columns", err)
	}
	if has {
		return false, nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, s.store.BinaryType())
	if _, err := s.store.Exec(ctx, stmt); err != nil {
		if has, herr := s.store.HasColumn(ctx, table, column); herr == nil && has {
			return false, nil
		}
		return false, s.storeError("add shadow column", err)
	}
	return true, nil
}

func (s *SchemaEvolution) tableExists(ctx context.Context, table string) (bool, error) {
	tables, err := s.store.Tables(ctx)
	if err != nil {
		return false, s.storeError("list tables", err)
	}
	for _, t := range tables {
		if strings.EqualFold(t, table) {
			return true, nil
		}
	}
	return false, nil
}

func (s *SchemaEvolution) storeError(op string, err error) error {
	s.logger.Error("schema evolution failed", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// truthy reads a boolean column across drivers (bool, integer or text).
func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "1" || strings.EqualFold(b, "true") || strings.EqualFold(b, "t")
	case []byte:
		return truthy(string(b))
	default:
		f, ok := toFloat(v)
		return ok && f != 0
	}
}
