package hefield

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultBackfillBatchSize = 500

// BackfillOptions controls a backfill run.
type BackfillOptions struct {
	BatchSize      int  // rows per page, defaults to 500
	StartOffset    int  // first row offset, ignored when Resume finds a checkpoint
	Shards         int  // pages processed in parallel, defaults to 1
	ScrubPlaintext bool // set plaintext columns to NULL once their shadow column is filled
	Resume         bool // start from the table's checkpoint
}

// BackfillReport summarizes a backfill run.
type BackfillReport struct {
	RunID       string
	Table       string
	Scanned     int // rows read
	Encrypted   int // shadow values written from plaintext
	Reencrypted int // fallback values migrated to HE
	Scrubbed    int // plaintext values cleared
	Failed      int // values left unchanged after an error
	NextOffset  int // checkpoint after the run
}

func (r *BackfillReport) merge(o BackfillReport) {
	r.Scanned += o.Scanned
	r.Encrypted += o.Encrypted
	r.Reencrypted += o.Reencrypted
	r.Scrubbed += o.Scrubbed
	r.Failed += o.Failed
}

// Backfiller fills shadow columns for rows written before a field became
// sensitive, and migrates fallback ciphertexts once HE is enabled.
//
// Pages are read in id order. The offset watermark is saved to the
// BlobStore after every round so an interrupted run can resume.
type Backfiller struct {
	store    Store
	registry *FieldRegistry
	codec    *ValueCodec
	blobs    BlobStore
	schema   *SchemaEvolution
	cfg      *executorConfig
	logger   *slog.Logger
}

// NewBackfiller creates a Backfiller. blobs holds the checkpoints and may be
// the ContextStore's BlobStore.
func NewBackfiller(store Store, registry *FieldRegistry, codec *ValueCodec, blobs BlobStore, opts ...ExecutorOption) *Backfiller {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Backfiller{
		store:    store,
		registry: registry,
		codec:    codec,
		blobs:    blobs,
		schema:   &SchemaEvolution{store: store, cfg: cfg, logger: cfg.logger},
		cfg:      cfg,
		logger:   cfg.logger,
	}
}

// CheckpointName is the blob holding a table's backfill offset.
func CheckpointName(table string) string {
	return "backfill/" + table + ".offset"
}

// Run backfills every sensitive field of table.
func (b *Backfiller) Run(ctx context.Context, table string, opts BackfillOptions) (BackfillReport, error) {
	report := BackfillReport{RunID: uuid.NewString(), Table: table}
	fields := b.registry.Fields(table)
	if len(fields) == 0 {
		return report, fmt.Errorf("%w: %s has no sensitive fields", ErrUnknownTable, table)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBackfillBatchSize
	}
	if opts.Shards <= 0 {
		opts.Shards = 1
	}

	for _, f := range fields {
		if err := b.schema.Ensure(ctx, table, f); err != nil {
			return report, err
		}
	}
	plaintext, err := b.plaintextColumns(ctx, table, fields)
	if err != nil {
		return report, err
	}

	offset := opts.StartOffset
	if opts.Resume {
		if offset, err = b.checkpoint(ctx, table, opts.StartOffset); err != nil {
			return report, err
		}
	}
	log := b.logger.With(slog.String("run_id", report.RunID), slog.String("table", table))
	log.Info("backfill started", slog.Int("offset", offset), slog.Int("batch_size", opts.BatchSize), slog.Int("shards", opts.Shards))

	for {
		if err := ctx.Err(); err != nil {
			report.NextOffset = offset
			return report, err
		}

		pages := make([]BackfillReport, opts.Shards)
		g, gctx := errgroup.WithContext(ctx)
		for i := range pages {
			pageOffset := offset + i*opts.BatchSize
			g.Go(func() error {
				r, err := b.page(gctx, table, fields, plaintext, pageOffset, opts)
				pages[i] = r
				return err
			})
		}
		if err := g.Wait(); err != nil {
			report.NextOffset = offset
			log.Error("backfill aborted", slog.Int("offset", offset), slog.Any("error", err))
			return report, err
		}

		done := false
		for _, p := range pages {
			report.merge(p)
			offset += p.Scanned
			if p.Scanned < opts.BatchSize {
				done = true
			}
		}
		if err := b.saveCheckpoint(ctx, table, offset); err != nil {
			log.Warn("checkpoint not saved", slog.Int("offset", offset), slog.Any("error", err))
		}
		log.Debug("backfill round complete", slog.Int("offset", offset), slog.Int("scanned", report.Scanned))
		if done {
			break
		}
	}

	report.NextOffset = offset
	log.Info("backfill complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("encrypted", report.Encrypted),
		slog.Int("reencrypted", report.Reencrypted),
		slog.Int("scrubbed", report.Scrubbed),
		slog.Int("failed", report.Failed))
	return report, nil
}

// page processes one page of rows and writes the changed ones back.
func (b *Backfiller) page(ctx context.Context, table string, fields []string, plaintext map[string]bool, offset int, opts BackfillOptions) (BackfillReport, error) {
	var report BackfillReport
	id := b.cfg.idColumn

	cols := []string{id}
	for _, f := range fields {
		if plaintext[f] {
			cols = append(cols, f)
		}
		cols = append(cols, ShadowColumn(f))
	}
	rows, err := b.store.Query(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ? OFFSET ?", strings.Join(cols, ", "), table, id),
		opts.BatchSize, offset)
	if err != nil {
		return report, fmt.Errorf("%w: backfill page at %d: %w", ErrStore, offset, err)
	}
	report.Scanned = len(rows)

	for _, row := range rows {
		values := make(map[string]any)
		for _, f := range fields {
			key := FieldKey(table, f)
			shadow := asBytes(row[ShadowColumn(f)])
			plain := row[f]

			switch {
			case shadow == nil && plain != nil:
				shadow = b.codec.Encrypt(plain, key)
				values[ShadowColumn(f)] = shadow
				report.Encrypted++
			case b.codec.NeedsReencryption(shadow):
				ct, err := b.codec.Reencrypt(shadow, key)
				if err != nil {
					b.logger.Warn("re-encryption failed", slog.String("field", key), slog.Any("id", row[id]), slog.Any("error", err))
					report.Failed++
					continue
				}
				values[ShadowColumn(f)] = ct
				report.Reencrypted++
			}

			if opts.ScrubPlaintext && plain != nil && shadow != nil {
				values[f] = nil
				report.Scrubbed++
			}
		}
		if len(values) == 0 {
			continue
		}

		setCols := sortedMapKeys(values)
		args := make([]any, 0, len(setCols)+1)
		for _, c := range setCols {
			args = append(args, values[c])
		}
		where, whereArgs := whereClause([]Condition{{Table: table, Column: id, Op: OpEq, Value: row[id]}})
		if _, err := b.store.Exec(ctx, buildUpdate(table, setCols, where), append(args, whereArgs...)...); err != nil {
			return report, fmt.Errorf("%w: backfill row %v: %w", ErrStore, row[id], err)
		}
	}
	return report, nil
}

// plaintextColumns reports which fields still have a plaintext column.
func (b *Backfiller) plaintextColumns(ctx context.Context, table string, fields []string) (map[string]bool, error) {
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		ok, err := b.store.HasColumn(ctx, table, f)
		if err != nil {
			return nil, fmt.Errorf("%w: describe %s: %w", ErrStore, table, err)
		}
		out[f] = ok
	}
	return out, nil
}

// checkpoint returns the saved offset for table, or fallback when none exists.
func (b *Backfiller) checkpoint(ctx context.Context, table string, fallback int) (int, error) {
	data, err := b.blobs.Get(ctx, CheckpointName(table))
	if errors.Is(err, ErrBlobNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: checkpoint %q", ErrInvalidFormat, data)
	}
	return n, nil
}

func (b *Backfiller) saveCheckpoint(ctx context.Context, table string, offset int) error {
	return b.blobs.Put(ctx, CheckpointName(table), []byte(strconv.Itoa(offset)))
}

// Checkpoint returns the saved offset for table, or 0 when none exists.
func (b *Backfiller) Checkpoint(ctx context.Context, table string) (int, error) {
	return b.checkpoint(ctx, table, 0)
}
