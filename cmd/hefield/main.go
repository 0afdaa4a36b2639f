// Command hefield provisions and maintains homomorphically encrypted fields.
//
// Usage:
//
//	hefield init                 load or create the encryption contexts
//	hefield ensure               add shadow columns and metadata rows
//	hefield backfill [flags]     encrypt existing rows
//	hefield status               show key mode, metadata and checkpoints
//
// Configuration comes from HEFIELD_* environment variables and an optional .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ai8future/hefield"
	"github.com/ai8future/hefield/internal/config"
	"github.com/ai8future/hefield/sqlstore"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: hefield <init|ensure|backfill|status> [flags]")

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	switch cmd {
	case "init":
		return app.initKeys(ctx, out)
	case "ensure":
		return app.ensure(ctx, out)
	case "backfill":
		return app.backfill(ctx, args, out)
	case "status":
		return app.status(ctx, out)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

// app wires the library components from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	blobs    hefield.BlobStore
	registry *hefield.FieldRegistry
	contexts *hefield.ContextStore
	store    *sqlstore.Store
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.RedisAddr != "" {
		rs, err := hefield.NewRedisBlobStore(hefield.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("connect key store: %w", err)
		}
		a.blobs = rs
		a.closers = append(a.closers, rs.Close)
	} else {
		fs, err := hefield.NewFileBlobStore(cfg.KeyDir)
		if err != nil {
			return nil, err
		}
		a.blobs = fs
	}

	registry, err := hefield.LoadFieldRegistry(cfg.FieldsFile)
	if err != nil {
		a.close()
		return nil, err
	}
	a.registry = registry
	a.contexts = hefield.NewContextStore(a.blobs, hefield.WithLogger(logger))

	dialect, ok := sqlstore.DialectByName(cfg.Dialect)
	if !ok {
		a.close()
		return nil, fmt.Errorf("unknown dialect %q", cfg.Dialect)
	}
	store, err := sqlstore.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
}

func (a *app) executorOptions() []hefield.ExecutorOption {
	return []hefield.ExecutorOption{
		hefield.WithExecutorLogger(a.logger),
		hefield.WithPlaintextRetention(a.cfg.RetainPlaintext),
	}
}

func (a *app) initKeys(ctx context.Context, out io.Writer) error {
	a.contexts.Initialize(ctx)
	fmt.Fprintf(out, "mode: %s\nscheme: %s\n", a.contexts.Mode(), a.contexts.SchemeName())
	if !a.contexts.HEEnabled() {
		return errors.New("homomorphic encryption unavailable; values will use the fallback codec")
	}
	return nil
}

func (a *app) ensure(ctx context.Context, out io.Writer) error {
	schema := hefield.NewSchemaEvolution(a.store, a.executorOptions()...)
	if err := schema.EnsureAll(ctx, a.registry); err != nil {
		return err
	}
	for _, key := range a.registry.Keys() {
		table, field, _ := hefield.SplitFieldKey(key)
		fmt.Fprintf(out, "%s.%s -> %s\n", table, field, hefield.ShadowColumn(field))
	}
	return nil
}

func (a *app) backfill(ctx context.Context, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fset.SetOutput(out)
	var (
		table  = fset.String("table", "", "table to backfill (default: every registered table)")
		start  = fset.Int("start", 0, "row offset to start from")
		resume = fset.Bool("resume", false, "continue from the saved checkpoint")
		scrub  = fset.Bool("scrub", false, "clear plaintext columns after encrypting")
	)
	if err := fset.Parse(args); err != nil {
		return err
	}

	a.contexts.Initialize(ctx)
	codec := hefield.NewValueCodec(a.contexts, a.registry)
	b := hefield.NewBackfiller(a.store, a.registry, codec, a.blobs, a.executorOptions()...)

	tables := a.registry.Tables()
	if *table != "" {
		tables = []string{*table}
	}
	for _, t := range tables {
		report, err := b.Run(ctx, t, hefield.BackfillOptions{
			BatchSize:      a.cfg.BatchSize,
			StartOffset:    *start,
			Shards:         a.cfg.Shards,
			ScrubPlaintext: *scrub,
			Resume:         *resume,
		})
		if err != nil {
			return fmt.Errorf("backfill %s: %w", t, err)
		}
		fmt.Fprintf(out, "%s: run=%s scanned=%d encrypted=%d reencrypted=%d scrubbed=%d failed=%d offset=%d\n",
			t, report.RunID, report.Scanned, report.Encrypted, report.Reencrypted, report.Scrubbed, report.Failed, report.NextOffset)
	}
	return nil
}

func (a *app) status(ctx context.Context, out io.Writer) error {
	a.contexts.Initialize(ctx)
	fmt.Fprintf(out, "mode: %s\nscheme: %s\n", a.contexts.Mode(), a.contexts.SchemeName())

	md, err := hefield.NewSchemaEvolution(a.store, a.executorOptions()...).Metadata(ctx)
	if err != nil {
		return err
	}
	for _, m := range md {
		fmt.Fprintf(out, "field %s.%s enabled=%t scheme=%s\n", m.Table, m.Field, m.Enabled, m.Scheme)
	}

	codec := hefield.NewValueCodec(a.contexts, a.registry)
	b := hefield.NewBackfiller(a.store, a.registry, codec, a.blobs, a.executorOptions()...)
	for _, t := range a.registry.Tables() {
		offset, err := b.Checkpoint(ctx, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "checkpoint %s=%d\n", t, offset)
	}
	return nil
}
