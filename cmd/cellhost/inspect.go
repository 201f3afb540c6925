package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/config"
	"github.com/mattjoyce/cellhost/internal/inspect"
	"github.com/mattjoyce/cellhost/internal/storage"
)

// runCellInspect reads the store directly, so it works while the host is
// stopped. SQLite WAL lets it run alongside a live host too.
func runCellInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cell inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	cellID := fs.String("cell", "", "Cell id (<dna>:<agent>, see 'cell list')")
	asAt := fs.String("as-at", "", "Commit hash to inspect (default: head)")
	entryType := fs.String("type", "", "Only show chain entries of this type")
	limit := fs.Int("limit", 0, "Only show the newest N chain entries")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *cellID == "" {
		fmt.Fprintln(stderr, "Usage: cellhost cell inspect --cell <dna>:<agent> [--as-at HASH] [--type T] [--limit N] [--json]")
		return 1
	}
	id, err := cell.ParseCellID(*cellID)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid cell id: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	opts := inspect.Options{AsAt: cell.CommitHash(*asAt), EntryType: *entryType, Limit: *limit}
	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, db, id, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, out)
	if *jsonOut {
		fmt.Fprintln(stdout)
	}
	return 0
}
