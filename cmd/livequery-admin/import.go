package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/ingest"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/store"
)

// importStore is what an import needs from a backend.
type importStore interface {
	Get(ctx context.Context, collection store.Collection, id string) (store.Record, error)
	store.Writer
}

type importStats struct {
	Inserted int64
	Updated  int64
	Skipped  int64
}

func handleImport(ctx context.Context) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := configFlag(fs)
	folderID := fs.String("folder", "", "Destination folder id (required)")
	workers := fs.Int("workers", 4, "Number of messages parsed concurrently")
	fs.Usage = func() {
		fmt.Println(`Import .eml files into a folder

Usage:
  livequery-admin import --folder <id> [options] <file or directory>...

Directories are searched recursively for *.eml files. Unparseable files
are skipped and reported. Item ids are derived from the message content,
so importing the same file twice updates the existing item.

Options:`)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if *folderID == "" || fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	files, err := collectMessageFiles(fs.Args())
	if err != nil {
		logger.Fatal("Failed to list message files", "error", err)
	}
	if len(files) == 0 {
		fmt.Println("No .eml files found.")
		return
	}

	cfg := loadConfig(*configPath)
	st := openStore(ctx, &cfg)
	defer st.Close()

	start := time.Now()
	stats, err := importFiles(ctx, st, *folderID, files, *workers, time.Now)
	if err != nil {
		st.Close()
		logger.Fatal("Import failed", "folder", *folderID, "error", err)
	}
	fmt.Printf("Imported %d new and %d updated messages into %s (%d skipped) in %s.\n",
		stats.Inserted, stats.Updated, *folderID, stats.Skipped, time.Since(start).Round(time.Millisecond))
}

// collectMessageFiles expands directories to the *.eml files below them.
// Files named explicitly are kept whatever their extension.
func collectMessageFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".eml") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// importFiles parses and stores files concurrently. A file that is not a
// message is skipped; a store failure stops the import.
func importFiles(ctx context.Context, st importStore, folderID string, files []string, workers int, now func() time.Time) (importStats, error) {
	folder, err := st.Get(ctx, store.Folders, folderID)
	if err != nil {
		return importStats{}, fmt.Errorf("folder %s: %w", folderID, err)
	}
	storeID, _ := folder.Value(store.FieldStoreID).(string)

	if workers <= 0 {
		workers = 1
	}
	var inserted, updated, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, path := range files {
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			msg, err := ingest.ParseMessage(f)
			f.Close()
			if err != nil {
				if errors.Is(err, consts.ErrMalformedMessage) {
					logger.Warn("Import: skipping file", "path", path, "error", err)
					metrics.MessagesImportedTotal.WithLabelValues("failure").Inc()
					skipped.Add(1)
					return nil
				}
				return fmt.Errorf("%s: %w", path, err)
			}

			ev, err := st.Put(gctx, msg.Record("", storeID, folderID, time.Time{}, now()))
			if err != nil {
				metrics.MessagesImportedTotal.WithLabelValues("failure").Inc()
				return fmt.Errorf("%s: %w", path, err)
			}
			metrics.MessagesImportedTotal.WithLabelValues("success").Inc()
			if ev.Kind == store.Updated {
				updated.Add(1)
			} else {
				inserted.Add(1)
			}
			logger.Debug("Import: stored message", "path", path, "id", ev.ID, "seq", ev.Seq)
			return nil
		})
	}
	err = g.Wait()
	return importStats{Inserted: inserted.Load(), Updated: updated.Load(), Skipped: skipped.Load()}, err
}
