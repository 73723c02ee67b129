package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/server/cleaner"
	"github.com/migadu/livequery/store/backend"
)

func handlePrune(ctx context.Context) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := configFlag(fs)
	retention := fs.String("retention", "", "Keep change log entries newer than this (default: store.change_retention)")
	fs.Usage = func() {
		fmt.Println(`Delete old change log entries

Usage:
  livequery-admin prune [--retention 24h]

Subscribers lagging behind the pruned range recover with a reload.

Options:`)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	keep := cfg.Store.GetChangeRetention()
	if *retention != "" {
		d, err := config.ParseDuration(*retention)
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "Invalid retention %q\n", *retention)
			os.Exit(1)
		}
		keep = d
	}

	st := openStore(ctx, &cfg)
	defer st.Close()
	if !backend.KeepsChangeLog(st) {
		fmt.Printf("The %s backend keeps no change log.\n", cfg.Store.Backend)
		return
	}

	deleted, err := cleaner.New(st, time.Hour, keep).RunOnce(ctx)
	if err != nil {
		st.Close()
		logger.Fatal("Pruning failed", "error", err)
	}
	fmt.Printf("Deleted %d change log entries older than %s.\n", deleted, keep)
}
