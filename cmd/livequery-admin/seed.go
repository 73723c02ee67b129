package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/store"
)

func handleSeed(ctx context.Context) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := configFlag(fs)
	storeID := fs.String("store", "", "Store id (required)")
	name := fs.String("name", "", "Display name of the store (defaults to the id)")
	defaultStore := fs.Bool("default", false, "Mark the store as the default store")
	fs.Usage = func() {
		fmt.Println(`Create a store and its special folders

Usage:
  livequery-admin seed --store <id> [--name <name>] [--default]

Folders get the ids <store>-inbox, <store>-sent and so on. Seeding an
existing store overwrites its name and resets the special folders.

Options:`)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[2:])

	if *storeID == "" {
		fs.Usage()
		os.Exit(1)
	}
	if *name == "" {
		*name = *storeID
	}

	cfg := loadConfig(*configPath)
	st := openStore(ctx, &cfg)
	defer st.Close()

	events, err := store.Seed(ctx, st, *storeID, *name, *defaultStore)
	if err != nil {
		st.Close()
		logger.Fatal("Seeding failed", "store", *storeID, "error", err)
	}
	for _, ev := range events {
		fmt.Printf("%-8s %-8s %s\n", ev.Kind, ev.Collection, ev.ID)
	}
}
