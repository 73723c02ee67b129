package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/store/pgstore"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`PostgreSQL schema migrations

The server applies pending migrations on startup. These commands are for
inspecting and repairing the schema; they take the same advisory lock, so
they fail fast while another process is migrating.

Usage:
  livequery-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the recorded version (for fixing dirty states)

Examples:
  livequery-admin migrate up
  livequery-admin migrate down --limit 2
  livequery-admin migrate down --all
  livequery-admin migrate version
  livequery-admin migrate force 1
`)
}

// openMigrator loads the configuration and connects with the migration
// lock held. The caller closes the migrator.
func openMigrator(ctx context.Context, configPath string) (*pgstore.Migrator, context.CancelFunc) {
	cfg := loadConfig(configPath)
	if cfg.Store.Backend != config.BackendPostgres {
		logger.Warn("Configured backend is not postgres, migrating [database] anyway", "backend", cfg.Store.Backend)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Database.GetMigrationTimeout())
	m, err := pgstore.NewMigrator(ctx, &cfg.Database)
	if err != nil {
		cancel()
		logger.Fatal("Failed to initialize migrations", "error", err)
	}
	return m, cancel
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Println("Usage: livequery-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending migrations.")
	}
	fs.Parse(os.Args[3:])

	m, cancel := openMigrator(ctx, *configPath)
	defer cancel()
	defer m.Close()

	if err := m.Up(); err != nil {
		m.Close()
		logger.Fatal("Failed to apply migrations", "error", err)
	}
	fmt.Println("Migrations applied successfully.")
	printVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := configFlag(fs)
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: livequery-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	if !*all && *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		os.Exit(1)
	}

	m, cancel := openMigrator(ctx, *configPath)
	defer cancel()
	defer m.Close()

	var err error
	if *all {
		err = m.DownAll()
	} else {
		err = m.Steps(-*limit)
	}
	if err != nil {
		m.Close()
		logger.Fatal("Failed to revert migrations", "error", err)
	}
	fmt.Println("Migrations reverted successfully.")
	printVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Println("Usage: livequery-admin migrate version [--config config.toml]")
	}
	fs.Parse(os.Args[3:])

	m, cancel := openMigrator(ctx, *configPath)
	defer cancel()
	defer m.Close()

	printVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Usage = func() {
		fmt.Println("Usage: livequery-admin migrate force [--config config.toml] <version>")
		fmt.Println("Records <version> as applied and clears the dirty flag without running migrations.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil || version < -1 {
		fmt.Fprintf(os.Stderr, "Invalid version %q\n", fs.Arg(0))
		os.Exit(1)
	}

	m, cancel := openMigrator(ctx, *configPath)
	defer cancel()
	defer m.Close()

	if err := m.Force(version); err != nil {
		m.Close()
		logger.Fatal("Failed to force version", "version", version, "error", err)
	}
	fmt.Printf("Forced version %d.\n", version)
	printVersion(m)
}

func printVersion(m *pgstore.Migrator) {
	version, dirty, ok, err := m.Version()
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "Failed to read version: %v\n", err)
	case !ok:
		fmt.Println("No migrations applied.")
	default:
		fmt.Printf("Version: %d, dirty: %t\n", version, dirty)
	}
}
