package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/livequery/bridge"
	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/resilient"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store/backend"
)

const defaultConfigPath = "config.toml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "import":
		handleImport(ctx)
	case "seed":
		handleSeed(ctx)
	case "query":
		handleQuery(ctx)
	case "watch":
		handleWatch(ctx)
	case "prune":
		handlePrune(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`livequery administration tool

Usage:
  livequery-admin <command> [options]

Commands:
  migrate   Manage the PostgreSQL schema (up, down, version, force)
  import    Import .eml files into a folder
  seed      Create a store with its special folders
  query     Run a one-shot query and print the result
  watch     Subscribe and print every push until interrupted
  prune     Delete change log entries older than the retention
  help      Show this help message

Examples:
  livequery-admin migrate up --config /etc/livequery/config.toml
  livequery-admin seed --store s1 --name Personal --default
  livequery-admin import --folder s1-inbox ~/Maildir/cur
  livequery-admin query '{ stores { id name } }'
  livequery-admin watch --variables '{"f":"s1-inbox"}' 'subscription($f: FolderId!) { items(folderId: $f) @take(count: 10) { id subject } }'
  livequery-admin prune --retention 1h

Use 'livequery-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the configuration at path. A missing default file
// yields the built-in defaults so the tool works against a local sqlite
// or memory setup without one.
func loadConfig(path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if !os.IsNotExist(err) || path != defaultConfigPath {
			fmt.Fprintf(os.Stderr, "Failed to load configuration %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration %s: %v\n", path, err)
		os.Exit(1)
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}
	return cfg
}

func openStore(ctx context.Context, cfg *config.Config) *resilient.Store {
	st, err := backend.OpenResilient(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open store", "backend", cfg.Store.Backend, "error", err)
	}
	if cfg.Store.Backend == config.BackendMemory {
		logger.Warn("The memory backend does not outlive this command")
	}
	return st
}

func newBridge(st *resilient.Store, cfg *config.Config) (*bridge.Bridge, *engine.Engine) {
	eng := engine.New(st, engine.OptionsFromConfig(cfg.Engine))
	compiler := query.NewCompiler(query.Options{
		MaxTake:     cfg.Engine.MaxTake,
		DefaultTake: cfg.Engine.DefaultTake,
	})
	return bridge.New(eng, compiler), eng
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", defaultConfigPath, "Path to TOML configuration file")
}
