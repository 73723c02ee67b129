// Package backend opens the store backend selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/resilient"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
	"github.com/migadu/livequery/store/pgstore"
	"github.com/migadu/livequery/store/sqlitestore"
)

// Open opens the raw backend named by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory, "":
		logger.Info("Store: using in-memory backend, data is lost on exit")
		return memstore.New(), nil
	case config.BackendSQLite:
		s, err := sqlitestore.Open(ctx, cfg.Store.SQLitePath, cfg.Store)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, &cfg.Database, cfg.Store)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// OpenResilient opens the configured backend behind retries and circuit
// breakers.
func OpenResilient(ctx context.Context, cfg *config.Config) (*resilient.Store, error) {
	b, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return resilient.New(b, cfg.Resilience, cfg.Database.GetQueryTimeout()), nil
}

// KeepsChangeLog reports whether the backend persists a change log that
// needs pruning.
func KeepsChangeLog(b store.Backend) bool {
	if r, ok := b.(*resilient.Store); ok {
		b = r.Unwrap()
	}
	_, ok := b.(store.ChangePruner)
	return ok
}
