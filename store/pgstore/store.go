// Package pgstore is the PostgreSQL store backend.
//
// Records live in one table per collection. Every write bumps the
// collection's row in collection_seq and appends to the changes table in the
// same transaction; a changefeed.Feed tails that table to serve Watch.
// Reads run in REPEATABLE READ transactions so the records of a snapshot
// and its sequence number agree.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/changefeed"
	"github.com/migadu/livequery/store/sqlquery"
)

var dialect = sqlquery.Postgres

type Store struct {
	writePool *pgxpool.Pool
	readPool  *pgxpool.Pool
	feed      *changefeed.Feed
	now       func() time.Time
}

var (
	_ store.Backend             = (*Store)(nil)
	_ store.ChangePruner        = (*Store)(nil)
	_ metrics.PoolStatsProvider = (*Store)(nil)
	_ changefeed.Source         = (*Store)(nil)
)

// Open connects the write and read pools, applies pending migrations and
// starts tailing the change log.
func Open(ctx context.Context, dbCfg *config.DatabaseConfig, storeCfg config.StoreConfig) (*Store, error) {
	if dbCfg == nil || dbCfg.Write == nil {
		return nil, errors.New("write database configuration is required")
	}

	if err := Migrate(ctx, dbCfg); err != nil {
		return nil, err
	}

	writePool, err := createPoolFromEndpoint(ctx, dbCfg.Write, dbCfg.LogQueries, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbCfg.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbCfg.Read, dbCfg.LogQueries, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("Database: no read endpoint configured, reads use the write pool")
	}

	s := &Store{writePool: writePool, readPool: readPool, now: time.Now}
	s.feed = changefeed.New(s, storeCfg.GetPollInterval(), storeCfg.GetPollBatchSize())
	s.feed.Start(context.Background())
	return s, nil
}

func (s *Store) Close() error {
	s.feed.Stop()
	s.writePool.Close()
	if s.readPool != s.writePool {
		s.readPool.Close()
	}
	return nil
}

// readPoolFor returns the write pool when the context asks for
// read-your-writes consistency.
func (s *Store) readPoolFor(ctx context.Context) (*pgxpool.Pool, string) {
	if useWriter, ok := ctx.Value(consts.UseWriterKey).(bool); ok && useWriter {
		return s.writePool, "write"
	}
	if s.readPool == s.writePool {
		return s.readPool, "write"
	}
	return s.readPool, "read"
}

func (s *Store) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	query, args, err := sqlquery.Select(dialect, sel)
	if err != nil {
		return store.Snapshot{}, err
	}
	pool, role := s.readPoolFor(ctx)
	start := time.Now()

	tx, err := s.beginTx(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		observe("query", role, start, err)
		return store.Snapshot{}, err
	}
	defer tx.Rollback(ctx)

	var seq int64
	if err := tx.QueryRow(ctx, sqlquery.CurrentSeq(dialect), string(sel.Collection)).Scan(&seq); err != nil {
		observe("query", role, start, err)
		return store.Snapshot{}, fmt.Errorf("read sequence of %s: %w", sel.Collection, err)
	}
	records, err := queryRecords(ctx, tx, sel.Collection, query, args)
	observe("query", role, start, err)
	if err != nil {
		return store.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Records: records, Seq: uint64(seq)}, nil
}

func queryRecords(ctx context.Context, tx pgx.Tx, c store.Collection, query string, args []any) ([]store.Record, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c, err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec, err := sqlquery.Scan(dialect, c, values)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Get(ctx context.Context, collection store.Collection, id string) (store.Record, error) {
	query, args, err := sqlquery.Select(dialect, store.Selection{
		Collection: collection,
		Filters:    []store.Filter{{Field: store.FieldID, Values: []any{id}}},
		Limit:      1,
	})
	if err != nil {
		return store.Record{}, err
	}
	pool, role := s.readPoolFor(ctx)
	start := time.Now()

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		observe("get", role, start, err)
		return store.Record{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	values, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) ([]any, error) {
		return row.Values()
	})
	observe("get", role, start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return sqlquery.Scan(dialect, collection, values)
}

func (s *Store) Watch(collection store.Collection, fn func(store.ChangeBatch)) (func(), error) {
	return s.feed.Watch(collection, fn)
}

func (s *Store) Put(ctx context.Context, rec store.Record) (store.ChangeEvent, error) {
	rec = rec.Clone()
	if err := store.Validate(&rec); err != nil {
		return store.ChangeEvent{}, err
	}
	payload, err := sqlquery.EncodeFields(rec)
	if err != nil {
		return store.ChangeEvent{}, err
	}

	return s.write(ctx, "put", rec.Collection, func(tx pgx.Tx, seq int64, at time.Time) (store.ChangeEvent, error) {
		kind := store.Inserted
		var one int
		err := tx.QueryRow(ctx, sqlquery.Exists(dialect, rec.Collection), rec.ID).Scan(&one)
		switch {
		case err == nil:
			kind = store.Updated
		case !errors.Is(err, pgx.ErrNoRows):
			return store.ChangeEvent{}, err
		}

		query, args := sqlquery.Upsert(dialect, rec)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return store.ChangeEvent{}, fmt.Errorf("upsert %s/%s: %w", rec.Collection, rec.ID, err)
		}
		if _, err := tx.Exec(ctx, sqlquery.InsertChange(dialect), string(rec.Collection), seq, int64(kind), rec.ID, payload, at); err != nil {
			return store.ChangeEvent{}, fmt.Errorf("append change: %w", err)
		}
		return store.ChangeEvent{Kind: kind, Collection: rec.Collection, Seq: uint64(seq), ID: rec.ID, Record: rec, At: at}, nil
	})
}

func (s *Store) Remove(ctx context.Context, collection store.Collection, id string) (store.ChangeEvent, error) {
	if !store.ValidCollection(collection) {
		return store.ChangeEvent{}, fmt.Errorf("%w: %q", store.ErrUnknownCollection, collection)
	}
	return s.write(ctx, "remove", collection, func(tx pgx.Tx, seq int64, at time.Time) (store.ChangeEvent, error) {
		tag, err := tx.Exec(ctx, sqlquery.Delete(dialect, collection), id)
		if err != nil {
			return store.ChangeEvent{}, fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ChangeEvent{}, store.ErrNotFound
		}
		if _, err := tx.Exec(ctx, sqlquery.InsertChange(dialect), string(collection), seq, int64(store.Removed), id, nil, at); err != nil {
			return store.ChangeEvent{}, fmt.Errorf("append change: %w", err)
		}
		return store.ChangeEvent{Kind: store.Removed, Collection: collection, Seq: uint64(seq), ID: id, At: at}, nil
	})
}

// write runs fn in a transaction after taking the collection's next
// sequence number. The row lock on collection_seq orders writers of one
// collection, so the change log never shows a later sequence number before
// an earlier one commits.
func (s *Store) write(ctx context.Context, operation string, c store.Collection, fn func(tx pgx.Tx, seq int64, at time.Time) (store.ChangeEvent, error)) (store.ChangeEvent, error) {
	start := time.Now()
	tx, err := s.beginTx(ctx, s.writePool, pgx.TxOptions{})
	if err != nil {
		observe(operation, "write", start, err)
		return store.ChangeEvent{}, err
	}
	defer tx.Rollback(ctx)

	var seq int64
	if err := tx.QueryRow(ctx, sqlquery.NextSeq(dialect), string(c)).Scan(&seq); err != nil {
		observe(operation, "write", start, err)
		return store.ChangeEvent{}, fmt.Errorf("next sequence of %s: %w", c, err)
	}
	ev, err := fn(tx, seq, s.now().UTC())
	if err == nil {
		err = tx.Commit(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		observe(operation, "write", start, nil)
		return store.ChangeEvent{}, err
	}
	observe(operation, "write", start, err)
	if err != nil {
		return store.ChangeEvent{}, err
	}
	return ev, nil
}

func (s *Store) CurrentSeq(ctx context.Context, c store.Collection) (uint64, error) {
	pool, role := s.readPoolFor(ctx)
	start := time.Now()
	var seq int64
	err := pool.QueryRow(ctx, sqlquery.CurrentSeq(dialect), string(c)).Scan(&seq)
	observe("current_seq", role, start, err)
	if err != nil {
		return 0, fmt.Errorf("read sequence of %s: %w", c, err)
	}
	return uint64(seq), nil
}

func (s *Store) ReadChanges(ctx context.Context, c store.Collection, after uint64, limit int) ([]store.ChangeEvent, error) {
	pool, role := s.readPoolFor(ctx)
	start := time.Now()
	rows, err := pool.Query(ctx, sqlquery.ReadChanges(dialect), string(c), int64(after), limit)
	if err != nil {
		observe("read_changes", role, start, err)
		return nil, err
	}
	changes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sqlquery.ChangeRow, error) {
		var r sqlquery.ChangeRow
		err := row.Scan(&r.Seq, &r.Kind, &r.RecordID, &r.Payload, &r.At)
		return r, err
	})
	observe("read_changes", role, start, err)
	if err != nil {
		return nil, err
	}

	events := make([]store.ChangeEvent, 0, len(changes))
	for _, r := range changes {
		ev, err := r.Event(dialect, c)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) PruneChanges(ctx context.Context, olderThan time.Duration) (int64, error) {
	start := time.Now()
	tx, err := s.beginTx(ctx, s.writePool, pgx.TxOptions{})
	if err != nil {
		observe("prune_changes", "write", start, err)
		return 0, err
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", consts.CleanupLockID).Scan(&locked); err != nil {
		observe("prune_changes", "write", start, err)
		return 0, fmt.Errorf("cleanup lock: %w", err)
	}
	if !locked {
		logger.Debug("Database: change log pruning skipped, another instance holds the lock")
		return 0, nil
	}

	tag, err := tx.Exec(ctx, "DELETE FROM changes WHERE created_at < @cutoff",
		pgx.NamedArgs{"cutoff": s.now().Add(-olderThan).UTC()})
	if err == nil {
		err = tx.Commit(ctx)
	}
	observe("prune_changes", "write", start, err)
	if err != nil {
		return 0, err
	}
	metrics.ChangeLogPrunedTotal.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// RecordCounts reports the number of records per collection.
func (s *Store) RecordCounts(ctx context.Context) (map[string]int64, error) {
	pool, role := s.readPoolFor(ctx)
	counts := make(map[string]int64, len(store.Collections()))
	for _, c := range store.Collections() {
		start := time.Now()
		var n int64
		err := pool.QueryRow(ctx, sqlquery.Count(c)).Scan(&n)
		observe("count", role, start, err)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c, err)
		}
		counts[string(c)] = n
	}
	return counts, nil
}

func (s *Store) PoolStats() map[string]metrics.PoolStats {
	stat := func(p *pgxpool.Pool) metrics.PoolStats {
		st := p.Stat()
		return metrics.PoolStats{Total: st.TotalConns(), Idle: st.IdleConns(), InUse: st.AcquiredConns()}
	}
	out := map[string]metrics.PoolStats{"write": stat(s.writePool)}
	if s.readPool != s.writePool {
		out["read"] = stat(s.readPool)
	}
	return out
}
