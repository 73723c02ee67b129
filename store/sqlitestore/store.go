// Package sqlitestore is the embedded store backend, a single SQLite file
// opened through modernc.org/sqlite.
//
// Writes go through one connection, which serializes them; reads use a
// separate pool and see consistent snapshots thanks to WAL mode. The
// change log and its polling feed work as in the PostgreSQL backend.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/changefeed"
	"github.com/migadu/livequery/store/sqlquery"
)

//go:embed schema.sql
var schema string

var dialect = sqlquery.SQLite

type Store struct {
	writer *sql.DB
	reader *sql.DB
	feed   *changefeed.Feed
	now    func() time.Time
}

var (
	_ store.Backend             = (*Store)(nil)
	_ store.ChangePruner        = (*Store)(nil)
	_ metrics.PoolStatsProvider = (*Store)(nil)
	_ changefeed.Source         = (*Store)(nil)
)

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// Open creates or opens the database at path and starts tailing its
// change log.
func Open(ctx context.Context, path string, storeCfg config.StoreConfig) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	writer, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		// WAL is an optimization; rollback journaling still works.
		logger.Warn("SQLite: failed to enable WAL journal mode", "error", err)
	}
	if _, err := writer.ExecContext(ctx, schema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	s := &Store{writer: writer, reader: reader, now: time.Now}
	s.feed = changefeed.New(s, storeCfg.GetPollInterval(), storeCfg.GetPollBatchSize())
	s.feed.Start(context.Background())
	logger.Info("SQLite: store opened", "path", path)
	return s, nil
}

func (s *Store) Close() error {
	s.feed.Stop()
	return errors.Join(s.reader.Close(), s.writer.Close())
}

func (s *Store) readDB(ctx context.Context) (*sql.DB, string) {
	if useWriter, ok := ctx.Value(consts.UseWriterKey).(bool); ok && useWriter {
		return s.writer, "write"
	}
	return s.reader, "read"
}

func (s *Store) Query(ctx context.Context, sel store.Selection) (store.Snapshot, error) {
	query, args, err := sqlquery.Select(dialect, sel)
	if err != nil {
		return store.Snapshot{}, err
	}
	db, role := s.readDB(ctx)
	start := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		observe("query", role, start, err)
		return store.Snapshot{}, fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, sqlquery.CurrentSeq(dialect), string(sel.Collection)).Scan(&seq); err != nil {
		observe("query", role, start, err)
		return store.Snapshot{}, fmt.Errorf("read sequence of %s: %w", sel.Collection, err)
	}
	records, err := queryRecords(ctx, tx, sel.Collection, query, args)
	observe("query", role, start, err)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Records: records, Seq: uint64(seq)}, nil
}

func queryRecords(ctx context.Context, tx *sql.Tx, c store.Collection, query string, args []any) ([]store.Record, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c, err)
	}
	defer rows.Close()

	n := len(store.Fields(c))
	var records []store.Record
	for rows.Next() {
		values := make([]any, n)
		ptrs := make([]any, n)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
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
	snap, err := s.Query(ctx, store.Selection{
		Collection: collection,
		Filters:    []store.Filter{{Field: store.FieldID, Values: []any{id}}},
		Limit:      1,
	})
	if err != nil {
		return store.Record{}, err
	}
	if len(snap.Records) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return snap.Records[0], nil
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

	return s.write(ctx, "put", rec.Collection, func(tx *sql.Tx, seq int64, at time.Time) (store.ChangeEvent, error) {
		kind := store.Inserted
		var one int
		err := tx.QueryRowContext(ctx, sqlquery.Exists(dialect, rec.Collection), rec.ID).Scan(&one)
		switch {
		case err == nil:
			kind = store.Updated
		case !errors.Is(err, sql.ErrNoRows):
			return store.ChangeEvent{}, err
		}

		query, args := sqlquery.Upsert(dialect, rec)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return store.ChangeEvent{}, fmt.Errorf("upsert %s/%s: %w", rec.Collection, rec.ID, err)
		}
		if err := insertChange(ctx, tx, rec.Collection, seq, kind, rec.ID, &payload, at); err != nil {
			return store.ChangeEvent{}, err
		}
		return store.ChangeEvent{Kind: kind, Collection: rec.Collection, Seq: uint64(seq), ID: rec.ID, Record: rec, At: at}, nil
	})
}

func (s *Store) Remove(ctx context.Context, collection store.Collection, id string) (store.ChangeEvent, error) {
	if !store.ValidCollection(collection) {
		return store.ChangeEvent{}, fmt.Errorf("%w: %q", store.ErrUnknownCollection, collection)
	}
	return s.write(ctx, "remove", collection, func(tx *sql.Tx, seq int64, at time.Time) (store.ChangeEvent, error) {
		res, err := tx.ExecContext(ctx, sqlquery.Delete(dialect, collection), id)
		if err != nil {
			return store.ChangeEvent{}, fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return store.ChangeEvent{}, err
		} else if n == 0 {
			return store.ChangeEvent{}, store.ErrNotFound
		}
		if err := insertChange(ctx, tx, collection, seq, store.Removed, id, nil, at); err != nil {
			return store.ChangeEvent{}, err
		}
		return store.ChangeEvent{Kind: store.Removed, Collection: collection, Seq: uint64(seq), ID: id, At: at}, nil
	})
}

func insertChange(ctx context.Context, tx *sql.Tx, c store.Collection, seq int64, kind store.ChangeKind, id string, payload *string, at time.Time) error {
	_, err := tx.ExecContext(ctx, sqlquery.InsertChange(dialect),
		string(c), seq, int64(kind), id, payload, dialect.EncodeValue(store.TypeTime, at))
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// write runs fn in a transaction after taking the collection's next
// sequence number.
func (s *Store) write(ctx context.Context, operation string, c store.Collection, fn func(tx *sql.Tx, seq int64, at time.Time) (store.ChangeEvent, error)) (store.ChangeEvent, error) {
	start := time.Now()
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		observe(operation, "write", start, err)
		return store.ChangeEvent{}, fmt.Errorf("%w: %w", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, sqlquery.NextSeq(dialect), string(c)).Scan(&seq); err != nil {
		observe(operation, "write", start, err)
		return store.ChangeEvent{}, fmt.Errorf("next sequence of %s: %w", c, err)
	}
	ev, err := fn(tx, seq, s.now().UTC())
	if err == nil {
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("%w: %w", consts.ErrDBCommitTransactionFailed, err)
		}
	}
	switch {
	case err == nil:
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	default:
		metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(start).Seconds())

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
	db, role := s.readDB(ctx)
	start := time.Now()
	var seq int64
	err := db.QueryRowContext(ctx, sqlquery.CurrentSeq(dialect), string(c)).Scan(&seq)
	observe("current_seq", role, start, err)
	if err != nil {
		return 0, fmt.Errorf("read sequence of %s: %w", c, err)
	}
	return uint64(seq), nil
}

func (s *Store) ReadChanges(ctx context.Context, c store.Collection, after uint64, limit int) ([]store.ChangeEvent, error) {
	db, role := s.readDB(ctx)
	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlquery.ReadChanges(dialect), string(c), int64(after), limit)
	if err != nil {
		observe("read_changes", role, start, err)
		return nil, err
	}
	defer rows.Close()

	var events []store.ChangeEvent
	for rows.Next() {
		var r sqlquery.ChangeRow
		if err := rows.Scan(&r.Seq, &r.Kind, &r.RecordID, &r.Payload, &r.At); err != nil {
			observe("read_changes", role, start, err)
			return nil, err
		}
		ev, err := r.Event(dialect, c)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	err = rows.Err()
	observe("read_changes", role, start, err)
	return events, err
}

func (s *Store) PruneChanges(ctx context.Context, olderThan time.Duration) (int64, error) {
	start := time.Now()
	cutoff := dialect.EncodeValue(store.TypeTime, s.now().Add(-olderThan))
	res, err := s.writer.ExecContext(ctx, sqlquery.PruneChanges(dialect), cutoff)
	observe("prune_changes", "write", start, err)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.ChangeLogPrunedTotal.Add(float64(n))
	return n, nil
}

// RecordCounts reports the number of records per collection.
func (s *Store) RecordCounts(ctx context.Context) (map[string]int64, error) {
	db, role := s.readDB(ctx)
	counts := make(map[string]int64, len(store.Collections()))
	for _, c := range store.Collections() {
		start := time.Now()
		var n int64
		err := db.QueryRowContext(ctx, sqlquery.Count(c)).Scan(&n)
		observe("count", role, start, err)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c, err)
		}
		counts[string(c)] = n
	}
	return counts, nil
}

func (s *Store) PoolStats() map[string]metrics.PoolStats {
	stat := func(db *sql.DB) metrics.PoolStats {
		st := db.Stats()
		return metrics.PoolStats{Total: int32(st.OpenConnections), Idle: int32(st.Idle), InUse: int32(st.InUse)}
	}
	return map[string]metrics.PoolStats{"write": stat(s.writer), "read": stat(s.reader)}
}

func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}
