package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/pkg/resilient"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
)

var importNow = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

func message(subject, date string) string {
	return strings.Join([]string{
		"From: Alice <alice@example.com>",
		"To: bob@example.com",
		"Subject: " + subject,
		"Date: " + date,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Body of " + subject,
		"",
	}, "\r\n")
}

func seededStore(t *testing.T) *resilient.Store {
	t.Helper()
	cfg := config.NewDefaultConfig()
	st := resilient.New(memstore.New(), cfg.Resilience, 0)
	t.Cleanup(func() { st.Close() })
	_, err := store.Seed(context.Background(), st, "s1", "Personal", true)
	require.NoError(t, err)
	return st
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCollectMessageFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.eml"), "x")
	writeFile(t, filepath.Join(dir, "nested", "a.EML"), "x")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	explicit := filepath.Join(t.TempDir(), "message")
	writeFile(t, explicit, "x")

	files, err := collectMessageFiles([]string{dir, explicit})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "b.eml"),
		filepath.Join(dir, "nested", "a.EML"),
		explicit,
	}, files)

	_, err = collectMessageFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestImportFiles(t *testing.T) {
	st := seededStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "1.eml"), message("First", "Mon, 04 Mar 2024 09:00:00 +0000"))
	writeFile(t, filepath.Join(dir, "2.eml"), message("Second", "Tue, 05 Mar 2024 09:00:00 +0000"))
	writeFile(t, filepath.Join(dir, "empty.eml"), "")
	files, err := collectMessageFiles([]string{dir})
	require.NoError(t, err)

	inbox := store.SpecialFolderID("s1", store.SpecialInbox)
	stats, err := importFiles(ctx, st, inbox, files, 2, func() time.Time { return importNow })
	require.NoError(t, err)
	assert.Equal(t, importStats{Inserted: 2, Skipped: 1}, stats)

	snap, err := st.Query(ctx, store.Selection{
		Collection: store.Items,
		Filters:    []store.Filter{{Field: store.FieldFolderID, Values: []any{inbox}}},
		Limit:      store.Unlimited,
	})
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	for _, rec := range snap.Records {
		assert.Equal(t, "s1", rec.Value(store.FieldStoreID))
		assert.Equal(t, "Alice <alice@example.com>", rec.Value(store.FieldSender))
	}

	// Ids are content-derived, so a second run updates in place.
	stats, err = importFiles(ctx, st, inbox, files, 1, func() time.Time { return importNow })
	require.NoError(t, err)
	assert.Equal(t, importStats{Updated: 2, Skipped: 1}, stats)
}

func TestImportFilesUnknownFolder(t *testing.T) {
	st := seededStore(t)
	_, err := importFiles(context.Background(), st, "nope", nil, 1, time.Now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunQuery(t *testing.T) {
	st := seededStore(t)
	cfg := config.NewDefaultConfig()
	b, eng := newBridge(st, &cfg)
	defer eng.Close()

	var out bytes.Buffer
	err := runQuery(context.Background(), b, `{ store(id: "s1") { id name } }`, "", "", false, &out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"results": {"data": {"store": {"id": "s1", "name": "Personal"}}}}`, out.String())
	assert.True(t, strings.HasSuffix(out.String(), "\n"))

	out.Reset()
	err = runQuery(context.Background(), b, `{ store(id: "s1") { id } }`, "", "", true, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "\n  \"results\"")

	err = runQuery(context.Background(), b, `subscription { stores { id } }`, "", "", false, &out)
	assert.ErrorIs(t, err, engine.ErrNotQuery)

	err = runQuery(context.Background(), b, `{ stores { color } }`, "", "", false, &out)
	assert.Equal(t, query.UnknownField, query.KindOf(err))
}

// syncBuffer is written by the dispatch goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestRunWatch(t *testing.T) {
	st := seededStore(t)
	cfg := config.NewDefaultConfig()
	b, eng := newBridge(st, &cfg)
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runWatch(ctx, b, `subscription { stores @take(count: 5) { id name } }`, "", "", out)
	}()

	require.Eventually(t, func() bool { return len(out.lines()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	_, err := store.Seed(context.Background(), st, "s2", "Work", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(out.lines()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Empty(t, b.Subscriptions())

	lines := out.lines()
	assert.JSONEq(t, `{"pending": 1}`, lines[0])
	assert.JSONEq(t, `{"reloaded": [{"id": "s1", "name": "Personal"}]}`, lines[1])
	assert.JSONEq(t, `{"index": 1, "added": {"id": "s2", "name": "Work"}}`, lines[2])
}

func TestRunWatchRejectsQueries(t *testing.T) {
	st := seededStore(t)
	cfg := config.NewDefaultConfig()
	b, eng := newBridge(st, &cfg)
	defer eng.Close()

	err := runWatch(context.Background(), b, `{ stores { id } }`, "", "", &syncBuffer{})
	assert.ErrorIs(t, err, engine.ErrNotSubscription)
}
