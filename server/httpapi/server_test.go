package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/livequery/bridge"
	"github.com/migadu/livequery/engine"
	"github.com/migadu/livequery/pkg/health"
	"github.com/migadu/livequery/query"
	"github.com/migadu/livequery/store"
	"github.com/migadu/livequery/store/memstore"
)

const testAPIKey = "secret-key"

var fixedNow = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

func received(minute int) time.Time {
	return time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC)
}

type testEnv struct {
	server *Server
	bridge *bridge.Bridge
	mem    *memstore.Store
	http   *httptest.Server
}

func newTestEnv(t *testing.T, opts ServerOptions) *testEnv {
	t.Helper()
	mem := memstore.New()
	put := func(r store.Record) {
		_, err := mem.Put(context.Background(), r)
		require.NoError(t, err)
	}
	put(store.Record{Collection: store.Stores, ID: "s1", Fields: map[string]any{store.FieldName: "Primary", store.FieldDefaultStore: true}})
	put(store.Record{Collection: store.Folders, ID: "inbox", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldName: "Inbox", store.FieldSpecialFolder: store.SpecialInbox,
	}})
	put(store.Record{Collection: store.Folders, ID: "archive", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldName: "Archive", store.FieldSpecialFolder: store.SpecialArchive,
	}})
	put(store.Record{Collection: store.Items, ID: "A", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "hello", store.FieldReceived: received(10),
	}})
	put(store.Record{Collection: store.Items, ID: "B", Fields: map[string]any{
		store.FieldStoreID: "s1", store.FieldFolderID: "inbox", store.FieldSubject: "older", store.FieldReceived: received(5),
	}})

	eng := engine.New(mem, engine.DefaultOptions())
	t.Cleanup(eng.Close)
	b := bridge.New(eng, query.NewCompiler(query.Options{MaxTake: 100}))

	if opts.PingInterval == 0 {
		opts.PingInterval = time.Minute
	}
	s, err := New(b, mem, opts)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: s, bridge: b, mem: mem, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func bearer(key string) http.Header {
	return http.Header{"Authorization": {"Bearer " + key}}
}

func TestNewValidatesOptions(t *testing.T) {
	mem := memstore.New()
	eng := engine.New(mem, engine.DefaultOptions())
	defer eng.Close()
	b := bridge.New(eng, nil)

	_, err := New(b, mem, ServerOptions{TLS: true})
	assert.Error(t, err)

	_, err = New(b, mem, ServerOptions{AllowedHosts: []string{"10.0.0.0/33"}})
	assert.Error(t, err)

	_, err = New(nil, mem, ServerOptions{})
	assert.Error(t, err)

	s, err := New(b, mem, ServerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.writeTimeout)
	assert.Equal(t, int64(25<<20), s.maxBodySize)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, ServerOptions{APIKey: testAPIKey})

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"missing header", "/api/v1/subscriptions", nil, http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/subscriptions", http.Header{"Authorization": {"Basic abc"}}, http.StatusUnauthorized},
		{"wrong key", "/api/v1/subscriptions", bearer("nope"), http.StatusForbidden},
		{"valid key", "/api/v1/subscriptions", bearer(testAPIKey), http.StatusOK},
		{"lowercase scheme", "/api/v1/subscriptions", http.Header{"Authorization": {"bearer " + testAPIKey}}, http.StatusOK},
		{"health is public", "/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, "GET", tt.path, "", tt.header)
			assert.Equal(t, tt.want, status, body)
		})
	}
}

func TestHostAllowed(t *testing.T) {
	allowed := []string{"192.0.2.10", "10.1.0.0/16", "2001:db8::/32"}
	tests := []struct {
		ip   string
		want bool
	}{
		{"192.0.2.10", true},
		{"192.0.2.11", false},
		{"10.1.200.3", true},
		{"10.2.0.1", false},
		{"2001:db8::1", true},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hostAllowed(allowed, tt.ip), tt.ip)
	}
}

func TestAllowedHostsMiddleware(t *testing.T) {
	env := newTestEnv(t, ServerOptions{AllowedHosts: []string{"203.0.113.0/24"}})

	status, _ := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusForbidden, status, "loopback is not listed")

	status, _ = env.do(t, "GET", "/health", "", http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}})
	assert.Equal(t, http.StatusOK, status)
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.4:5000"
	assert.Equal(t, "198.51.100.4", getClientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.5")
	assert.Equal(t, "198.51.100.5", getClientIP(r))

	r.Header.Set("X-Forwarded-For", " 198.51.100.6 , 10.0.0.1")
	assert.Equal(t, "198.51.100.6", getClientIP(r))
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, resp.Header.Get("X-Request-ID"), 20)

	req, _ := http.NewRequest("GET", env.http.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "given")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "given", resp.Header.Get("X-Request-ID"))
}

func graphQLBody(t *testing.T, q, op, variables string) string {
	t.Helper()
	req := map[string]any{"query": q, "operationName": op}
	if variables != "" {
		req["variables"] = json.RawMessage(variables)
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return string(data)
}

const inboxQuery = `
query Inbox($folder: FolderId!) {
  items(folderId: $folder)
    @orderBy(sorts: [{property: {id: 3590}, type: TIME, descending: true}])
    @take(count: 10) { id subject }
}`

const inboxVariables = `{"folder": {"storeId": "s1", "objectId": "inbox"}}`

func TestGraphQLQuery(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	status, body := env.do(t, "POST", "/graphql", graphQLBody(t, inboxQuery, "Inbox", inboxVariables), nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.JSONEq(t, `{"results": {"data": {"items": [
		{"id": "A", "subject": "hello"},
		{"id": "B", "subject": "older"}
	]}}}`, body)
}

func TestGraphQLErrors(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"invalid json", `{"query":`, http.StatusBadRequest, ""},
		{"missing query", `{"operationName": "x"}`, http.StatusBadRequest, ""},
		{"syntax", graphQLBody(t, `{ stores {`, "", ""), http.StatusBadRequest, "Syntax"},
		{"unknown field", graphQLBody(t, `{ stores { id color } }`, "", ""), http.StatusBadRequest, "UnknownField"},
		{"missing variable", graphQLBody(t, inboxQuery, "Inbox", `{}`), http.StatusBadRequest, "VariableMismatch"},
		{
			"subscription over http",
			graphQLBody(t, `subscription { items(folderId: "inbox") { id } }`, "", ""),
			http.StatusBadRequest, "SubscriptionOverHTTP",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, "POST", "/graphql", tt.body, nil)
			assert.Equal(t, tt.status, status, body)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal([]byte(body), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Kind)
		})
	}
	assert.Empty(t, env.bridge.Subscriptions())
}

const importedMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Quarterly report\r\n" +
	"Date: Fri, 01 Mar 2024 12:20:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Numbers are   up.\r\n"

func TestImportItem(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	status, body := env.do(t, "POST", "/api/v1/folders/inbox/items?id=C", importedMessage, nil)
	require.Equal(t, http.StatusCreated, status, body)
	var change ChangeResponse
	require.NoError(t, json.Unmarshal([]byte(body), &change))
	assert.Equal(t, ChangeResponse{ID: "C", Kind: "inserted", Seq: 3}, change)

	rec, err := env.mem.Get(context.Background(), store.Items, "C")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", rec.Value(store.FieldSubject))
	assert.Equal(t, "Alice <alice@example.com>", rec.Value(store.FieldSender))
	assert.Equal(t, "Numbers are up.", rec.Value(store.FieldPreview))
	assert.Equal(t, "s1", rec.Value(store.FieldStoreID))
	assert.Equal(t, received(20), rec.Value(store.FieldReceived))
	assert.Equal(t, int64(len(importedMessage)), rec.Value(store.FieldSize))

	// Importing the same id again replaces the item.
	status, body = env.do(t, "POST", "/api/v1/folders/inbox/items?id=C", importedMessage, nil)
	assert.Equal(t, http.StatusOK, status, body)

	status, body = env.do(t, "POST", "/graphql", graphQLBody(t, inboxQuery, "Inbox", inboxVariables), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"Quarterly report"`)
}

func TestImportItemErrors(t *testing.T) {
	env := newTestEnv(t, ServerOptions{MaxBodySize: 64})

	status, _ := env.do(t, "POST", "/api/v1/folders/missing/items", importedMessage, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, "POST", "/api/v1/folders/inbox/items", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, "POST", "/api/v1/folders/inbox/items?received=yesterday", importedMessage, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, "POST", "/api/v1/folders/inbox/items", importedMessage, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestUpdateItem(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	status, body := env.do(t, "PATCH", "/api/v1/items/A", `{"read": true, "folderId": "archive"}`, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.JSONEq(t, `{"id": "A", "kind": "updated", "seq": 3}`, body)

	rec, err := env.mem.Get(context.Background(), store.Items, "A")
	require.NoError(t, err)
	assert.Equal(t, true, rec.Value(store.FieldRead))
	assert.Equal(t, "archive", rec.Value(store.FieldFolderID))
	assert.Equal(t, fixedNow, rec.Value(store.FieldModified))
	assert.Equal(t, "hello", rec.Value(store.FieldSubject), "other fields are kept")

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"unknown item", "/api/v1/items/nope", `{"read": true}`, http.StatusNotFound},
		{"unknown folder", "/api/v1/items/A", `{"folderId": "nope"}`, http.StatusBadRequest},
		{"empty folder", "/api/v1/items/A", `{"folderId": ""}`, http.StatusBadRequest},
		{"nothing to do", "/api/v1/items/A", `{}`, http.StatusBadRequest},
		{"invalid json", "/api/v1/items/A", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, "PATCH", tt.path, tt.body, nil)
			assert.Equal(t, tt.want, status, body)
		})
	}
}

func TestDeleteItem(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	status, body := env.do(t, "DELETE", "/api/v1/items/B", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.JSONEq(t, `{"id": "B", "kind": "removed", "seq": 3}`, body)

	status, _ = env.do(t, "DELETE", "/api/v1/items/B", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSubscriptionsEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})

	status, body := env.do(t, "GET", "/api/v1/subscriptions", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"subscriptions": [], "count": 0}`, body)

	res, err := env.bridge.FetchQuery(context.Background(),
		`subscription { items(folderId: "inbox") { id } }`, "", "", func(string) {})
	require.NoError(t, err)
	assert.JSONEq(t, `{"pending": 1}`, res)

	status, body = env.do(t, "GET", "/api/v1/subscriptions", "", nil)
	require.Equal(t, http.StatusOK, status)
	var list SubscriptionsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, uint64(1), list.Subscriptions[0].ID)

	status, _ = env.do(t, "DELETE", "/api/v1/subscriptions/1", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, env.bridge.Subscriptions())

	status, _ = env.do(t, "DELETE", "/api/v1/subscriptions/1", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, "DELETE", "/api/v1/subscriptions/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerOptions{})
	status, body := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status": "ok", "subscriptions": 0}`, body)
}

func TestHealthWithMonitor(t *testing.T) {
	var down atomic.Bool
	monitor := health.NewMonitor()
	monitor.Register(&health.Check{Name: "store", Critical: true, Check: func(ctx context.Context) error {
		if down.Load() {
			return errors.New("unreachable")
		}
		return nil
	}})
	env := newTestEnv(t, ServerOptions{Health: monitor})
	ctx := context.Background()

	monitor.RunCheck(ctx, "store")
	status, body := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"name":"store"`)

	down.Store(true)
	monitor.RunCheck(ctx, "store")
	status, body = env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"degraded"`)

	monitor.RunCheck(ctx, "store")
	status, body = env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, body, `"error":"unreachable"`)
}
