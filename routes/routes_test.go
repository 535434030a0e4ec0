package routes_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/routes"
)

func testServer(ctx context.Context, t *testing.T, sharedKey string) (string, *keyspace.Registry) {
	t.Helper()
	reg, _, _ := keyspace.TestRegistry(ctx, t, keyspace.NewTestDeps(t))
	_, err := reg.Open(ctx, keyspace.TestSchema("ks", true))
	require.NoError(t, err)
	url, finish := routes.MakeTestRoutes(t, reg, sharedKey)
	t.Cleanup(finish)
	return url, reg
}

func call(ctx context.Context, t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func ptr(s string) *string {
	return &s
}

func apply(ctx context.Context, t *testing.T, url string, req routes.ApplyRequest) {
	t.Helper()
	code, body := call(ctx, t, http.MethodPost, url+"/keyspaces/ks/apply", req)
	require.Equal(t, http.StatusOK, code, string(body))
}

func userUpdate(key string, cols map[string]*string) routes.ApplyRequest {
	return routes.ApplyRequest{
		Key: key,
		Updates: []routes.TableUpdate{
			{Table: "users", Rows: []routes.RowUpdate{{Set: cols}}},
		},
	}
}

func TestApplyHandler(t *testing.T) {
	ctx := context.Background()
	url, _ := testServer(ctx, t, "")
	cases := []struct {
		assertion               string
		keyspace                string
		body                    any
		expectedResponseCode    int
		expectedResponseMessage string
	}{
		{
			"valid request",
			"ks",
			routes.ApplyRequest{
				Key: "alice",
				Updates: []routes.TableUpdate{
					{Table: "users", Rows: []routes.RowUpdate{{Set: map[string]*string{"name": ptr("Alice")}}}},
					{Table: "events", Rows: []routes.RowUpdate{{Clustering: "1", Set: map[string]*string{"kind": ptr("login")}}}},
				},
			},
			http.StatusOK,
			"",
		},
		{
			"missing key",
			"ks",
			routes.ApplyRequest{Updates: []routes.TableUpdate{{Table: "users"}}},
			http.StatusBadRequest,
			"missing key",
		},
		{
			"missing updates",
			"ks",
			routes.ApplyRequest{Key: "alice"},
			http.StatusBadRequest,
			"missing updates",
		},
		{
			"empty rows",
			"ks",
			routes.ApplyRequest{Key: "alice", Updates: []routes.TableUpdate{{Table: "users"}}},
			http.StatusBadRequest,
			"no rows for table users",
		},
		{
			"unknown table",
			"ks",
			routes.ApplyRequest{
				Key:     "alice",
				Updates: []routes.TableUpdate{{Table: "nope", Rows: []routes.RowUpdate{{Delete: []string{"a"}}}}},
			},
			http.StatusNotFound,
			"table ks.nope not found",
		},
		{
			"duplicate table",
			"ks",
			routes.ApplyRequest{
				Key: "alice",
				Updates: []routes.TableUpdate{
					{Table: "events", Rows: []routes.RowUpdate{{Delete: []string{"a"}}}},
					{Table: "events", Rows: []routes.RowUpdate{{Delete: []string{"b"}}}},
				},
			},
			http.StatusBadRequest,
			"invalid request",
		},
		{
			"unknown keyspace",
			"other",
			routes.ApplyRequest{Key: "alice"},
			http.StatusNotFound,
			"keyspace other not found",
		},
		{
			"malformed body",
			"ks",
			"{",
			http.StatusBadRequest,
			"error decoding request",
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			code, body := call(ctx, t, http.MethodPost, url+"/keyspaces/"+c.keyspace+"/apply", c.body)
			require.Equal(t, c.expectedResponseCode, code, string(body))
			if c.expectedResponseMessage != "" {
				require.Contains(t, string(body), c.expectedResponseMessage)
			}
		})
	}
}

func TestReadHandlers(t *testing.T) {
	ctx := context.Background()
	url, _ := testServer(ctx, t, "")
	apply(ctx, t, url, routes.ApplyRequest{
		Key:       "alice",
		Timestamp: 10,
		Updates: []routes.TableUpdate{{Table: "users", Rows: []routes.RowUpdate{{
			Set: map[string]*string{"name": ptr("Alice"), "email": ptr("a@x.com"), "city": ptr("paris")},
		}}}},
	})
	apply(ctx, t, url, routes.ApplyRequest{
		Key:       "alice",
		Timestamp: 20,
		Updates: []routes.TableUpdate{{Table: "users", Rows: []routes.RowUpdate{{
			Set: map[string]*string{"email": nil},
		}}}},
	})
	apply(ctx, t, url, userUpdate("bob", map[string]*string{"name": ptr("Bob"), "city": ptr("paris")}))

	t.Run("get partition", func(t *testing.T) {
		code, body := call(ctx, t, http.MethodGet, url+"/keyspaces/ks/tables/users/partitions/alice", nil)
		require.Equal(t, http.StatusOK, code, string(body))
		p := routes.Partition{}
		require.NoError(t, json.Unmarshal(body, &p))
		require.Equal(t, "alice", p.Key)
		require.Len(t, p.Rows, 1)
		cells := p.Rows[0].Cells
		require.Equal(t, "Alice", *cells["name"].Value)
		require.True(t, cells["email"].Deleted)
		require.Nil(t, cells["email"].Value)
		require.Equal(t, int64(20), cells["email"].Timestamp)
	})

	cases := []struct {
		assertion               string
		path                    string
		expectedResponseCode    int
		expectedResponseMessage string
	}{
		{"missing partition", "/keyspaces/ks/tables/users/partitions/carol", http.StatusNotFound, "partition carol not found"},
		{"missing table", "/keyspaces/ks/tables/nope/partitions/alice", http.StatusNotFound, "table ks.nope not found"},
		{"missing keyspace", "/keyspaces/nope/tables/users/partitions", http.StatusNotFound, "keyspace nope not found"},
		{"lookup without value", "/keyspaces/ks/tables/users/indexes/by_name", http.StatusBadRequest, "missing value"},
		{"lookup missing index", "/keyspaces/ks/tables/users/indexes/by_age?value=3", http.StatusNotFound, "index by_age not found"},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			code, body := call(ctx, t, http.MethodGet, url+c.path, nil)
			require.Equal(t, c.expectedResponseCode, code)
			require.Contains(t, string(body), c.expectedResponseMessage)
		})
	}

	t.Run("scan", func(t *testing.T) {
		code, body := call(ctx, t, http.MethodGet, url+"/keyspaces/ks/tables/users/partitions", nil)
		require.Equal(t, http.StatusOK, code)
		parts := []routes.Partition{}
		require.NoError(t, json.Unmarshal(body, &parts))
		keys := []string{}
		for _, p := range parts {
			keys = append(keys, p.Key)
		}
		require.ElementsMatch(t, []string{"alice", "bob"}, keys)
	})

	t.Run("index lookup", func(t *testing.T) {
		lookup := func(index, value string) []routes.Hit {
			code, body := call(ctx, t, http.MethodGet, url+"/keyspaces/ks/tables/users/indexes/"+index+"?value="+value, nil)
			require.Equal(t, http.StatusOK, code, string(body))
			hits := []routes.Hit{}
			require.NoError(t, json.Unmarshal(body, &hits))
			return hits
		}
		require.Equal(t, []routes.Hit{{Key: "bob"}}, lookup("by_name", "Bob"))
		require.Empty(t, lookup("by_email", "a@x.com"))
	})

	t.Run("view rows", func(t *testing.T) {
		code, body := call(ctx, t, http.MethodGet, url+"/keyspaces/ks/views/users_by_city/partitions/paris", nil)
		require.Equal(t, http.StatusOK, code, string(body))
		rows := []routes.ViewRow{}
		require.NoError(t, json.Unmarshal(body, &rows))
		names := map[string]string{}
		for _, row := range rows {
			names[row.BaseKey] = row.Columns["name"]
		}
		require.Equal(t, map[string]string{"alice": "Alice", "bob": "Bob"}, names)
	})
}

func TestTableHandlers(t *testing.T) {
	ctx := context.Background()
	url, _ := testServer(ctx, t, "")
	cases := []struct {
		assertion            string
		method               string
		path                 string
		body                 any
		expectedResponseCode int
	}{
		{"create table", http.MethodPost, "/keyspaces/ks/tables", map[string]any{"name": "orders"}, http.StatusCreated},
		{"create existing table", http.MethodPost, "/keyspaces/ks/tables", map[string]any{"name": "orders"}, http.StatusConflict},
		{"create invalid name", http.MethodPost, "/keyspaces/ks/tables", map[string]any{"name": "1orders"}, http.StatusBadRequest},
		{"create in missing keyspace", http.MethodPost, "/keyspaces/nope/tables", map[string]any{"name": "x"}, http.StatusNotFound},
		{"drop table", http.MethodDelete, "/keyspaces/ks/tables/orders", nil, http.StatusOK},
		{"drop missing table", http.MethodDelete, "/keyspaces/ks/tables/orders", nil, http.StatusNotFound},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			code, body := call(ctx, t, c.method, url+c.path, c.body)
			require.Equal(t, c.expectedResponseCode, code, string(body))
		})
	}

	t.Run("list tables", func(t *testing.T) {
		code, body := call(ctx, t, http.MethodGet, url+"/keyspaces/ks/tables", nil)
		require.Equal(t, http.StatusOK, code)
		tables := []routes.TableStats{}
		require.NoError(t, json.Unmarshal(body, &tables))
		names := []string{}
		for _, table := range tables {
			names = append(names, table.Name)
			if table.Name == "users" {
				require.Equal(t, []string{"users", "users.by_email", "users_by_city"}, table.FlushGroup)
			}
		}
		require.Equal(t, []string{"events", "users", "users.by_email", "users_by_city"}, names)
	})
}

func TestKeyspaceHandlers(t *testing.T) {
	ctx := context.Background()
	url, reg := testServer(ctx, t, "")
	code, body := call(ctx, t, http.MethodPost, url+"/keyspaces", map[string]any{
		"name":          "metrics",
		"durableWrites": false,
		"tables":        []map[string]any{{"name": "samples"}},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	k, err := reg.Get("metrics")
	require.NoError(t, err)
	require.False(t, k.Definition().DurableWrites)

	code, _ = call(ctx, t, http.MethodPost, url+"/keyspaces", map[string]any{"name": "bad name"})
	require.Equal(t, http.StatusBadRequest, code)

	code, body = call(ctx, t, http.MethodGet, url+"/keyspaces", nil)
	require.Equal(t, http.StatusOK, code)
	defs := []map[string]any{}
	require.NoError(t, json.Unmarshal(body, &defs))
	require.Len(t, defs, 2)
	require.Equal(t, "ks", defs[0]["name"])
	require.Equal(t, "metrics", defs[1]["name"])
}

func TestFlushAndTruncateHandlers(t *testing.T) {
	ctx := context.Background()
	url, reg := testServer(ctx, t, "")
	apply(ctx, t, url, userUpdate("alice", map[string]*string{"name": ptr("Alice"), "email": ptr("a@x.com")}))

	cases := []struct {
		assertion            string
		body                 any
		expectedResponseCode int
		expectedTables       []string
	}{
		{"empty body flushes everything", nil, http.StatusOK, []string{"events", "users", "users.by_email", "users_by_city"}},
		{"pattern", routes.FlushRequest{Tables: "users*"}, http.StatusOK, []string{"users", "users.by_email", "users_by_city"}},
		{"no match", routes.FlushRequest{Tables: "orders"}, http.StatusOK, []string{}},
		{"invalid pattern", routes.FlushRequest{Tables: "["}, http.StatusBadRequest, nil},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			code, body := call(ctx, t, http.MethodPost, url+"/keyspaces/ks/flush", c.body)
			require.Equal(t, c.expectedResponseCode, code, string(body))
			if c.expectedTables == nil {
				return
			}
			resp := routes.FlushResponse{}
			require.NoError(t, json.Unmarshal(body, &resp))
			require.Equal(t, c.expectedTables, resp.Tables)
		})
	}

	k, err := reg.Get("ks")
	require.NoError(t, err)
	users, err := k.Store("users")
	require.NoError(t, err)
	require.NotEmpty(t, users.View().Segments)
	require.Zero(t, k.PendingFlushBytes())

	truncations := []struct {
		assertion            string
		body                 any
		expectedResponseCode int
	}{
		{"missing table", routes.TruncateRequest{}, http.StatusBadRequest},
		{"unknown table", routes.TruncateRequest{Table: "nope"}, http.StatusNotFound},
		{"truncate users", routes.TruncateRequest{Table: "users"}, http.StatusOK},
	}
	for _, c := range truncations {
		t.Run(c.assertion, func(t *testing.T) {
			code, body := call(ctx, t, http.MethodPost, url+"/keyspaces/ks/truncate", c.body)
			require.Equal(t, c.expectedResponseCode, code, string(body))
		})
	}
	code, _ := call(ctx, t, http.MethodGet, url+"/keyspaces/ks/tables/users/partitions/alice", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestStatsHandler(t *testing.T) {
	ctx := context.Background()
	url, _ := testServer(ctx, t, "")
	apply(ctx, t, url, userUpdate("alice", map[string]*string{"name": ptr("Alice")}))
	code, body := call(ctx, t, http.MethodGet, url+"/stats", nil)
	require.Equal(t, http.StatusOK, code)
	stats := routes.StatsResponse{}
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Len(t, stats.Keyspaces, 1)
	require.True(t, stats.Keyspaces[0].Durable)
	require.Len(t, stats.Keyspaces[0].Tables, 4)
	var live int64
	for _, table := range stats.Keyspaces[0].Tables {
		live += table.LiveBytes
	}
	require.Positive(t, live)
}

func TestSharedKeyAuth(t *testing.T) {
	ctx := context.Background()
	url, _ := testServer(ctx, t, "secret")
	code, _ := call(ctx, t, http.MethodGet, url+"/stats", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/stats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
