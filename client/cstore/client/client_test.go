package client_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/client/cstore/client"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/routes"
	"github.com/wkalt/cstore/schema"
)

func testClient(ctx context.Context, t *testing.T, serverKey, clientKey string) *client.Client {
	t.Helper()
	reg, _, _ := keyspace.TestRegistry(ctx, t, keyspace.NewTestDeps(t))
	_, err := reg.Open(ctx, keyspace.TestSchema("ks", true))
	require.NoError(t, err)
	url, finish := routes.MakeTestRoutes(t, reg, serverKey)
	t.Cleanup(finish)
	return client.New(url, clientKey)
}

func ptr(s string) *string {
	return &s
}

func TestClientReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	c := testClient(ctx, t, "", "")

	require.NoError(t, c.Apply(ctx, "ks", routes.ApplyRequest{
		Key:       "alice",
		Timestamp: 10,
		Updates: []routes.TableUpdate{{
			Table: "users",
			Rows: []routes.RowUpdate{{Set: map[string]*string{
				"email": ptr("alice@example.com"),
				"city":  ptr("paris"),
				"name":  ptr("Alice"),
			}}},
		}},
	}))

	t.Run("get", func(t *testing.T) {
		p, err := c.Get(ctx, "ks", "users", "alice")
		require.NoError(t, err)
		require.Equal(t, "alice", p.Key)
		require.Len(t, p.Rows, 1)
		require.Equal(t, "Alice", *p.Rows[0].Cells["name"].Value)
	})
	t.Run("get missing partition", func(t *testing.T) {
		_, err := c.Get(ctx, "ks", "users", "bob")
		require.ErrorIs(t, err, client.ErrPartitionNotFound)
	})
	t.Run("get from missing table", func(t *testing.T) {
		_, err := c.Get(ctx, "ks", "nope", "bob")
		require.True(t, client.IsNotFound(err))
		require.NotErrorIs(t, err, client.ErrPartitionNotFound)
	})
	t.Run("scan", func(t *testing.T) {
		parts, err := c.Scan(ctx, "ks", "users")
		require.NoError(t, err)
		require.Len(t, parts, 1)
	})
	t.Run("lookup", func(t *testing.T) {
		hits, err := c.Lookup(ctx, "ks", "users", "by_email", "alice@example.com")
		require.NoError(t, err)
		require.Equal(t, []routes.Hit{{Key: "alice"}}, hits)
	})
	t.Run("view", func(t *testing.T) {
		rows, err := c.View(ctx, "ks", "users_by_city", "paris")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, "alice", rows[0].BaseKey)
		require.Equal(t, "Alice", rows[0].Columns["name"])
	})
	t.Run("flush", func(t *testing.T) {
		tables, err := c.Flush(ctx, "ks", "events")
		require.NoError(t, err)
		require.Equal(t, []string{"events"}, tables)
	})
	t.Run("truncate", func(t *testing.T) {
		require.NoError(t, c.Truncate(ctx, "ks", "users"))
		_, err := c.Get(ctx, "ks", "users", "alice")
		require.ErrorIs(t, err, client.ErrPartitionNotFound)
	})
}

func TestClientSchemaChanges(t *testing.T) {
	ctx := context.Background()
	c := testClient(ctx, t, "", "")

	require.NoError(t, c.CreateTable(ctx, "ks", schema.Table{Name: "orders"}))
	err := c.CreateTable(ctx, "ks", schema.Table{Name: "orders"})
	statusErr := &client.StatusError{}
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusConflict, statusErr.Code)

	tables, err := c.Tables(ctx, "ks")
	require.NoError(t, err)
	names := []string{}
	for _, table := range tables {
		names = append(names, table.Name)
	}
	require.Contains(t, names, "orders")

	require.NoError(t, c.DropTable(ctx, "ks", "orders"))
	require.True(t, client.IsNotFound(c.DropTable(ctx, "ks", "orders")))

	require.NoError(t, c.CreateKeyspace(ctx, schema.Keyspace{Name: "other"}))
	keyspaces, err := c.Keyspaces(ctx)
	require.NoError(t, err)
	require.Len(t, keyspaces, 2)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Keyspaces, 2)
}

func TestClientSharedKey(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		assertion string
		clientKey string
		ok        bool
	}{
		{"matching key", "secret", true},
		{"wrong key", "wrong", false},
		{"no key", "", false},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			cl := testClient(ctx, t, "secret", c.clientKey)
			_, err := cl.Keyspaces(ctx)
			if c.ok {
				require.NoError(t, err)
				return
			}
			statusErr := &client.StatusError{}
			require.ErrorAs(t, err, &statusErr)
			require.Equal(t, http.StatusUnauthorized, statusErr.Code)
		})
	}
}
