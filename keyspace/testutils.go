package keyspace

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/metrics"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/storage"
)

// TestDeps are the durable resources behind a test registry. Reopening a
// registry over the same deps simulates a process restart.
type TestDeps struct {
	Dir      string
	Catalog  catalog.Catalog
	Provider storage.Provider
}

// NewTestDeps returns deps backed by a temporary commit log directory, an
// in-memory catalog, and in-memory storage.
func NewTestDeps(tb testing.TB) TestDeps {
	tb.Helper()
	return TestDeps{
		Dir:      tb.TempDir(),
		Catalog:  catalog.NewMemCatalog(),
		Provider: storage.NewMemStore(),
	}
}

// TestRegistry opens a registry over deps. It is closed, and its commit log
// with it, when the test ends or when the returned function is called.
func TestRegistry(
	ctx context.Context,
	tb testing.TB,
	deps TestDeps,
	opts ...Option,
) (*Registry, *commitlog.Manager, func()) {
	tb.Helper()
	cl, err := commitlog.NewManager(ctx, deps.Dir)
	require.NoError(tb, err)
	r := NewRegistry(ctx, cl, deps.Catalog, deps.Provider, opts...)
	closed := &atomic.Bool{}
	closer := func() {
		if closed.Swap(true) {
			return
		}
		require.NoError(tb, r.Close(context.Background()))
		require.NoError(tb, cl.Close())
	}
	tb.Cleanup(closer)
	return r, cl, closer
}

// TestSchema returns a keyspace with a table carrying a backed index, an
// in-memory index and a view, and a plain table.
func TestSchema(name string, durable bool) schema.Keyspace {
	return schema.Keyspace{
		Name:          name,
		DurableWrites: durable,
		Tables: []schema.Table{
			{
				Name: "users",
				Indexes: []schema.Index{
					{Name: "by_email", Column: "email", Backed: true},
					{Name: "by_name", Column: "name"},
				},
				Views: []schema.View{
					{Name: "users_by_city", Key: "city", Columns: []string{"name"}},
				},
			},
			{Name: "events"},
		},
	}
}

// TestUpdate builds an update setting columns of a partition's default row.
// Columns are given as alternating names and values.
func TestUpdate(k *Keyspace, tableName, key string, ts int64, columns ...string) *mutation.PartitionUpdate {
	s, err := k.Store(tableName)
	if err != nil {
		panic(err)
	}
	u := mutation.NewPartitionUpdate(s.ID(), mutation.StringKey(key))
	for i := 0; i+1 < len(columns); i += 2 {
		u.Set("", columns[i], []byte(columns[i+1]), ts)
	}
	return u
}

// TestMutation builds a mutation from updates sharing a key.
func TestMutation(tb testing.TB, k *Keyspace, updates ...*mutation.PartitionUpdate) *mutation.Mutation {
	tb.Helper()
	m := mutation.New(k.Name(), updates[0].Key)
	for _, u := range updates {
		require.NoError(tb, m.Add(u))
	}
	return m
}

// CountingSink counts the anomalies reported to it.
type CountingSink struct {
	metrics.Noop
	LockTimeouts atomic.Int64
	SchemaRaces  atomic.Int64
}

// LockTimeout counts a view lock timeout.
func (c *CountingSink) LockTimeout(string) {
	c.LockTimeouts.Add(1)
}

// SchemaRace counts an update for an unknown table.
func (c *CountingSink) SchemaRace(string) {
	c.SchemaRaces.Add(1)
}
