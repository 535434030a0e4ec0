package keyspace_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/keyspace"
	"github.com/wkalt/cstore/mview"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/table"
)

func TestReplay(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		assertion string
		before    func(t *testing.T, k *keyspace.Keyspace)
		expected  map[string]string
		applied   int
	}{
		{
			"unflushed writes are replayed",
			func(t *testing.T, k *keyspace.Keyspace) {
				write(ctx, t, k, "a", "1")
				write(ctx, t, k, "b", "1")
			},
			map[string]string{"a": "1", "b": "1"},
			2,
		},
		{
			"flushed writes are not replayed",
			func(t *testing.T, k *keyspace.Keyspace) {
				write(ctx, t, k, "a", "1")
				require.NoError(t, k.FlushTable(ctx, "events"))
				write(ctx, t, k, "b", "1")
			},
			map[string]string{"a": "1", "b": "1"},
			1,
		},
		{
			"truncated writes are not replayed",
			func(t *testing.T, k *keyspace.Keyspace) {
				write(ctx, t, k, "a", "1")
				require.NoError(t, k.Truncate(ctx, "events"))
				write(ctx, t, k, "b", "1")
			},
			map[string]string{"a": "", "b": "1"},
			1,
		},
		{
			"later writes win",
			func(t *testing.T, k *keyspace.Keyspace) {
				write(ctx, t, k, "a", "1")
				write(ctx, t, k, "a", "2")
			},
			map[string]string{"a": "2"},
			2,
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			deps := keyspace.NewTestDeps(t)
			r, _, crash := keyspace.TestRegistry(ctx, t, deps)
			k, err := r.Open(ctx, keyspace.TestSchema("ks", true))
			require.NoError(t, err)
			c.before(t, k)
			crash()

			r, cl, _ := keyspace.TestRegistry(ctx, t, deps)
			k, err = r.Open(ctx, keyspace.TestSchema("ks", true))
			require.NoError(t, err)
			stats, err := r.Replay(ctx)
			require.NoError(t, err)
			require.Equal(t, c.applied, stats.Applied)
			events := store(t, k, "events")
			for key, value := range c.expected {
				require.Equal(t, value, table.TestValue(ctx, t, events, key, "kind"), key)
			}
			require.Zero(t, k.PendingFlushBytes())
			require.Empty(t, cl.DirtyTables())
		})
	}
}

func TestReplayRebuildsViews(t *testing.T) {
	ctx := context.Background()
	deps := keyspace.NewTestDeps(t)
	r, _, crash := keyspace.TestRegistry(ctx, t, deps)
	k, err := r.Open(ctx, keyspace.TestSchema("ks", true))
	require.NoError(t, err)
	m := keyspace.TestMutation(t, k, keyspace.TestUpdate(k, "users", "alice", 1, "city", "paris", "name", "Alice"))
	require.NoError(t, k.Apply(ctx, m, true, true))
	crash()

	r, _, _ = keyspace.TestRegistry(ctx, t, deps)
	k, err = r.Open(ctx, keyspace.TestSchema("ks", true))
	require.NoError(t, err)
	_, err = r.Replay(ctx)
	require.NoError(t, err)
	p, ok, err := store(t, k, "users_by_city").Get(ctx, mutation.StringKey("paris"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, mview.Rows(p), 1)
}

func TestReplaySkipsUnknownKeyspaces(t *testing.T) {
	ctx := context.Background()
	deps := keyspace.NewTestDeps(t)
	r, _, crash := keyspace.TestRegistry(ctx, t, deps)
	k, err := r.Open(ctx, keyspace.TestSchema("gone", true))
	require.NoError(t, err)
	write(ctx, t, k, "a", "1")
	crash()

	r, _, _ = keyspace.TestRegistry(ctx, t, deps)
	stats, err := r.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, keyspace.ReplayStats{Records: 1, Skipped: 1}, stats)
}

func write(ctx context.Context, t *testing.T, k *keyspace.Keyspace, key, value string) {
	t.Helper()
	m := keyspace.TestMutation(t, k, keyspace.TestUpdate(k, "events", key, time.Now().UnixNano(), "kind", value))
	require.NoError(t, k.Apply(ctx, m, true, true))
}
