package index_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/storage"
)

var (
	base      = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	indexData = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

type fakeWriter struct {
	mtx        *sync.Mutex
	partitions map[string]*mutation.PartitionUpdate
	truncated  bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{mtx: &sync.Mutex{}, partitions: map[string]*mutation.PartitionUpdate{}}
}

func (f *fakeWriter) ID() uuid.UUID { return indexData }

func (f *fakeWriter) Apply(
	_ context.Context,
	update *mutation.PartitionUpdate,
	_ index.Updater,
	_ *opord.Group,
	_ commitlog.Position,
) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	existing, ok := f.partitions[string(update.Key.Key)]
	if !ok {
		f.partitions[string(update.Key.Key)] = update.Copy()
		return nil
	}
	return existing.Absorb(update)
}

func (f *fakeWriter) Get(_ context.Context, key mutation.DecoratedKey) (*mutation.PartitionUpdate, bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	p, ok := f.partitions[string(key.Key)]
	return p, ok, nil
}

func (f *fakeWriter) Truncate(context.Context) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.partitions = map[string]*mutation.PartitionUpdate{}
	f.truncated = true
	return nil
}

// write applies an update to a base memtable through the manager's updater,
// the way a table store does.
func write(t *testing.T, mgr *index.Manager, m *memtable.Memtable, u *mutation.PartitionUpdate) {
	t.Helper()
	o := opord.NewOrder()
	g := o.Start()
	defer g.Close()
	updater := mgr.Updater(g, commitlog.Position{Segment: 1, Offset: 1})
	m.Put(u, commitlog.Position{Segment: 1, Offset: 1}, updater, g)
	require.NoError(t, updater.Commit(context.Background()))
}

func setEmail(key, email string, ts int64) *mutation.PartitionUpdate {
	return mutation.NewPartitionUpdate(base, mutation.StringKey(key)).Set("", "email", []byte(email), ts)
}

func keys(hits []index.Hit) []string {
	out := []string{}
	for _, h := range hits {
		out = append(out, string(h.Key.Key))
	}
	return out
}

func TestIndexesFollowValueChanges(t *testing.T) {
	ctx := context.Background()
	memIdx, err := index.NewMemIndex(ctx, "by_email_mem", "email", "indexes/by_email_mem.json", storage.NewMemStore())
	require.NoError(t, err)
	cases := []struct {
		assertion string
		idx       index.Index
	}{
		{"table backed", index.NewTableIndex("by_email", "email", newFakeWriter())},
		{"in memory", memIdx},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			mgr := index.NewManager(c.idx)
			m := memtable.New(base, memtable.FinalBound(commitlog.Position{}), nil)

			write(t, mgr, m, setEmail("alice", "a@x", 1))
			write(t, mgr, m, setEmail("bob", "a@x", 1))
			hits, err := c.idx.Lookup(ctx, []byte("a@x"))
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"alice", "bob"}, keys(hits))

			write(t, mgr, m, setEmail("alice", "b@x", 2))
			hits, err = c.idx.Lookup(ctx, []byte("a@x"))
			require.NoError(t, err)
			require.Equal(t, []string{"bob"}, keys(hits))
			hits, err = c.idx.Lookup(ctx, []byte("b@x"))
			require.NoError(t, err)
			require.Equal(t, []string{"alice"}, keys(hits))

			write(t, mgr, m, setEmail("alice", "c@x", 1))
			hits, err = c.idx.Lookup(ctx, []byte("c@x"))
			require.NoError(t, err)
			require.Empty(t, hits, "stale write does not change the indexed value")

			write(t, mgr, m, mutation.NewPartitionUpdate(base, mutation.StringKey("bob")).Delete("", "email", 3))
			hits, err = c.idx.Lookup(ctx, []byte("a@x"))
			require.NoError(t, err)
			require.Empty(t, hits)

			require.NoError(t, mgr.Truncate(ctx))
			hits, err = c.idx.Lookup(ctx, []byte("b@x"))
			require.NoError(t, err)
			require.Empty(t, hits)
		})
	}
}

func TestMemIndexSnapshot(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemStore()
	idx, err := index.NewMemIndex(ctx, "by_email", "email", "indexes/by_email.json", provider)
	require.NoError(t, err)
	mgr := index.NewManager(idx)
	m := memtable.New(base, memtable.FinalBound(commitlog.Position{}), nil)
	write(t, mgr, m, setEmail("alice", "a@x", 1))

	require.NoError(t, mgr.FlushUnbacked(ctx))
	require.Equal(t, 1, provider.Len())

	reopened, err := index.NewMemIndex(ctx, "by_email", "email", "indexes/by_email.json", provider)
	require.NoError(t, err)
	hits, err := reopened.Lookup(ctx, []byte("a@x"))
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, keys(hits))

	require.NoError(t, reopened.Truncate(ctx))
	require.Equal(t, 0, provider.Len())
}

func TestManager(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, index.Null, index.NewManager().Updater(nil, commitlog.Position{}))

	writer := newFakeWriter()
	mgr := index.NewManager()
	require.NoError(t, mgr.Add(index.NewTableIndex("a", "col", writer)))
	require.Error(t, mgr.Add(index.NewTableIndex("a", "other", writer)))
	idx, ok := mgr.Get("a")
	require.True(t, ok)
	require.True(t, idx.Backed())

	require.NoError(t, mgr.FlushUnbacked(ctx))
	require.NoError(t, mgr.Truncate(ctx))
	require.True(t, writer.truncated)

	require.True(t, mgr.Remove("a"))
	require.False(t, mgr.Remove("a"))
	require.Empty(t, mgr.Indexes())
}
