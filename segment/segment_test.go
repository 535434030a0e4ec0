package segment_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/segment"
	"github.com/wkalt/cstore/storage"
)

var table = uuid.MustParse("00000000-0000-0000-0000-0000000000bb")

func frozenMemtable(t *testing.T, keys ...string) *memtable.Memtable {
	t.Helper()
	o := opord.NewOrder()
	m := memtable.New(table, memtable.FinalBound(commitlog.Position{Segment: 1, Offset: 8}), nil)
	g := o.Start()
	for i, k := range keys {
		u := mutation.NewPartitionUpdate(table, mutation.StringKey(k)).Set("", "v", []byte(k), int64(i))
		m.Put(u, commitlog.Position{Segment: 1, Offset: uint64(100 + i)}, index.Null, g)
	}
	g.Close()
	b := o.NewBarrier()
	m.SetDiscarding(b, memtable.FinalBound(commitlog.Position{Segment: 1, Offset: 500}))
	b.Issue()
	return m
}

func TestPersistAndRead(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemStore()
	cat := catalog.NewMemCatalog()
	store := segment.NewStore(provider, cat)

	seg, err := store.Persist(ctx, frozenMemtable(t, "a", "b", "c"))
	require.NoError(t, err)
	meta := seg.Meta()
	require.Equal(t, 3, meta.Partitions)
	require.Equal(t, commitlog.Position{Segment: 1, Offset: 500}, meta.ReplayAfter)
	require.Equal(t, commitlog.Position{Segment: 1, Offset: 8}, meta.LowerBound)
	require.Equal(t, 1, provider.Len())

	p, ok, err := seg.Get(ctx, mutation.StringKey("b"))
	require.NoError(t, err)
	require.True(t, ok)
	row, _ := p.Row("")
	require.Equal(t, []byte("b"), row.Cells["v"].Value)

	_, ok, err = seg.Get(ctx, mutation.StringKey("z"))
	require.NoError(t, err)
	require.False(t, ok)

	parts, err := seg.Partitions(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 3)

	loaded, err := store.Load(ctx, table)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, meta.Generation, loaded[0].Generation())
}

func TestReleaseDeletesObsoleteSegments(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemStore()
	cat := catalog.NewMemCatalog()
	store := segment.NewStore(provider, cat)

	seg, err := store.Persist(ctx, frozenMemtable(t, "a"))
	require.NoError(t, err)
	require.True(t, seg.Ref())
	require.Equal(t, int64(2), seg.Refs())

	require.NoError(t, seg.Release(ctx))
	require.NoError(t, seg.Release(ctx))
	require.Equal(t, 1, provider.Len(), "released segments that are not obsolete are kept")
	require.False(t, seg.Ref(), "a fully released handle cannot be revived")

	obsolete, err := store.Persist(ctx, frozenMemtable(t, "b"))
	require.NoError(t, err)
	require.True(t, obsolete.Ref())
	obsolete.MarkObsolete()
	require.NoError(t, obsolete.Release(ctx))
	require.Equal(t, 2, provider.Len(), "reader still holds a reference")
	require.NoError(t, obsolete.Release(ctx))
	require.Equal(t, 1, provider.Len())

	metas, err := cat.Segments(ctx, table)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, seg.Generation(), metas[0].Generation)
}
