package table

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/segment"
	"github.com/wkalt/cstore/storage"
	"github.com/wkalt/cstore/taskq"
)

// ErrInjected is returned by a FlakyProvider that has been set to fail.
var ErrInjected = errors.New("injected failure")

// FlakyProvider is a storage provider whose writes can be made to fail.
type FlakyProvider struct {
	storage.Provider
	fail atomic.Bool
}

// NewFlakyProvider wraps a provider.
func NewFlakyProvider(p storage.Provider) *FlakyProvider {
	return &FlakyProvider{Provider: p}
}

// SetFailing toggles write failures.
func (f *FlakyProvider) SetFailing(fail bool) {
	f.fail.Store(fail)
}

// Put writes an object unless the provider is failing.
func (f *FlakyProvider) Put(ctx context.Context, id string, data []byte) error {
	if f.fail.Load() {
		return ErrInjected
	}
	return f.Provider.Put(ctx, id, data)
}

// TestEnv returns an environment backed by a commit log in a temporary
// directory, an in-memory catalog, and the supplied provider.
func TestEnv(ctx context.Context, tb testing.TB, provider storage.Provider) (Env, *commitlog.Manager, catalog.Catalog) {
	tb.Helper()
	cl, err := commitlog.NewManager(ctx, tb.TempDir())
	require.NoError(tb, err)
	cat := catalog.NewMemCatalog()
	flushes := taskq.New(ctx, 2)
	reclaims := taskq.New(ctx, 1)
	tb.Cleanup(func() {
		require.NoError(tb, flushes.Close(context.Background()))
		require.NoError(tb, reclaims.Close(context.Background()))
		require.NoError(tb, cl.Close())
	})
	return Env{
		WriteOrder:  opord.NewOrder(),
		Log:         cl,
		Segments:    segment.NewStore(provider, cat),
		Truncations: cat,
		Flushes:     flushes,
		Reclaims:    reclaims,
	}, cl, cat
}

// TestWrite applies an update to s the way a keyspace does: under a write
// group, after appending it to the commit log.
func TestWrite(
	ctx context.Context,
	tb testing.TB,
	env Env,
	cl *commitlog.Manager,
	s *Store,
	update *mutation.PartitionUpdate,
) commitlog.Position {
	tb.Helper()
	g := env.WriteOrder.Start()
	defer g.Close()
	pos, err := cl.Append(ctx, []uuid.UUID{s.ID()}, []byte(update.Key.Key))
	require.NoError(tb, err)
	require.NoError(tb, s.Apply(ctx, update, s.Indexes().Updater(g, pos), g, pos))
	return pos
}

// TestValue reads one cell of a partition's default row.
func TestValue(ctx context.Context, tb testing.TB, s *Store, key, column string) string {
	tb.Helper()
	p, ok, err := s.Get(ctx, mutation.StringKey(key))
	require.NoError(tb, err)
	if !ok {
		return ""
	}
	row, ok := p.Row("")
	if !ok {
		return ""
	}
	cell, ok := row.Cells[column]
	if !ok || cell.Deleted {
		return ""
	}
	return string(cell.Value)
}
