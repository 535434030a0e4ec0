package commitlog_test

import (
	"context"
	"os"
	"path"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/commitlog"
)

var (
	tableA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	tableB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAppendPositionsIncrease(t *testing.T) {
	ctx := context.Background()
	m, err := commitlog.NewManager(ctx, t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	before := m.Context()
	p1, err := m.Append(ctx, []uuid.UUID{tableA}, []byte("one"))
	require.NoError(t, err)
	p2, err := m.Append(ctx, []uuid.UUID{tableA, tableB}, []byte("two"))
	require.NoError(t, err)

	require.True(t, before.Less(p1))
	require.True(t, p1.Less(p2))
	require.Equal(t, p2, m.Context())
}

func TestReplayAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := commitlog.NewManager(ctx, dir, commitlog.WithTargetFileSize(64))
	require.NoError(t, err)
	positions := []commitlog.Position{}
	for _, payload := range []string{"alpha", "beta", "gamma", "delta"} {
		pos, err := m.Append(ctx, []uuid.UUID{tableA, tableB}, []byte(payload+payload+payload))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, m.Close())

	reopened, err := commitlog.NewManager(ctx, dir)
	require.NoError(t, err)
	defer reopened.Close()

	entries := []commitlog.Entry{}
	require.NoError(t, reopened.Replay(ctx, func(e commitlog.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 4)
	for i, e := range entries {
		require.Equal(t, positions[i], e.Position)
		require.Equal(t, []uuid.UUID{tableA, tableB}, e.Tables)
	}
	require.Equal(t, "gammagammagamma", string(entries[2].Data))

	require.True(t, positions[3].Less(reopened.Context()), "new writes follow replayed segments")
	require.NoError(t, reopened.DiscardReplayed(ctx))
	require.Len(t, segmentFiles(t, dir), 1)
}

func TestReplayTruncatesTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := commitlog.NewManager(ctx, dir)
	require.NoError(t, err)
	_, err = m.Append(ctx, []uuid.UUID{tableA}, []byte("complete"))
	require.NoError(t, err)
	pos, err := m.Append(ctx, []uuid.UUID{tableA}, []byte("torn record"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	name := path.Join(dir, "1")
	info, err := os.Stat(name)
	require.NoError(t, err)
	require.Equal(t, int64(pos.Offset), info.Size())
	require.NoError(t, os.Truncate(name, info.Size()-3))

	reopened, err := commitlog.NewManager(ctx, dir)
	require.NoError(t, err)
	defer reopened.Close()
	count := 0
	require.NoError(t, reopened.Replay(ctx, func(e commitlog.Entry) error {
		count++
		require.Equal(t, "complete", string(e.Data))
		return nil
	}))
	require.Equal(t, 1, count)
}

func TestDiscardCompleted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m, err := commitlog.NewManager(ctx, dir, commitlog.WithTargetFileSize(32))
	require.NoError(t, err)
	defer m.Close()

	posA, err := m.Append(ctx, []uuid.UUID{tableA}, []byte("aaaaaaaaaaaaaaaaaaaaaaaa"))
	require.NoError(t, err)
	posB, err := m.Append(ctx, []uuid.UUID{tableA, tableB}, []byte("bbbbbbbbbbbbbbbbbbbbbbbb"))
	require.NoError(t, err)
	require.Less(t, posA.Segment, posB.Segment)
	require.Len(t, m.ActiveSegments(), 3)

	cases := []struct {
		assertion string
		table     uuid.UUID
		pos       commitlog.Position
		segments  int
	}{
		{"discarding A up to its first write frees the first segment", tableA, posA, 2},
		{"discarding A past B's record leaves the segment dirty for B", tableA, posB, 2},
		{"discarding B frees the second segment", tableB, posB, 1},
		{"active segment is never removed", tableB, m.Context(), 1},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			require.NoError(t, m.DiscardCompleted(ctx, c.table, c.pos))
			require.Len(t, m.ActiveSegments(), c.segments)
			require.Len(t, segmentFiles(t, dir), c.segments)
		})
	}
	require.Empty(t, m.DirtyTables())
}
