package catalog_test

import (
	"context"
	"database/sql"
	"path"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/segment"
)

func TestCatalogs(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", path.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer db.Close()

	cases := []struct {
		assertion string
		f         func(*testing.T) catalog.Catalog
	}{
		{
			"mem",
			func(t *testing.T) catalog.Catalog {
				t.Helper()
				return catalog.NewMemCatalog()
			},
		},
		{
			"sql",
			func(t *testing.T) catalog.Catalog {
				t.Helper()
				c, err := catalog.NewSQLCatalog(ctx, db, 3)
				require.NoError(t, err)
				return c
			},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			cat := c.f(t)
			table := uuid.New()

			t.Run("generations increase", func(t *testing.T) {
				last := uint64(0)
				for i := 0; i < 10; i++ {
					gen, err := cat.NextGeneration(ctx)
					require.NoError(t, err)
					require.Greater(t, gen, last)
					last = gen
				}
			})

			t.Run("segments", func(t *testing.T) {
				for _, gen := range []uint64{7, 3, 5} {
					require.NoError(t, cat.PutSegment(ctx, segment.Meta{
						Table:      table,
						Generation: gen,
						Object:     "obj",
						CreatedAt:  time.Unix(100, 0),
					}))
				}
				metas, err := cat.Segments(ctx, table)
				require.NoError(t, err)
				require.Len(t, metas, 3)
				require.Equal(t, uint64(3), metas[0].Generation)
				require.Equal(t, uint64(7), metas[2].Generation)

				require.NoError(t, cat.RemoveSegment(ctx, table, 5))
				err = cat.RemoveSegment(ctx, table, 5)
				require.ErrorIs(t, err, catalog.SegmentNotFoundError{})

				metas, err = cat.Segments(ctx, uuid.New())
				require.NoError(t, err)
				require.Empty(t, metas)
			})

			t.Run("truncation records", func(t *testing.T) {
				_, err := cat.Truncation(ctx, table)
				require.ErrorIs(t, err, catalog.ErrTruncationNotFound)

				rec := catalog.TruncationRecord{
					Table:       table,
					TruncatedAt: time.Unix(0, 12345),
					ReplayAfter: commitlog.Position{Segment: 4, Offset: 99},
				}
				require.NoError(t, cat.SaveTruncation(ctx, rec))
				rec.ReplayAfter.Offset = 200
				require.NoError(t, cat.SaveTruncation(ctx, rec))

				got, err := cat.Truncation(ctx, table)
				require.NoError(t, err)
				require.Equal(t, rec.ReplayAfter, got.ReplayAfter)
				require.True(t, rec.TruncatedAt.Equal(got.TruncatedAt))

				all, err := cat.Truncations(ctx)
				require.NoError(t, err)
				require.Contains(t, all, table)
			})

			t.Run("remove table", func(t *testing.T) {
				require.NoError(t, cat.RemoveTable(ctx, table))
				metas, err := cat.Segments(ctx, table)
				require.NoError(t, err)
				require.Empty(t, metas)
				_, err = cat.Truncation(ctx, table)
				require.ErrorIs(t, err, catalog.ErrTruncationNotFound)
			})
		})
	}
}
