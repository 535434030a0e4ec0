package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/cstore/storage"
	"github.com/wkalt/cstore/storage/minioutil"
)

func TestStorageProviders(t *testing.T) {
	ctx := context.Background()

	mc, bucket, clear := minioutil.NewServer(t)
	defer clear()

	cases := []struct {
		assertion string
		store     storage.Provider
	}{
		{
			"s3 store",
			storage.NewS3Store(mc, bucket, "segments/"),
		},
		{
			"memory store",
			storage.NewMemStore(),
		},
		{
			"directory store",
			storage.NewDirectoryStore(t.TempDir()),
		},
	}

	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			t.Run("put and get", func(t *testing.T) {
				require.NoError(t, c.store.Put(ctx, "ks/table/1", []byte("hello")))
				data, err := c.store.Get(ctx, "ks/table/1")
				require.NoError(t, err)
				require.Equal(t, []byte("hello"), data)
			})
			t.Run("overwrite", func(t *testing.T) {
				require.NoError(t, c.store.Put(ctx, "ks/table/2", []byte("hello")))
				require.NoError(t, c.store.Put(ctx, "ks/table/2", []byte("goodbye")))
				data, err := c.store.Get(ctx, "ks/table/2")
				require.NoError(t, err)
				require.Equal(t, []byte("goodbye"), data)
			})
			t.Run("delete", func(t *testing.T) {
				require.NoError(t, c.store.Put(ctx, "ks/table/3", []byte("hello")))
				require.NoError(t, c.store.Delete(ctx, "ks/table/3"))
				_, err := c.store.Get(ctx, "ks/table/3")
				require.ErrorIs(t, err, storage.ErrObjectNotFound)
			})
			t.Run("get object that does not exist returns error", func(t *testing.T) {
				_, err := c.store.Get(ctx, "ks/table/4")
				require.ErrorIs(t, err, storage.ErrObjectNotFound)
			})
			t.Run("deleting object that does not exist returns no error", func(t *testing.T) {
				require.NoError(t, c.store.Delete(ctx, "ks/table/100"))
			})
		})
	}
}
