package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
)

// Writer is the table store holding a table-backed index's entries.
type Writer interface {
	ID() uuid.UUID
	Apply(
		ctx context.Context,
		update *mutation.PartitionUpdate,
		updater Updater,
		g *opord.Group,
		pos commitlog.Position,
	) error
	Get(ctx context.Context, key mutation.DecoratedKey) (*mutation.PartitionUpdate, bool, error)
	Truncate(ctx context.Context) error
}

const (
	entryKeyColumn        = "key"
	entryClusteringColumn = "clustering"
)

// TableIndex is an index whose entries live in an index table. Each indexed
// value is a partition of the index table with one row per base row.
type TableIndex struct {
	name   string
	column string
	writer Writer
}

// NewTableIndex returns an index on column backed by writer.
func NewTableIndex(name, column string, writer Writer) *TableIndex {
	return &TableIndex{name: name, column: column, writer: writer}
}

func (t *TableIndex) Name() string   { return t.name }
func (t *TableIndex) Column() string { return t.column }
func (t *TableIndex) Backed() bool   { return true }

// Writer returns the index table.
func (t *TableIndex) Writer() Writer {
	return t.writer
}

func (t *TableIndex) Commit(ctx context.Context, changes []Change, g *opord.Group, pos commitlog.Position) error {
	updates := map[string]*mutation.PartitionUpdate{}
	order := []string{}
	for _, e := range entryChanges(t.column, changes) {
		u, ok := updates[string(e.value)]
		if !ok {
			u = mutation.NewPartitionUpdate(t.writer.ID(), mutation.NewDecoratedKey(e.value))
			updates[string(e.value)] = u
			order = append(order, string(e.value))
		}
		id := entryID(e.key, e.clustering)
		if e.remove {
			u.Delete(id, entryKeyColumn, e.timestamp).Delete(id, entryClusteringColumn, e.timestamp)
			continue
		}
		u.Set(id, entryKeyColumn, e.key.Key, e.timestamp).
			Set(id, entryClusteringColumn, []byte(e.clustering), e.timestamp)
	}
	for _, value := range order {
		if err := t.writer.Apply(ctx, updates[value], Null, g, pos); err != nil {
			return fmt.Errorf("failed to write index %s: %w", t.name, err)
		}
	}
	return nil
}

func (t *TableIndex) Lookup(ctx context.Context, value []byte) ([]Hit, error) {
	p, ok, err := t.writer.Get(ctx, mutation.NewDecoratedKey(value))
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", t.name, err)
	}
	if !ok {
		return nil, nil
	}
	hits := []Hit{}
	for _, row := range p.SortedRows() {
		key, ok := row.Cells[entryKeyColumn]
		if !ok || key.Deleted {
			continue
		}
		hits = append(hits, Hit{
			Key:        mutation.NewDecoratedKey(key.Value),
			Clustering: string(row.Cells[entryClusteringColumn].Value),
		})
	}
	return hits, nil
}

// Flush is a no-op: the index table flushes with its base table.
func (t *TableIndex) Flush(context.Context) error {
	return nil
}

func (t *TableIndex) Truncate(ctx context.Context) error {
	return t.writer.Truncate(ctx)
}
