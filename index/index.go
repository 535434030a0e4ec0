package index

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
)

/*
Package index maintains secondary indexes on single columns of a base table.
An index maps a column value to the base rows holding it. Table-backed indexes
write their entries into a dedicated index table that flushes together with
the base table. Unbacked indexes keep their entries in memory and are flushed
to a storage provider after each base table flush.

Index changes are collected while a write is merged into the base memtable and
committed under the same operation group and commit log position, so an index
entry is never on the other side of a flush barrier from the row it points to.
*/

////////////////////////////////////////////////////////////////////////////////

// Hit identifies a base row found through an index.
type Hit struct {
	Key        mutation.DecoratedKey
	Clustering string
}

// Index is a secondary index on one column.
type Index interface {
	Name() string
	Column() string
	// Backed reports whether the index stores its entries in its own table.
	Backed() bool
	Commit(ctx context.Context, changes []Change, g *opord.Group, pos commitlog.Position) error
	Lookup(ctx context.Context, value []byte) ([]Hit, error)
	Flush(ctx context.Context) error
	Truncate(ctx context.Context) error
}

// Manager holds the indexes of one base table.
type Manager struct {
	mtx     *sync.RWMutex
	indexes []Index
}

// NewManager returns a manager holding the given indexes.
func NewManager(indexes ...Index) *Manager {
	return &Manager{mtx: &sync.RWMutex{}, indexes: indexes}
}

// Add registers an index. Names must be unique per table.
func (m *Manager) Add(idx Index) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, existing := range m.indexes {
		if existing.Name() == idx.Name() {
			return fmt.Errorf("index %s already exists", idx.Name())
		}
	}
	m.indexes = append(m.indexes, idx)
	return nil
}

// Remove unregisters an index by name.
func (m *Manager) Remove(name string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	i := slices.IndexFunc(m.indexes, func(idx Index) bool { return idx.Name() == name })
	if i < 0 {
		return false
	}
	m.indexes = slices.Delete(m.indexes, i, i+1)
	return true
}

// Get returns an index by name.
func (m *Manager) Get(name string) (Index, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for _, idx := range m.indexes {
		if idx.Name() == name {
			return idx, true
		}
	}
	return nil, false
}

// Indexes returns the registered indexes.
func (m *Manager) Indexes() []Index {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return slices.Clone(m.indexes)
}

// Updater returns an updater for one write made under g at pos. It returns
// Null when the table has no indexes.
func (m *Manager) Updater(g *opord.Group, pos commitlog.Position) Updater {
	if m == nil {
		return Null
	}
	indexes := m.Indexes()
	if len(indexes) == 0 {
		return Null
	}
	return &collector{indexes: indexes, group: g, pos: pos}
}

// FlushUnbacked flushes the indexes that are not backed by a table.
func (m *Manager) FlushUnbacked(ctx context.Context) error {
	if m == nil {
		return nil
	}
	for _, idx := range m.Indexes() {
		if idx.Backed() {
			continue
		}
		if err := idx.Flush(ctx); err != nil {
			return fmt.Errorf("failed to flush index %s: %w", idx.Name(), err)
		}
	}
	return nil
}

// Truncate truncates every index.
func (m *Manager) Truncate(ctx context.Context) error {
	if m == nil {
		return nil
	}
	for _, idx := range m.Indexes() {
		if err := idx.Truncate(ctx); err != nil {
			return fmt.Errorf("failed to truncate index %s: %w", idx.Name(), err)
		}
	}
	return nil
}

type entryChange struct {
	value      []byte
	timestamp  int64
	key        mutation.DecoratedKey
	clustering string
	remove     bool
}

func liveValue(row *mutation.Row, column string) (mutation.Cell, bool) {
	if row == nil {
		return mutation.Cell{}, false
	}
	cell, ok := row.Cells[column]
	if !ok || cell.Deleted {
		return mutation.Cell{}, false
	}
	return cell, true
}

// entryChanges converts base row transitions into index entry removals and
// additions for column.
func entryChanges(column string, changes []Change) []entryChange {
	out := []entryChange{}
	for _, c := range changes {
		next, hasNext := liveValue(c.Next, column)
		prev, hasPrev := liveValue(c.Prev, column)
		if hasPrev && hasNext && bytes.Equal(prev.Value, next.Value) {
			continue
		}
		if hasPrev {
			ts := prev.Timestamp
			if cell, ok := c.Next.Cells[column]; ok {
				ts = cell.Timestamp
			}
			out = append(out, entryChange{
				value:      prev.Value,
				timestamp:  ts,
				key:        c.Key,
				clustering: c.Next.Clustering,
				remove:     true,
			})
		}
		if hasNext {
			out = append(out, entryChange{
				value:      next.Value,
				timestamp:  next.Timestamp,
				key:        c.Key,
				clustering: c.Next.Clustering,
			})
		}
	}
	return out
}

func entryID(key mutation.DecoratedKey, clustering string) string {
	return fmt.Sprintf("%x:%s", key.Key, clustering)
}
