package mview

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
)

/*
Package mview maintains materialized views. A view re-partitions a base table
by the value of one of its columns and carries copies of selected columns.
Each base row maps to at most one view row, found under the partition named by
the row's current view key value.

Updating a view needs the base row as it was before the write, so writes to a
base table with views hold a per-key lock across the read of the base row and
the write of both base and view. The lock is striped by partition token and
acquired with a bounded wait.
*/

////////////////////////////////////////////////////////////////////////////////

// Base is the table a view is derived from.
type Base interface {
	ID() uuid.UUID
	Get(ctx context.Context, key mutation.DecoratedKey) (*mutation.PartitionUpdate, bool, error)
}

// Target is the table holding a view's rows.
type Target interface {
	ID() uuid.UUID
	Apply(
		ctx context.Context,
		update *mutation.PartitionUpdate,
		updater index.Updater,
		g *opord.Group,
		pos commitlog.Position,
	) error
	Truncate(ctx context.Context) error
}

// View is a materialized view definition bound to its tables.
type View struct {
	Name    string
	Key     string
	Columns []string
	Base    Base
	Target  Target
}

const baseKeyColumn = "base_key"

// Manager holds the views of a keyspace.
type Manager struct {
	locks *stripedLocks
	mtx   *sync.RWMutex
	views map[uuid.UUID][]*View
}

// NewManager returns a manager with the given number of lock stripes.
func NewManager(stripes int) *Manager {
	if stripes < 1 {
		stripes = 1
	}
	return &Manager{
		locks: newStripedLocks(stripes),
		mtx:   &sync.RWMutex{},
		views: map[uuid.UUID][]*View{},
	}
}

// Add registers a view.
func (m *Manager) Add(v *View) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	base := v.Base.ID()
	m.views[base] = append(m.views[base], v)
}

// Remove unregisters every view on base or targeting the table, returning
// the removed views.
func (m *Manager) Remove(table uuid.UUID) []*View {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	removed := m.views[table]
	delete(m.views, table)
	for base, views := range m.views {
		m.views[base] = slices.DeleteFunc(views, func(v *View) bool {
			if v.Target.ID() == table {
				removed = append(removed, v)
				return true
			}
			return false
		})
		if len(m.views[base]) == 0 {
			delete(m.views, base)
		}
	}
	return removed
}

// Views returns the views of a base table.
func (m *Manager) Views(base uuid.UUID) []*View {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return slices.Clone(m.views[base])
}

// Has reports whether a base table has views.
func (m *Manager) Has(base uuid.UUID) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.views[base]) > 0
}

// Affects reports whether applying the mutation requires a view update.
func (m *Manager) Affects(mut *mutation.Mutation) bool {
	for _, id := range mut.TableIDs() {
		if m.Has(id) {
			return true
		}
	}
	return false
}

// TryLock acquires the view lock for key without waiting.
func (m *Manager) TryLock(key mutation.DecoratedKey) (func(), bool) {
	return m.locks.tryLock(key)
}

// Lock acquires the view lock for key, waiting at most timeout.
func (m *Manager) Lock(ctx context.Context, key mutation.DecoratedKey, timeout time.Duration) (func(), bool) {
	return m.locks.lock(ctx, key, timeout)
}

// PushUpdates writes the view changes caused by applying update to its base
// table. It must be called with the key's view lock held and before the
// update is applied to the base table.
func (m *Manager) PushUpdates(
	ctx context.Context,
	update *mutation.PartitionUpdate,
	g *opord.Group,
	pos commitlog.Position,
) error {
	for _, v := range m.Views(update.Table) {
		if err := v.push(ctx, update, g, pos); err != nil {
			return fmt.Errorf("failed to update view %s: %w", v.Name, err)
		}
	}
	return nil
}

// Truncate truncates every view of base.
func (m *Manager) Truncate(ctx context.Context, base uuid.UUID) error {
	for _, v := range m.Views(base) {
		if err := v.Target.Truncate(ctx); err != nil {
			return fmt.Errorf("failed to truncate view %s: %w", v.Name, err)
		}
	}
	return nil
}

func liveCell(row *mutation.Row, column string) (mutation.Cell, bool) {
	if row == nil {
		return mutation.Cell{}, false
	}
	cell, ok := row.Cells[column]
	if !ok || cell.Deleted {
		return mutation.Cell{}, false
	}
	return cell, true
}

func rowID(key mutation.DecoratedKey, clustering string) string {
	return fmt.Sprintf("%x:%s", key.Key, clustering)
}

// push reads the base partition and writes, for each updated row, a
// tombstone for the view row under its old key value if that value changes
// and the full view row under its new one.
func (v *View) push(ctx context.Context, update *mutation.PartitionUpdate, g *opord.Group, pos commitlog.Position) error {
	existing, ok, err := v.Base.Get(ctx, update.Key)
	if err != nil {
		return fmt.Errorf("failed to read base row: %w", err)
	}
	updates := map[string]*mutation.PartitionUpdate{}
	order := []string{}
	target := func(value []byte) *mutation.PartitionUpdate {
		u, ok := updates[string(value)]
		if !ok {
			u = mutation.NewPartitionUpdate(v.Target.ID(), mutation.NewDecoratedKey(value))
			updates[string(value)] = u
			order = append(order, string(value))
		}
		return u
	}
	columns := append([]string{baseKeyColumn}, v.Columns...)
	for _, row := range update.SortedRows() {
		var before *mutation.Row
		if ok {
			before = existing.Rows[row.Clustering]
		}
		after := mutation.NewRow(row.Clustering)
		if before != nil {
			after = before.Copy()
		}
		after.Merge(row)

		oldKey, hadOld := liveCell(before, v.Key)
		newKey, hasNew := liveCell(after, v.Key)
		if hadOld && hasNew && bytes.Equal(oldKey.Value, newKey.Value) && !touches(row, v.Columns) {
			continue
		}
		id := rowID(update.Key, row.Clustering)
		if hadOld && (!hasNew || !bytes.Equal(oldKey.Value, newKey.Value)) {
			ts := oldKey.Timestamp
			if cell, ok := after.Cells[v.Key]; ok {
				ts = cell.Timestamp
			}
			u := target(oldKey.Value)
			for _, col := range columns {
				u.Delete(id, col, ts)
			}
		}
		if !hasNew {
			continue
		}
		u := target(newKey.Value)
		u.Set(id, baseKeyColumn, update.Key.Key, newKey.Timestamp)
		for _, col := range v.Columns {
			cell, ok := after.Cells[col]
			if !ok {
				continue
			}
			ts := max(cell.Timestamp, newKey.Timestamp)
			if cell.Deleted {
				u.Delete(id, col, ts)
			} else {
				u.Set(id, col, cell.Value, ts)
			}
		}
	}
	for _, value := range order {
		if err := v.Target.Apply(ctx, updates[value], index.Null, g, pos); err != nil {
			return err
		}
	}
	return nil
}

func touches(row *mutation.Row, columns []string) bool {
	for _, col := range columns {
		if _, ok := row.Cells[col]; ok {
			return true
		}
	}
	return false
}

// Row is a view row: the base partition it mirrors and its copied columns.
type Row struct {
	BaseKey []byte
	Columns map[string][]byte
}

// Rows decodes the live rows of a view partition.
func Rows(p *mutation.PartitionUpdate) []Row {
	out := []Row{}
	if p == nil {
		return out
	}
	for _, row := range p.SortedRows() {
		key, ok := liveCell(row, baseKeyColumn)
		if !ok {
			continue
		}
		cols := map[string][]byte{}
		for col, cell := range row.Cells {
			if col == baseKeyColumn || cell.Deleted {
				continue
			}
			cols[col] = cell.Value
		}
		out = append(out, Row{BaseKey: key.Value, Columns: cols})
	}
	return out
}
