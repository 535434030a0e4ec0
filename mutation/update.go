package mutation

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

/*
A PartitionUpdate is the set of changes to one partition of one table. It
holds rows keyed by clustering string, each a set of named cells. Cells
reconcile by timestamp: the later write wins, a tombstone beats a live cell at
the same timestamp, and remaining ties go to the greater value. Reconciliation
is commutative and associative, so merging updates in any order gives the same
result.
*/

////////////////////////////////////////////////////////////////////////////////

// Cell is a single timestamped column value.
type Cell struct {
	Value     []byte `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Supersedes reports whether c strictly wins reconciliation against other.
func (c Cell) Supersedes(other Cell) bool {
	switch {
	case c.Timestamp != other.Timestamp:
		return c.Timestamp > other.Timestamp
	case c.Deleted != other.Deleted:
		return c.Deleted
	default:
		return bytes.Compare(c.Value, other.Value) > 0
	}
}

// Reconcile returns the winning cell of c and other.
func (c Cell) Reconcile(other Cell) Cell {
	if other.Supersedes(c) {
		return other
	}
	return c
}

func (c Cell) size() int {
	return len(c.Value) + 8 + 1
}

// Row is a clustering key and its cells.
type Row struct {
	Clustering string          `json:"clustering"`
	Cells      map[string]Cell `json:"cells"`
}

// NewRow constructs an empty row.
func NewRow(clustering string) *Row {
	return &Row{Clustering: clustering, Cells: map[string]Cell{}}
}

// Columns returns the row's column names in sorted order.
func (r *Row) Columns() []string {
	cols := maps.Keys(r.Cells)
	slices.Sort(cols)
	return cols
}

// Copy returns a deep copy of the row.
func (r *Row) Copy() *Row {
	out := NewRow(r.Clustering)
	for k, v := range r.Cells {
		out.Cells[k] = v
	}
	return out
}

// Merge reconciles other into r, returning the number of cells whose winner
// changed and the smallest timestamp delta between a replaced cell and its
// replacement. The delta is -1 if no existing cell was superseded.
func (r *Row) Merge(other *Row) (changed int, minDelta int64) {
	minDelta = -1
	for col, cell := range other.Cells {
		existing, ok := r.Cells[col]
		if !ok {
			r.Cells[col] = cell
			changed++
			continue
		}
		if cell.Supersedes(existing) {
			r.Cells[col] = cell
			changed++
			delta := cell.Timestamp - existing.Timestamp
			if minDelta < 0 || delta < minDelta {
				minDelta = delta
			}
		}
	}
	return changed, minDelta
}

func (r *Row) size() int {
	n := len(r.Clustering)
	for col, cell := range r.Cells {
		n += len(col) + cell.size()
	}
	return n
}

// PartitionUpdate is a set of row changes to one partition of one table.
type PartitionUpdate struct {
	Table uuid.UUID       `json:"table"`
	Key   DecoratedKey    `json:"key"`
	Rows  map[string]*Row `json:"rows"`
}

// NewPartitionUpdate returns an empty update.
func NewPartitionUpdate(table uuid.UUID, key DecoratedKey) *PartitionUpdate {
	return &PartitionUpdate{Table: table, Key: key, Rows: map[string]*Row{}}
}

// Set writes a live cell and returns the update for chaining.
func (p *PartitionUpdate) Set(clustering, column string, value []byte, timestamp int64) *PartitionUpdate {
	p.row(clustering).Cells[column] = Cell{Value: value, Timestamp: timestamp}
	return p
}

// Delete writes a tombstone cell and returns the update for chaining.
func (p *PartitionUpdate) Delete(clustering, column string, timestamp int64) *PartitionUpdate {
	p.row(clustering).Cells[column] = Cell{Timestamp: timestamp, Deleted: true}
	return p
}

func (p *PartitionUpdate) row(clustering string) *Row {
	row, ok := p.Rows[clustering]
	if !ok {
		row = NewRow(clustering)
		p.Rows[clustering] = row
	}
	return row
}

// Row returns the row with the given clustering, if present.
func (p *PartitionUpdate) Row(clustering string) (*Row, bool) {
	row, ok := p.Rows[clustering]
	return row, ok
}

// SortedRows returns the update's rows in clustering order.
func (p *PartitionUpdate) SortedRows() []*Row {
	rows := maps.Values(p.Rows)
	slices.SortFunc(rows, func(a, b *Row) int {
		return strings.Compare(a.Clustering, b.Clustering)
	})
	return rows
}

// IsEmpty reports whether the update carries no rows.
func (p *PartitionUpdate) IsEmpty() bool {
	return len(p.Rows) == 0
}

// Size is an estimate of the update's data size in bytes.
func (p *PartitionUpdate) Size() int {
	n := len(p.Key.Key) + 8
	for _, row := range p.Rows {
		n += row.size()
	}
	return n
}

// Copy returns a deep copy of the update.
func (p *PartitionUpdate) Copy() *PartitionUpdate {
	out := NewPartitionUpdate(p.Table, p.Key)
	for k, row := range p.Rows {
		out.Rows[k] = row.Copy()
	}
	return out
}

// Absorb reconciles other into p in place. Both must address the same table
// and partition.
func (p *PartitionUpdate) Absorb(other *PartitionUpdate) error {
	if p.Table != other.Table {
		return MismatchError{"table", p.Table.String(), other.Table.String()}
	}
	if !p.Key.Equal(other.Key) {
		return MismatchError{"key", p.Key.String(), other.Key.String()}
	}
	for clustering, row := range other.Rows {
		existing, ok := p.Rows[clustering]
		if !ok {
			p.Rows[clustering] = row.Copy()
			continue
		}
		existing.Merge(row)
	}
	return nil
}

// MergeUpdates returns the structural merge of one or more updates to the
// same partition. A single input is returned unchanged.
func MergeUpdates(updates ...*PartitionUpdate) (*PartitionUpdate, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("no updates to merge")
	}
	if len(updates) == 1 {
		return updates[0], nil
	}
	out := updates[0].Copy()
	for _, u := range updates[1:] {
		if err := out.Absorb(u); err != nil {
			return nil, err
		}
	}
	return out, nil
}
