package memtable

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
)

/*
A Memtable holds the writes for one table accepted since the last switch.
Partitions are kept in a btree ordered by decorated key, so a flush can write
them out in segment order without sorting.

Lifecycle:

  - Active: the table's current memtable. Every write is accepted.
  - Frozen: a switch installed a successor and attached a write barrier and a
    shared position bound. Only writes from groups behind the barrier, whose
    commit log position is within the bound, are still routed here.
  - Flushing: the barrier has completed. No further writes arrive; the
    contents are being persisted or dropped.
  - Discarded: the contents were persisted or dropped and no reader can still
    reference the memtable. Its memory has been returned to the pool.
*/

////////////////////////////////////////////////////////////////////////////////

// State is the lifecycle state of a memtable.
type State int32

const (
	Active State = iota
	Frozen
	Flushing
	Discarded
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Frozen:
		return "frozen"
	case Flushing:
		return "flushing"
	case Discarded:
		return "discarded"
	default:
		return "invalid"
	}
}

// NoPriorUpdate is returned by Put when no existing cell was superseded.
const NoPriorUpdate = time.Duration(math.MaxInt64)

type partition struct {
	key    mutation.DecoratedKey
	update *mutation.PartitionUpdate
}

func lessPartition(a, b *partition) bool {
	return a.key.Compare(b.key) < 0
}

// Memtable is an in-memory write buffer for one table.
type Memtable struct {
	table      uuid.UUID
	createdAt  time.Time
	pool       *Pool
	lowerBound *PositionBound

	mtx        *sync.RWMutex
	partitions *btree.BTreeG[*partition]
	minPos     commitlog.Position
	maxPos     commitlog.Position

	hasWrites  atomic.Bool
	operations atomic.Int64
	allocated  atomic.Int64
	reclaimed  atomic.Int64
	state      atomic.Int32

	writeBarrier atomic.Pointer[opord.Barrier]
	upperBound   atomic.Pointer[PositionBound]
}

// New creates an active memtable. The lower bound is the final bound of the
// switch that created it: every write it receives is at or after that
// position.
func New(table uuid.UUID, lowerBound *PositionBound, pool *Pool) *Memtable {
	return &Memtable{
		table:      table,
		createdAt:  time.Now(),
		pool:       pool,
		lowerBound: lowerBound,
		mtx:        &sync.RWMutex{},
		partitions: btree.NewG(32, lessPartition),
	}
}

// Table returns the ID of the owning table.
func (m *Memtable) Table() uuid.UUID {
	return m.table
}

// CreatedAt returns the memtable's creation time.
func (m *Memtable) CreatedAt() time.Time {
	return m.createdAt
}

// State returns the lifecycle state.
func (m *Memtable) State() State {
	return State(m.state.Load())
}

// Accepts reports whether a write from group g at commit log position pos
// belongs in this memtable. For a frozen memtable, the write must come from
// a group behind the write barrier and, if durable, fall within the shared
// position bound. An unfinalized bound is raised to admit the write.
func (m *Memtable) Accepts(g *opord.Group, pos commitlog.Position) bool {
	barrier := m.writeBarrier.Load()
	if barrier == nil {
		return true
	}
	if !barrier.IsAfter(g) {
		return false
	}
	if pos.IsZero() {
		return true
	}
	return m.upperBound.Load().admit(pos)
}

// Put merges an update into the memtable, reporting row changes to the
// indexer. It returns the smallest timestamp delta between a superseded cell
// and its replacement, or NoPriorUpdate.
func (m *Memtable) Put(
	update *mutation.PartitionUpdate,
	pos commitlog.Position,
	indexer index.Updater,
	g *opord.Group,
) time.Duration {
	size := int64(update.Size())
	if m.pool != nil {
		m.pool.Allocate(g, size)
	}
	m.allocated.Add(size)

	m.mtx.Lock()
	defer m.mtx.Unlock()

	minDelta := int64(-1)
	existing, ok := m.partitions.Get(&partition{key: update.Key})
	if !ok {
		existing = &partition{
			key:    update.Key,
			update: mutation.NewPartitionUpdate(update.Table, update.Key),
		}
		m.partitions.ReplaceOrInsert(existing)
	}
	for _, row := range update.SortedRows() {
		current, found := existing.update.Rows[row.Clustering]
		if !found {
			existing.update.Rows[row.Clustering] = row.Copy()
			indexer.Insert(update.Key, row)
			continue
		}
		prev := current.Copy()
		changed, delta := current.Merge(row)
		if changed > 0 {
			indexer.Update(update.Key, prev, current.Copy())
		}
		if delta >= 0 && (minDelta < 0 || delta < minDelta) {
			minDelta = delta
		}
	}
	if !pos.IsZero() {
		if m.minPos.IsZero() || pos.Less(m.minPos) {
			m.minPos = pos
		}
		m.maxPos = commitlog.MaxPosition(m.maxPos, pos)
	}
	m.hasWrites.Store(true)
	m.operations.Add(1)
	if minDelta < 0 {
		return NoPriorUpdate
	}
	return time.Duration(minDelta) * time.Microsecond
}

// Get returns a copy of the partition for key, if present.
func (m *Memtable) Get(key mutation.DecoratedKey) (*mutation.PartitionUpdate, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	p, ok := m.partitions.Get(&partition{key: key})
	if !ok {
		return nil, false
	}
	return p.update.Copy(), true
}

// Partitions returns copies of all partitions in key order.
func (m *Memtable) Partitions() []*mutation.PartitionUpdate {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	out := make([]*mutation.PartitionUpdate, 0, m.partitions.Len())
	m.partitions.Ascend(func(p *partition) bool {
		out = append(out, p.update.Copy())
		return true
	})
	return out
}

// PartitionCount returns the number of partitions held.
func (m *Memtable) PartitionCount() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.partitions.Len()
}

// Operations returns the number of updates applied.
func (m *Memtable) Operations() int64 {
	return m.operations.Load()
}

// LiveBytes returns the bytes allocated to the memtable.
func (m *Memtable) LiveBytes() int64 {
	return m.allocated.Load()
}

// IsClean reports whether the memtable has received no writes.
func (m *Memtable) IsClean() bool {
	return !m.hasWrites.Load()
}

// IsCleanAfter reports whether the memtable holds nothing written before pos:
// either it has no writes, or its earliest write is at or after pos.
func (m *Memtable) IsCleanAfter(pos commitlog.Position) bool {
	if m.IsClean() {
		return true
	}
	if lower, _ := m.lowerBound.Get(); !lower.Less(pos) {
		return true
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return !m.minPos.IsZero() && !m.minPos.Less(pos)
}

// Positions returns the first and last commit log positions of the writes
// held. Both are zero if no durable write was accepted.
func (m *Memtable) Positions() (commitlog.Position, commitlog.Position) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.minPos, m.maxPos
}

// LowerBound returns the commit log position every write follows.
func (m *Memtable) LowerBound() commitlog.Position {
	pos, _ := m.lowerBound.Get()
	return pos
}

// UpperBound returns the final commit log boundary of the switch that froze
// the memtable. It is only meaningful once the memtable is frozen.
func (m *Memtable) UpperBound() (commitlog.Position, bool) {
	b := m.upperBound.Load()
	if b == nil {
		return commitlog.Position{}, false
	}
	return b.Get()
}

// SetDiscarding freezes the memtable behind a write barrier. The bound is
// shared with the other memtables frozen in the same switch and with their
// successors.
func (m *Memtable) SetDiscarding(barrier *opord.Barrier, upper *PositionBound) {
	m.upperBound.Store(upper)
	m.writeBarrier.Store(barrier)
	m.state.Store(int32(Frozen))
	if m.pool != nil {
		n := m.allocated.Load()
		m.reclaimed.Store(n)
		m.pool.MarkReclaiming(n)
	}
}

// MarkFlushing records that the barrier has completed and the contents are
// being persisted.
func (m *Memtable) MarkFlushing() {
	m.state.Store(int32(Flushing))
}

// SetDiscarded drops the contents and returns the memory to the pool. It must
// only be called once no reader can reference the memtable.
func (m *Memtable) SetDiscarded() {
	prev := State(m.state.Swap(int32(Discarded)))
	if prev == Discarded {
		return
	}
	m.mtx.Lock()
	m.partitions.Clear(false)
	m.mtx.Unlock()
	if m.pool != nil {
		m.pool.Release(m.allocated.Load(), m.reclaimed.Load())
	}
}

// IsExpired reports whether the memtable is older than period.
func (m *Memtable) IsExpired(period time.Duration) bool {
	return period > 0 && time.Since(m.createdAt) >= period
}
