package table

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/metrics"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/segment"
	"github.com/wkalt/cstore/taskq"
	"github.com/wkalt/cstore/tracker"
	"github.com/wkalt/cstore/util/log"
)

/*
A table store holds one table's data: the memtables receiving writes and the
segments persisted from earlier memtables, as tracked by the table's view.

Writers route each update to a live memtable chosen by their operation group
and commit log position, so writes never wait on a flush. A flush switches in
a fresh memtable, issues a barrier on the keyspace write order, and queues a
task that waits for the barrier, persists the frozen memtable, and replaces
it in the view with the new segment. Tasks for one store run in the order
their switches happened, so the commit log discard points a store reports
never move backwards.

Stores are organized into flush groups. A base table's indexes are members of
its group and are switched under the same barrier and commit log bound, so a
single discard point covers all of them. Flush requests on a member are
delegated to the group's leader.
*/

////////////////////////////////////////////////////////////////////////////////

// CommitLog is the part of the commit log a store reports flushes to.
type CommitLog interface {
	Context() commitlog.Position
	DiscardCompleted(ctx context.Context, table uuid.UUID, pos commitlog.Position) error
}

// TruncationStore records table truncations.
type TruncationStore interface {
	SaveTruncation(ctx context.Context, rec catalog.TruncationRecord) error
}

// Views truncates the materialized views of a base table.
type Views interface {
	Truncate(ctx context.Context, base uuid.UUID) error
}

// Env holds the collaborators shared by the stores of a keyspace. Log is nil
// for keyspaces that do not write a commit log.
type Env struct {
	WriteOrder  *opord.Order
	Log         CommitLog
	Segments    *segment.Store
	Truncations TruncationStore
	Flushes     *taskq.Queue
	Reclaims    *taskq.Queue
}

var _ index.Writer = (*Store)(nil)

// Store is the table store.
type Store struct {
	id     uuid.UUID
	name   string
	env    Env
	config config

	readOrder *opord.Order
	tracker   *tracker.Tracker

	switchMtx *sync.Mutex
	leader    atomic.Pointer[Store]
	members   atomic.Pointer[[]*Store]

	backlogMtx *sync.Mutex
	backlog    []*memtable.Memtable

	timerMtx    *sync.Mutex
	timer       *time.Timer
	invalidated atomic.Bool

	discardMtx *sync.Mutex
	discarded  commitlog.Position
}

// NewStore opens the store for a table, loading its persisted segments.
func NewStore(ctx context.Context, id uuid.UUID, name string, env Env, opts ...Option) (*Store, error) {
	conf := config{
		metrics:   metrics.Noop{},
		lifecycle: tracker.NopLifecycle{},
		indexes:   index.NewManager(),
	}
	for _, opt := range opts {
		opt(&conf)
	}
	s := &Store{
		id:         id,
		name:       name,
		env:        env,
		config:     conf,
		readOrder:  opord.NewOrder(),
		switchMtx:  &sync.Mutex{},
		backlogMtx: &sync.Mutex{},
		timerMtx:   &sync.Mutex{},
		discardMtx: &sync.Mutex{},
	}
	initial := memtable.New(id, memtable.FinalBound(commitlog.Position{}), conf.pool)
	s.tracker = tracker.New(initial, conf.lifecycle)
	s.members.Store(&[]*Store{s})

	segments, err := env.Segments.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load segments of %s: %w", name, err)
	}
	s.tracker.AddSegments(segments)
	if len(segments) > 0 {
		log.Infow(ctx, "Loaded segments", "table", name, "count", len(segments))
	}
	s.scheduleFlush()
	return s, nil
}

// ID returns the table ID.
func (s *Store) ID() uuid.UUID {
	return s.id
}

// Name returns the table name.
func (s *Store) Name() string {
	return s.name
}

// Indexes returns the table's index manager.
func (s *Store) Indexes() *index.Manager {
	return s.config.indexes
}

// View returns the table's current view.
func (s *Store) View() *tracker.View {
	return s.tracker.View()
}

// SetFlushGroup makes s the leader of a flush group containing itself and
// members. Flushes of any member switch every member of the group.
func (s *Store) SetFlushGroup(members ...*Store) {
	s.switchMtx.Lock()
	defer s.switchMtx.Unlock()
	group := []*Store{s}
	for _, m := range members {
		if m == s || slices.Contains(group, m) {
			continue
		}
		m.leader.Store(s)
		group = append(group, m)
	}
	s.members.Store(&group)
}

// FlushGroup returns the stores flushed together with s, leader first.
func (s *Store) FlushGroup() []*Store {
	return slices.Clone(*s.leaderStore().members.Load())
}

func (s *Store) leaderStore() *Store {
	if l := s.leader.Load(); l != nil {
		return l
	}
	return s
}

func (s *Store) flushKey() string {
	return s.leaderStore().id.String()
}

func (s *Store) logContext() commitlog.Position {
	if s.env.Log == nil {
		return commitlog.Position{}
	}
	return s.env.Log.Context()
}

func (s *Store) tags(ctx context.Context) context.Context {
	return log.WithTable(ctx, s.config.keyspace, s.name)
}

// Apply writes an update into the memtable that the group and commit log
// position route it to, then commits the updater's index changes. Apply
// never waits for a flush; it may wait on the memory pool.
func (s *Store) Apply(
	ctx context.Context,
	update *mutation.PartitionUpdate,
	updater index.Updater,
	g *opord.Group,
	pos commitlog.Position,
) error {
	start := time.Now()
	mt := s.tracker.MemtableFor(g, pos)
	delta := mt.Put(update, pos, updater, g)
	if err := updater.Commit(ctx); err != nil {
		return fmt.Errorf("failed to update indexes of %s: %w", s.name, err)
	}
	s.config.metrics.WriteLatency(s.config.keyspace, s.name, time.Since(start))
	if delta != memtable.NoPriorUpdate {
		s.config.metrics.UpdateDelta(s.config.keyspace, s.name, delta)
	}
	if threshold := s.config.memtableFlushThreshold; threshold > 0 && mt.LiveBytes() >= threshold {
		s.SwitchMemtableIfCurrent(ctx, mt)
	}
	return nil
}

// Get returns the merged partition for key across the view's memtables and
// segments.
func (s *Store) Get(ctx context.Context, key mutation.DecoratedKey) (*mutation.PartitionUpdate, bool, error) {
	g := s.readOrder.Start()
	defer g.Close()
	view, release := s.tracker.Acquire(ctx)
	defer release()
	parts := []*mutation.PartitionUpdate{}
	for _, mt := range view.Memtables() {
		if p, ok := mt.Get(key); ok {
			parts = append(parts, p)
		}
	}
	for _, seg := range view.Segments {
		p, ok, err := seg.Get(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read %s: %w", seg, err)
		}
		if ok {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, false, nil
	}
	merged, err := mutation.MergeUpdates(parts...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to merge partition: %w", err)
	}
	return merged, true, nil
}

// Scan returns every partition of the table in key order.
func (s *Store) Scan(ctx context.Context) ([]*mutation.PartitionUpdate, error) {
	g := s.readOrder.Start()
	defer g.Close()
	view, release := s.tracker.Acquire(ctx)
	defer release()
	byKey := map[string]*mutation.PartitionUpdate{}
	add := func(p *mutation.PartitionUpdate) error {
		existing, ok := byKey[string(p.Key.Key)]
		if !ok {
			byKey[string(p.Key.Key)] = p.Copy()
			return nil
		}
		return existing.Absorb(p)
	}
	for _, mt := range view.Memtables() {
		for _, p := range mt.Partitions() {
			if err := add(p); err != nil {
				return nil, err
			}
		}
	}
	for _, seg := range view.Segments {
		parts, err := seg.Partitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", seg, err)
		}
		for _, p := range parts {
			if err := add(p); err != nil {
				return nil, err
			}
		}
	}
	out := make([]*mutation.PartitionUpdate, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *mutation.PartitionUpdate) int {
		return a.Key.Compare(b.Key)
	})
	return out, nil
}

// AddSegments adds externally produced segments to the view.
func (s *Store) AddSegments(segs []*segment.Segment) {
	s.tracker.AddSegments(segs)
}

// LiveBytes returns the size of the current memtable.
func (s *Store) LiveBytes() int64 {
	return s.tracker.View().Current().LiveBytes()
}

// PendingFlushBytes returns the bytes held by memtables that have been
// switched out and not yet persisted, including those waiting on a failed
// flush to be retried.
func (s *Store) PendingFlushBytes() int64 {
	return s.tracker.View().PendingFlushBytes()
}

// ReplayFloor returns the highest commit log position covered by the
// store's segments. Records at or below it need not be replayed.
func (s *Store) ReplayFloor() commitlog.Position {
	var floor commitlog.Position
	for _, seg := range s.tracker.View().Segments {
		floor = commitlog.MaxPosition(floor, seg.Meta().ReplayAfter)
	}
	return floor
}

// DiscardedThrough returns the last position reported to the commit log as
// flushed for this store's flush group.
func (s *Store) DiscardedThrough() commitlog.Position {
	leader := s.leaderStore()
	leader.discardMtx.Lock()
	defer leader.discardMtx.Unlock()
	return leader.discarded
}

func (s *Store) reportPending() {
	v := s.tracker.View()
	s.config.metrics.PendingFlushes(s.config.keyspace, s.name, len(v.Live)-1+len(v.Flushing))
	s.config.metrics.PendingFlushBytes(s.config.keyspace, s.name, v.PendingFlushBytes())
}

func (s *Store) scheduleFlush() {
	period := s.config.flushPeriod
	if period <= 0 || s.invalidated.Load() {
		return
	}
	s.timerMtx.Lock()
	defer s.timerMtx.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(period, s.scheduledFlush)
}

func (s *Store) scheduledFlush() {
	if s.invalidated.Load() {
		return
	}
	ctx := s.tags(context.Background())
	current := s.tracker.View().Current()
	if current.IsClean() || !current.IsExpired(s.config.flushPeriod) {
		s.scheduleFlush()
		return
	}
	log.Debugw(ctx, "Flushing expired memtable", "age", time.Since(current.CreatedAt()))
	future := s.ForceFlush(ctx)
	go func() {
		if err := future.Wait(ctx); err != nil {
			log.Errorw(ctx, "Scheduled flush failed", "error", err)
		}
	}()
}

// Invalidate stops background work and releases the view's segments. If
// drop is set the segments are deleted and the memtables discarded.
func (s *Store) Invalidate(ctx context.Context, drop bool) error {
	s.invalidated.Store(true)
	s.timerMtx.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerMtx.Unlock()

	var errs []error
	for _, seg := range s.tracker.RemoveSegments(func(*segment.Segment) bool { return true }) {
		if drop {
			seg.MarkObsolete()
		}
		if err := seg.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if drop {
		for _, mt := range s.tracker.View().Memtables() {
			s.reclaim(mt)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to release segments of %s: %w", s.name, errs[0])
	}
	return nil
}
