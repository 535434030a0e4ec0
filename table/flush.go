package table

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/taskq"
	"github.com/wkalt/cstore/util/log"
)

type frozenMemtable struct {
	store    *Store
	memtable *memtable.Memtable
}

// switched describes one switch of a flush group's memtables.
type switched struct {
	barrier  *opord.Barrier
	frozen   []frozenMemtable
	final    commitlog.Position
	truncate bool
}

// SwitchMemtable unconditionally switches out the flush group's memtables
// and returns a future completing when they have been flushed.
func (s *Store) SwitchMemtable(ctx context.Context) *taskq.Future {
	leader := s.leaderStore()
	leader.switchMtx.Lock()
	defer leader.switchMtx.Unlock()
	return leader.switchLocked(ctx, leader.FlushGroup(), false).future
}

// SwitchMemtableIfCurrent flushes the group only if mt is still the current
// memtable of s. It is used by size-triggered flushes, where several writers
// may notice the same full memtable.
func (s *Store) SwitchMemtableIfCurrent(ctx context.Context, mt *memtable.Memtable) *taskq.Future {
	leader := s.leaderStore()
	leader.switchMtx.Lock()
	defer leader.switchMtx.Unlock()
	if s.tracker.View().Current() != mt {
		return taskq.Completed(nil)
	}
	log.Debugw(s.tags(ctx), "Memtable reached flush threshold", "bytes", mt.LiveBytes())
	return leader.switchLocked(ctx, leader.FlushGroup(), false).future
}

// ForceFlush flushes the flush group if any member holds unflushed writes.
// The returned future never completes before the futures of flushes queued
// earlier on the same store.
func (s *Store) ForceFlush(ctx context.Context) *taskq.Future {
	return s.forceFlush(ctx, func(mt *memtable.Memtable) bool { return !mt.IsClean() })
}

// ForceFlushBefore flushes the flush group only if some member holds writes
// from before pos.
func (s *Store) ForceFlushBefore(ctx context.Context, pos commitlog.Position) *taskq.Future {
	return s.forceFlush(ctx, func(mt *memtable.Memtable) bool { return !mt.IsCleanAfter(pos) })
}

func (s *Store) forceFlush(ctx context.Context, dirty func(*memtable.Memtable) bool) *taskq.Future {
	leader := s.leaderStore()
	leader.switchMtx.Lock()
	defer leader.switchMtx.Unlock()
	group := leader.FlushGroup()
	for _, m := range group {
		if dirty(m.tracker.View().Current()) || m.hasBacklog() {
			return leader.switchLocked(ctx, group, false).future
		}
	}
	log.Debugw(s.tags(ctx), "Skipping flush of clean table")
	return s.env.Flushes.Submit(leader.flushKey(), func(context.Context) error {
		return nil
	})
}

type pendingSwitch struct {
	future *taskq.Future
	final  commitlog.Position
}

// switchLocked switches the current memtable of each member, freezing the
// old ones behind a new write barrier and a shared commit log bound, and
// queues their flush. The caller holds the leader's switch lock.
func (s *Store) switchLocked(ctx context.Context, members []*Store, truncate bool) pendingSwitch {
	barrier := s.env.WriteOrder.NewBarrier()
	bound := memtable.NewPositionBound()
	sw := &switched{barrier: barrier, truncate: truncate}
	for _, m := range members {
		next := memtable.New(m.id, bound, m.config.pool)
		old := m.tracker.SwitchMemtable(truncate, next)
		old.SetDiscarding(barrier, bound)
		sw.frozen = append(sw.frozen, frozenMemtable{store: m, memtable: old})
		m.config.metrics.MemtableSwitched(m.config.keyspace, m.name)
	}
	sw.final = bound.Finalize(s.logContext())
	barrier.Issue()
	for _, m := range members {
		m.reportPending()
		m.scheduleFlush()
	}
	log.Debugw(s.tags(ctx), "Switched memtables", "members", len(members), "truncate", truncate, "bound", sw.final)
	future := s.env.Flushes.Submit(s.flushKey(), func(ctx context.Context) error {
		return s.runFlush(s.tags(ctx), sw)
	})
	return pendingSwitch{future: future, final: sw.final}
}

// runFlush waits for the switch's barrier, persists or drops each frozen
// memtable, and then performs the post-flush step: flushing unbacked
// indexes and reporting the switch's bound to the commit log. Tasks for a
// flush group run one at a time in switch order.
func (s *Store) runFlush(ctx context.Context, sw *switched) error {
	sw.barrier.MarkBlocking()
	if err := sw.barrier.Await(ctx); err != nil {
		return fmt.Errorf("failed waiting for write barrier: %w", err)
	}
	var errs []error
	for _, f := range sw.frozen {
		if err := f.store.flushMemtable(ctx, f.memtable, sw.truncate); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range sw.frozen {
		f.store.reportPending()
		if sw.truncate {
			continue
		}
		if err := f.store.config.indexes.FlushUnbacked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	for _, f := range sw.frozen {
		if f.store.hasBacklog() {
			return nil
		}
	}
	return s.discardCompleted(ctx, sw)
}

func (s *Store) discardCompleted(ctx context.Context, sw *switched) error {
	if s.env.Log != nil {
		for _, f := range sw.frozen {
			if err := s.env.Log.DiscardCompleted(ctx, f.store.id, sw.final); err != nil {
				return fmt.Errorf("failed to discard commit log of %s: %w", f.store.name, err)
			}
		}
	}
	s.discardMtx.Lock()
	defer s.discardMtx.Unlock()
	if sw.final.Less(s.discarded) {
		panic(fmt.Sprintf("commit log discard point moved backwards from %s to %s", s.discarded, sw.final))
	}
	s.discarded = sw.final
	return nil
}

// flushMemtable handles one frozen memtable after its barrier has passed.
// Memtables frozen by a truncation are dropped along with any pending
// backlog. Otherwise the backlog of earlier failed persists is retried first,
// then the memtable is persisted, or dropped if it is clean.
func (s *Store) flushMemtable(ctx context.Context, mt *memtable.Memtable, truncate bool) error {
	s.tracker.MarkFlushing(mt)
	if truncate {
		for _, pending := range s.takeBacklog() {
			s.drop(pending)
		}
		s.drop(mt)
		return nil
	}
	backlog := s.takeBacklog()
	for i, pending := range backlog {
		if err := s.persist(ctx, pending); err != nil {
			s.addBacklog(backlog[i:]...)
			if mt.IsClean() {
				s.drop(mt)
			} else {
				s.addBacklog(mt)
			}
			return err
		}
	}
	if mt.IsClean() {
		log.Debugw(ctx, "Dropping clean memtable")
		s.drop(mt)
		return nil
	}
	if err := s.persist(ctx, mt); err != nil {
		s.addBacklog(mt)
		return err
	}
	return nil
}

func (s *Store) persist(ctx context.Context, mt *memtable.Memtable) error {
	start := time.Now()
	seg, err := s.env.Segments.Persist(ctx, mt)
	if err != nil {
		s.config.metrics.FlushFailed(s.config.keyspace, s.name)
		log.Errorw(ctx, "Failed to persist memtable", "error", err, "bytes", mt.LiveBytes())
		return PersistError{Table: s.name, Err: err}
	}
	s.tracker.ReplaceFlushed(mt, seg)
	s.reclaim(mt)
	meta := seg.Meta()
	s.config.metrics.FlushCompleted(s.config.keyspace, s.name, meta.Size, time.Since(start))
	log.Infow(ctx, "Flushed memtable",
		"segment", seg.String(), "partitions", meta.Partitions,
		"operations", mt.Operations(), "elapsed", time.Since(start),
	)
	return nil
}

func (s *Store) drop(mt *memtable.Memtable) {
	s.tracker.ReplaceFlushed(mt, nil)
	s.reclaim(mt)
}

// reclaim discards a memtable's contents once every read that might have
// found it in a view has finished.
func (s *Store) reclaim(mt *memtable.Memtable) {
	barrier := s.readOrder.NewBarrier()
	barrier.Issue()
	s.env.Reclaims.Submit("reclaim", func(ctx context.Context) error {
		if err := barrier.Await(ctx); err != nil {
			return err
		}
		mt.SetDiscarded()
		return nil
	})
}

func (s *Store) hasBacklog() bool {
	s.backlogMtx.Lock()
	defer s.backlogMtx.Unlock()
	return len(s.backlog) > 0
}

func (s *Store) takeBacklog() []*memtable.Memtable {
	s.backlogMtx.Lock()
	defer s.backlogMtx.Unlock()
	out := s.backlog
	s.backlog = nil
	return out
}

func (s *Store) addBacklog(mts ...*memtable.Memtable) {
	s.backlogMtx.Lock()
	defer s.backlogMtx.Unlock()
	s.backlog = append(s.backlog, mts...)
}
