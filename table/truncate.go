package table

import (
	"context"
	"fmt"
	"time"

	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/segment"
	"github.com/wkalt/cstore/util/log"
)

// Truncate removes the table's data written before the call. A flush group
// leader discards its group's memtables without persisting them, then drops
// every segment created before the cutoff, truncates its indexes and views,
// and records the truncation so replay skips the discarded part of the
// commit log. A group member, truncated on behalf of its leader, persists
// its memtable first so writes that arrived after the cutoff survive.
func (s *Store) Truncate(ctx context.Context) error {
	ctx = s.tags(ctx)
	leader := s.leaderStore()

	var cutoff time.Time
	var pending pendingSwitch
	if leader == s {
		s.switchMtx.Lock()
		pending = s.switchLocked(ctx, s.FlushGroup(), true)
		s.switchMtx.Unlock()
		if err := pending.future.Wait(ctx); err != nil {
			return fmt.Errorf("failed to discard memtables of %s: %w", s.name, err)
		}
		cutoff = time.Now()
	} else {
		cutoff = time.Now()
		leader.switchMtx.Lock()
		pending = leader.switchLocked(ctx, leader.FlushGroup(), false)
		leader.switchMtx.Unlock()
		if err := pending.future.Wait(ctx); err != nil {
			return fmt.Errorf("failed to flush %s: %w", s.name, err)
		}
	}

	removed := s.tracker.RemoveSegments(func(seg *segment.Segment) bool {
		return seg.CreatedAt().Before(cutoff)
	})
	replayAfter := pending.final
	for _, seg := range removed {
		replayAfter = commitlog.MaxPosition(replayAfter, seg.Meta().ReplayAfter)
		seg.MarkObsolete()
		if err := seg.Release(ctx); err != nil {
			log.Errorw(ctx, "Failed to release truncated segment", "segment", seg.String(), "error", err)
		}
	}
	if err := s.config.indexes.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate indexes of %s: %w", s.name, err)
	}
	if s.config.views != nil {
		if err := s.config.views.Truncate(ctx, s.id); err != nil {
			return fmt.Errorf("failed to truncate views of %s: %w", s.name, err)
		}
	}
	if s.env.Truncations != nil {
		rec := catalog.TruncationRecord{Table: s.id, TruncatedAt: cutoff, ReplayAfter: replayAfter}
		if err := s.env.Truncations.SaveTruncation(ctx, rec); err != nil {
			return fmt.Errorf("failed to record truncation of %s: %w", s.name, err)
		}
	}
	log.Infow(ctx, "Truncated table", "segments", len(removed), "replayAfter", replayAfter)
	return nil
}
