package keyspace

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/util/log"
)

// ReplayStats summarizes a commit log replay.
type ReplayStats struct {
	Records int
	Applied int
	Skipped int
}

// Replay re-applies the commit log segments left by a previous process to
// the open keyspaces, then flushes them and deletes the replayed segments.
// A table's update is skipped if its record lies at or below the table's
// truncation point or the highest position its segments already cover.
// Records for keyspaces or tables that no longer exist are skipped.
func (r *Registry) Replay(ctx context.Context) (ReplayStats, error) {
	stats := ReplayStats{}
	if r.log == nil {
		return stats, nil
	}
	truncations, err := r.catalog.Truncations(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read truncation records: %w", err)
	}
	floors := map[uuid.UUID]commitlog.Position{}
	floor := func(k *Keyspace, table uuid.UUID) (commitlog.Position, bool) {
		if pos, ok := floors[table]; ok {
			return pos, true
		}
		store, ok := k.StoreByID(table)
		if !ok {
			return commitlog.Position{}, false
		}
		pos := store.ReplayFloor()
		if rec, ok := truncations[table]; ok {
			pos = commitlog.MaxPosition(pos, rec.ReplayAfter)
		}
		floors[table] = pos
		return pos, true
	}
	err = r.log.Replay(ctx, func(entry commitlog.Entry) error {
		stats.Records++
		m := &mutation.Mutation{}
		if err := m.UnmarshalBinary(entry.Data); err != nil {
			return fmt.Errorf("failed to decode mutation at %s: %w", entry.Position, err)
		}
		k, err := r.Get(m.Keyspace())
		if err != nil {
			log.Warnw(ctx, "Skipping mutation for unknown keyspace", "keyspace", m.Keyspace(), "position", entry.Position)
			stats.Skipped++
			return nil
		}
		for _, id := range m.TableIDs() {
			pos, ok := floor(k, id)
			if ok && entry.Position.Compare(pos) > 0 {
				continue
			}
			m = m.Without(id)
		}
		if m.IsEmpty() {
			stats.Skipped++
			return nil
		}
		if err := k.apply(ctx, m, false, true, entry.Position); err != nil {
			return fmt.Errorf("failed to replay mutation at %s: %w", entry.Position, err)
		}
		stats.Applied++
		return nil
	})
	if err != nil {
		return stats, err
	}
	if err := r.Flush(ctx); err != nil {
		return stats, fmt.Errorf("failed to flush replayed mutations: %w", err)
	}
	if err := r.log.DiscardReplayed(ctx); err != nil {
		return stats, err
	}
	log.Infow(ctx, "Replayed commit log", "records", stats.Records, "applied", stats.Applied, "skipped", stats.Skipped)
	return stats, nil
}
