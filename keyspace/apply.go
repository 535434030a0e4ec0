package keyspace

import (
	"context"
	"fmt"
	"time"

	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/taskq"
	"github.com/wkalt/cstore/util/log"
)

// Apply applies a mutation to the keyspace and waits for it to complete. If
// writeLog is set and the keyspace is durable the mutation is appended to the
// commit log first. If updateIndexes is set the tables' indexes and views are
// updated along with them.
func (k *Keyspace) Apply(ctx context.Context, m *mutation.Mutation, writeLog, updateIndexes bool) error {
	return k.ApplyAsync(ctx, m, writeLog, updateIndexes).Wait(ctx)
}

// ApplyAsync applies a mutation, returning a future for its completion. The
// future is already complete unless the mutation affects a view and its view
// lock was busy, in which case the mutation may have been queued for retry.
func (k *Keyspace) ApplyAsync(ctx context.Context, m *mutation.Mutation, writeLog, updateIndexes bool) *taskq.Future {
	if m.Keyspace() != k.name {
		return taskq.Completed(fmt.Errorf("mutation for keyspace %s applied to %s", m.Keyspace(), k.name))
	}
	if !updateIndexes || !k.views.Affects(m) {
		return taskq.Completed(k.apply(ctx, m, writeLog, updateIndexes, commitlog.Position{}))
	}
	if unlock, ok := k.views.TryLock(m.Key()); ok {
		defer unlock()
		return taskq.Completed(k.apply(ctx, m, writeLog, updateIndexes, commitlog.Position{}))
	}
	if !k.config.resubmit {
		return taskq.Completed(k.applyLocked(ctx, m, writeLog))
	}
	if k.remaining(m) <= 0 {
		return taskq.Completed(k.lockTimeout(ctx, m))
	}
	log.Debugw(ctx, "View lock busy, resubmitting mutation", "keyspace", k.name, "key", m.Key())
	return k.resubmits.Submit(m.Key().String(), func(ctx context.Context) error {
		return k.applyLocked(ctx, m, writeLog)
	})
}

// applyLocked applies a view-affecting mutation after waiting for its view
// lock until the write timeout.
func (k *Keyspace) applyLocked(ctx context.Context, m *mutation.Mutation, writeLog bool) error {
	unlock, ok := k.views.Lock(ctx, m.Key(), k.remaining(m))
	if !ok {
		return k.lockTimeout(ctx, m)
	}
	defer unlock()
	return k.apply(ctx, m, writeLog, true, commitlog.Position{})
}

func (k *Keyspace) remaining(m *mutation.Mutation) time.Duration {
	return k.config.writeTimeout - time.Since(m.CreatedAt())
}

func (k *Keyspace) lockTimeout(ctx context.Context, m *mutation.Mutation) error {
	k.config.metrics.LockTimeout(k.name)
	log.Warnw(ctx, "Timed out waiting for view lock", "keyspace", k.name, "key", m.Key())
	return fmt.Errorf("%w: %s", ErrLockTimeout, m.Key())
}

// apply writes every update of the mutation under one group of the write
// order. A replayed mutation carries the commit log position it was read
// from; otherwise the position is that of the mutation's own log record, or
// zero if it was not logged.
func (k *Keyspace) apply(
	ctx context.Context,
	m *mutation.Mutation,
	writeLog bool,
	updateIndexes bool,
	pos commitlog.Position,
) error {
	g := k.env.WriteOrder.Start()
	defer g.Close()
	if writeLog && k.log != nil {
		data, err := m.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode mutation: %w", err)
		}
		pos, err = k.log.Append(ctx, m.TableIDs(), data)
		if err != nil {
			return fmt.Errorf("failed to append to commit log: %w", err)
		}
	}
	for _, update := range m.Updates() {
		store, ok := k.StoreByID(update.Table)
		if !ok {
			k.config.metrics.SchemaRace(k.name)
			log.Errorw(ctx, "Skipping update of unknown table", "keyspace", k.name, "table", update.Table)
			continue
		}
		if updateIndexes && k.views.Has(update.Table) {
			if err := k.views.PushUpdates(ctx, update, g, pos); err != nil {
				return fmt.Errorf("failed to update views of %s: %w", store.Name(), err)
			}
		}
		updater := index.Null
		if updateIndexes {
			updater = store.Indexes().Updater(g, pos)
		}
		if err := store.Apply(ctx, update, updater, g, pos); err != nil {
			return err
		}
	}
	return nil
}
