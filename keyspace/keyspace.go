package keyspace

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/index"
	"github.com/wkalt/cstore/mview"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/table"
	"github.com/wkalt/cstore/taskq"
	"github.com/wkalt/cstore/util/log"
	"golang.org/x/sync/errgroup"
)

/*
Package keyspace groups table stores into keyspaces and applies mutations to
them. A mutation may carry updates for several tables of one keyspace. All of
them are applied under a single group of the keyspace's write order, so a
flush barrier issued on any of its tables either covers every update of the
mutation or none of them.

A table's secondary indexes and materialized views are stored in tables of
their own, which join the base table's flush group. They are switched and
flushed together with the base table and share its commit log discard point.
*/

////////////////////////////////////////////////////////////////////////////////

// CommitLog is the commit log a durable keyspace appends mutations to.
type CommitLog interface {
	table.CommitLog
	Append(ctx context.Context, tables []uuid.UUID, payload []byte) (commitlog.Position, error)
}

// Keyspace is an open keyspace.
type Keyspace struct {
	name      string
	env       table.Env
	log       CommitLog
	catalog   catalog.Catalog
	views     *mview.Manager
	resubmits *taskq.Queue
	registry  *Registry
	config    config

	mtx    *sync.RWMutex
	def    schema.Keyspace
	stores map[uuid.UUID]*table.Store
	names  map[string]uuid.UUID
	bases  map[string][]uuid.UUID
}

func newKeyspace(ctx context.Context, r *Registry, def schema.Keyspace) (*Keyspace, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	k := &Keyspace{
		name: def.Name,
		env: table.Env{
			WriteOrder:  opord.NewOrder(),
			Segments:    r.segments,
			Truncations: r.catalog,
			Flushes:     r.flushes,
			Reclaims:    r.reclaims,
		},
		catalog:   r.catalog,
		views:     mview.NewManager(r.config.viewLockStripes),
		resubmits: r.resubmits,
		registry:  r,
		config:    r.config,
		mtx:       &sync.RWMutex{},
		def:       schema.Keyspace{Name: def.Name, DurableWrites: def.DurableWrites},
		stores:    map[uuid.UUID]*table.Store{},
		names:     map[string]uuid.UUID{},
		bases:     map[string][]uuid.UUID{},
	}
	if def.DurableWrites && r.log != nil {
		k.log = r.log
		k.env.Log = r.log
	}
	ctx = log.WithKeyspace(ctx, def.Name)
	group, ctx := errgroup.WithContext(ctx)
	for _, t := range def.Tables {
		group.Go(func() error {
			return k.openTable(ctx, t)
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	log.Infow(ctx, "Opened keyspace", "tables", len(def.Tables), "durable", def.DurableWrites)
	return k, nil
}

// Name returns the keyspace name.
func (k *Keyspace) Name() string {
	return k.name
}

// Definition returns the keyspace's current definition.
func (k *Keyspace) Definition() schema.Keyspace {
	k.mtx.RLock()
	defer k.mtx.RUnlock()
	def := k.def
	def.Tables = slices.Clone(k.def.Tables)
	return def
}

// WriteOrder returns the keyspace's write order.
func (k *Keyspace) WriteOrder() *opord.Order {
	return k.env.WriteOrder
}

// Views returns the keyspace's view manager.
func (k *Keyspace) Views() *mview.Manager {
	return k.views
}

func (k *Keyspace) storeOptions(t schema.Table, opts ...table.Option) []table.Option {
	out := []table.Option{
		table.WithKeyspace(k.name),
		table.WithMemtableFlushThreshold(t.MemtableFlushThreshold),
		table.WithFlushPeriod(time.Duration(t.FlushPeriodSeconds) * time.Second),
		table.WithMetrics(k.config.metrics),
		table.WithPool(k.registry.pool),
	}
	return append(out, opts...)
}

// openTable opens the stores of a base table, its index tables, and its
// view tables, and registers them.
func (k *Keyspace) openTable(ctx context.Context, t schema.Table) error {
	indexes := index.NewManager()
	members := []*table.Store{}
	for _, d := range t.Indexes {
		name := schema.IndexTableName(t.Name, d.Name)
		if !d.Backed {
			object := fmt.Sprintf("indexes/%s/%s.json", k.name, name)
			idx, err := index.NewMemIndex(ctx, d.Name, d.Column, object, k.env.Segments.Provider())
			if err != nil {
				return fmt.Errorf("failed to open index %s: %w", name, err)
			}
			if err := indexes.Add(idx); err != nil {
				return err
			}
			continue
		}
		store, err := table.NewStore(ctx, schema.TableID(k.name, name), name, k.env, k.storeOptions(t)...)
		if err != nil {
			return err
		}
		if err := indexes.Add(index.NewTableIndex(d.Name, d.Column, store)); err != nil {
			return err
		}
		members = append(members, store)
	}
	base, err := table.NewStore(ctx, schema.TableID(k.name, t.Name), t.Name, k.env,
		k.storeOptions(t, table.WithIndexes(indexes), table.WithViews(k.views))...,
	)
	if err != nil {
		return err
	}
	views := []*mview.View{}
	for _, d := range t.Views {
		store, err := table.NewStore(ctx, schema.TableID(k.name, d.Name), d.Name, k.env, k.storeOptions(t)...)
		if err != nil {
			return err
		}
		views = append(views, &mview.View{
			Name:    d.Name,
			Key:     d.Key,
			Columns: d.Columns,
			Base:    base,
			Target:  store,
		})
		members = append(members, store)
	}
	base.SetFlushGroup(members...)

	k.mtx.Lock()
	defer k.mtx.Unlock()
	if _, ok := k.names[t.Name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrTableExists, k.name, t.Name)
	}
	group := base.FlushGroup()
	ids := make([]uuid.UUID, 0, len(group))
	for _, s := range group {
		k.stores[s.ID()] = s
		k.names[s.Name()] = s.ID()
		ids = append(ids, s.ID())
	}
	k.bases[t.Name] = ids
	k.def.Tables = append(k.def.Tables, t)
	for _, v := range views {
		k.views.Add(v)
	}
	return nil
}

// CreateTable adds a table to the keyspace.
func (k *Keyspace) CreateTable(ctx context.Context, t schema.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	k.mtx.RLock()
	_, exists := k.names[t.Name]
	k.mtx.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s.%s", ErrTableExists, k.name, t.Name)
	}
	if err := k.openTable(ctx, t); err != nil {
		return err
	}
	log.Infow(ctx, "Created table", "keyspace", k.name, "table", t.Name)
	return k.registry.saveDefinition(ctx, k)
}

// DropTable removes a base table along with its index and view tables. It
// waits for in-flight writes and flushes of the table to finish, then
// deletes the table's data and catalog entries and releases its commit log
// segments.
func (k *Keyspace) DropTable(ctx context.Context, name string) error {
	k.mtx.Lock()
	ids, ok := k.bases[name]
	if !ok {
		k.mtx.Unlock()
		return TableNotFoundError{Keyspace: k.name, Table: name}
	}
	stores := make([]*table.Store, 0, len(ids))
	for _, id := range ids {
		s := k.stores[id]
		stores = append(stores, s)
		delete(k.stores, id)
		delete(k.names, s.Name())
	}
	delete(k.bases, name)
	k.def.Tables = slices.DeleteFunc(k.def.Tables, func(t schema.Table) bool { return t.Name == name })
	k.mtx.Unlock()

	ctx = log.WithTable(ctx, k.name, name)
	base := stores[0]
	k.views.Remove(base.ID())
	if err := k.env.WriteOrder.AwaitNewBarrier(ctx); err != nil {
		return fmt.Errorf("failed waiting for writes to %s: %w", name, err)
	}
	if err := k.env.Flushes.Barrier(base.ID().String()).Wait(ctx); err != nil {
		log.Warnw(ctx, "Pending flush failed before drop", "error", err)
	}
	for _, s := range stores {
		if err := s.Invalidate(ctx, true); err != nil {
			return err
		}
		if k.log != nil {
			if err := k.log.DiscardCompleted(ctx, s.ID(), k.log.Context()); err != nil {
				return fmt.Errorf("failed to release commit log of %s: %w", s.Name(), err)
			}
		}
		if err := k.catalog.RemoveTable(ctx, s.ID()); err != nil {
			return fmt.Errorf("failed to remove %s from catalog: %w", s.Name(), err)
		}
	}
	log.Infow(ctx, "Dropped table", "stores", len(stores))
	return k.registry.saveDefinition(ctx, k)
}

// Store returns the store of a table by name.
func (k *Keyspace) Store(name string) (*table.Store, error) {
	k.mtx.RLock()
	defer k.mtx.RUnlock()
	id, ok := k.names[name]
	if !ok {
		return nil, TableNotFoundError{Keyspace: k.name, Table: name}
	}
	return k.stores[id], nil
}

// StoreByID returns the store of a table by ID.
func (k *Keyspace) StoreByID(id uuid.UUID) (*table.Store, bool) {
	k.mtx.RLock()
	defer k.mtx.RUnlock()
	s, ok := k.stores[id]
	return s, ok
}

// Stores returns every store of the keyspace, ordered by name.
func (k *Keyspace) Stores() []*table.Store {
	k.mtx.RLock()
	out := make([]*table.Store, 0, len(k.stores))
	for _, s := range k.stores {
		out = append(out, s)
	}
	k.mtx.RUnlock()
	slices.SortFunc(out, func(a, b *table.Store) int {
		switch {
		case a.Name() < b.Name():
			return -1
		case a.Name() > b.Name():
			return 1
		}
		return 0
	})
	return out
}

// MatchTables returns the names of the keyspace's tables matching a glob
// pattern, in sorted order.
func (k *Keyspace) MatchTables(pattern string) ([]string, error) {
	out := []string{}
	for _, s := range k.Stores() {
		ok, err := doublestar.Match(pattern, s.Name())
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, s.Name())
		}
	}
	return out, nil
}

// Lookup returns the rows of a table whose indexed column holds value.
func (k *Keyspace) Lookup(ctx context.Context, tableName, indexName string, value []byte) ([]index.Hit, error) {
	s, err := k.Store(tableName)
	if err != nil {
		return nil, err
	}
	idx, ok := s.Indexes().Get(indexName)
	if !ok {
		return nil, IndexNotFoundError{Table: tableName, Index: indexName}
	}
	hits, err := idx.Lookup(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", indexName, err)
	}
	return hits, nil
}

// Flush flushes every table of the keyspace holding unflushed writes and
// waits for the flushes to complete.
func (k *Keyspace) Flush(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, s := range k.leaders() {
		group.Go(func() error {
			return s.ForceFlush(ctx).Wait(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed to flush keyspace %s: %w", k.name, err)
	}
	return nil
}

// FlushTable flushes one table and waits for the flush to complete.
func (k *Keyspace) FlushTable(ctx context.Context, name string) error {
	s, err := k.Store(name)
	if err != nil {
		return err
	}
	return s.ForceFlush(ctx).Wait(ctx)
}

// Truncate removes the data written to a table before the call.
func (k *Keyspace) Truncate(ctx context.Context, name string) error {
	s, err := k.Store(name)
	if err != nil {
		return err
	}
	return s.Truncate(ctx)
}

// PendingFlushBytes returns the bytes held by switched memtables awaiting
// flush across the keyspace.
func (k *Keyspace) PendingFlushBytes() int64 {
	var total int64
	for _, s := range k.Stores() {
		total += s.PendingFlushBytes()
	}
	return total
}

func (k *Keyspace) leaders() []*table.Store {
	k.mtx.RLock()
	defer k.mtx.RUnlock()
	out := make([]*table.Store, 0, len(k.bases))
	for _, ids := range k.bases {
		out = append(out, k.stores[ids[0]])
	}
	return out
}

func (k *Keyspace) close(ctx context.Context) error {
	for _, s := range k.Stores() {
		if err := s.Invalidate(ctx, false); err != nil {
			return err
		}
	}
	return nil
}
