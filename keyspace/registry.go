package keyspace

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wkalt/cstore/catalog"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/metrics"
	"github.com/wkalt/cstore/schema"
	"github.com/wkalt/cstore/segment"
	"github.com/wkalt/cstore/storage"
	"github.com/wkalt/cstore/table"
	"github.com/wkalt/cstore/taskq"
	"github.com/wkalt/cstore/util/log"
)

// Registry holds the open keyspaces of a process and the resources they
// share: the commit log, the catalog, segment storage, the memtable memory
// pool, and the background queues that flush and reclaim memtables.
type Registry struct {
	log       *commitlog.Manager
	catalog   catalog.Catalog
	segments  *segment.Store
	pool      *memtable.Pool
	flushes   *taskq.Queue
	reclaims  *taskq.Queue
	resubmits *taskq.Queue
	config    config

	mtx       *sync.RWMutex
	keyspaces map[string]*Keyspace
}

// NewRegistry returns a registry. Durable keyspaces append to cl, which may
// be nil to disable the commit log entirely.
func NewRegistry(
	ctx context.Context,
	cl *commitlog.Manager,
	cat catalog.Catalog,
	provider storage.Provider,
	opts ...Option,
) *Registry {
	conf := config{
		writeTimeout:    2 * time.Second,
		resubmit:        true,
		flushWorkers:    2,
		cleanupRatio:    0.5,
		viewLockStripes: 1024,
		metrics:         metrics.Noop{},
	}
	for _, opt := range opts {
		opt(&conf)
	}
	r := &Registry{
		log:       cl,
		catalog:   cat,
		segments:  segment.NewStore(provider, cat),
		pool:      memtable.NewPool(conf.memtableSpace, conf.cleanupRatio),
		flushes:   taskq.New(ctx, conf.flushWorkers),
		reclaims:  taskq.New(ctx, 1),
		resubmits: taskq.New(ctx, conf.flushWorkers),
		config:    conf,
		mtx:       &sync.RWMutex{},
		keyspaces: map[string]*Keyspace{},
	}
	r.pool.SetCleaner(func() {
		ctx := log.AddTags(context.Background(), "cleaner", "memtable")
		if err := r.FlushLargest(ctx).Wait(ctx); err != nil {
			log.Errorw(ctx, "Failed to flush largest memtable", "error", err)
		}
	})
	return r
}

// Open opens a keyspace, or returns it if it is already open.
func (r *Registry) Open(ctx context.Context, def schema.Keyspace) (*Keyspace, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if k, ok := r.keyspaces[def.Name]; ok {
		return k, nil
	}
	k, err := newKeyspace(ctx, r, def)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyspace %s: %w", def.Name, err)
	}
	if r.config.schemas != nil {
		if err := r.config.schemas.Put(ctx, k.Definition()); err != nil {
			return nil, err
		}
	}
	r.keyspaces[def.Name] = k
	return k, nil
}

// OpenStored opens every keyspace recorded in the schema store.
func (r *Registry) OpenStored(ctx context.Context) error {
	if r.config.schemas == nil {
		return nil
	}
	defs, err := r.config.schemas.List(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := r.Open(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) saveDefinition(ctx context.Context, k *Keyspace) error {
	if r.config.schemas == nil {
		return nil
	}
	if err := r.config.schemas.Put(ctx, k.Definition()); err != nil {
		return fmt.Errorf("failed to save keyspace %s: %w", k.name, err)
	}
	return nil
}

// Get returns an open keyspace.
func (r *Registry) Get(name string) (*Keyspace, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	k, ok := r.keyspaces[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyspaceNotFound, name)
	}
	return k, nil
}

// Keyspaces returns the open keyspaces ordered by name.
func (r *Registry) Keyspaces() []*Keyspace {
	r.mtx.RLock()
	out := make([]*Keyspace, 0, len(r.keyspaces))
	for _, k := range r.keyspaces {
		out = append(out, k)
	}
	r.mtx.RUnlock()
	slices.SortFunc(out, func(a, b *Keyspace) int {
		return strings.Compare(a.name, b.name)
	})
	return out
}

// Pool returns the memtable memory pool.
func (r *Registry) Pool() *memtable.Pool {
	return r.pool
}

// FlushLargest switches out the largest live memtable of any table. It is
// the memory pool's cleaner.
func (r *Registry) FlushLargest(ctx context.Context) *taskq.Future {
	var largest *table.Store
	var size int64
	for _, k := range r.Keyspaces() {
		for _, s := range k.Stores() {
			if n := s.LiveBytes(); n > size {
				largest, size = s, n
			}
		}
	}
	if largest == nil {
		return taskq.Completed(nil)
	}
	log.Infow(ctx, "Flushing largest memtable",
		"table", largest.Name(), "size", humanize.Bytes(uint64(size)),
		"used", humanize.Bytes(uint64(r.pool.Used())),
	)
	return largest.SwitchMemtableIfCurrent(ctx, largest.View().Current())
}

// Flush flushes every open keyspace.
func (r *Registry) Flush(ctx context.Context) error {
	for _, k := range r.Keyspaces() {
		if err := k.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background work, waiting for queued flushes to finish until
// ctx is done, and releases the keyspaces' segments.
func (r *Registry) Close(ctx context.Context) error {
	errs := []error{
		r.resubmits.Close(ctx),
		r.flushes.Close(ctx),
		r.reclaims.Close(ctx),
	}
	for _, k := range r.Keyspaces() {
		errs = append(errs, k.close(ctx))
	}
	return errors.Join(errs...)
}
