package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/wkalt/cstore/opord"
)

/*
Pool is a soft limit on the memory held by memtables across all tables.
Writers allocate before writing; when the pool is over its limit they wait
until a flush releases memory, or until the barrier they are behind is marked
blocking, at which point they proceed regardless so the flush that would free
memory is not stuck waiting on them.

When the memory not already being reclaimed by a flush crosses the cleanup
threshold, the pool invokes its cleaner, normally a function that flushes the
largest memtable. At most one cleaner call runs at a time.
*/

////////////////////////////////////////////////////////////////////////////////

// Pool tracks memtable memory against a soft limit.
type Pool struct {
	limit        int64
	cleanupRatio float64

	mtx        sync.Mutex
	used       int64
	reclaiming int64
	freed      chan struct{}

	cleaner  func()
	cleaning atomic.Bool
}

// NewPool returns a pool with the given limit in bytes. A limit of zero
// disables throttling and cleaning.
func NewPool(limit int64, cleanupRatio float64) *Pool {
	return &Pool{
		limit:        limit,
		cleanupRatio: cleanupRatio,
		freed:        make(chan struct{}),
	}
}

// SetCleaner installs the function invoked under memory pressure.
func (p *Pool) SetCleaner(fn func()) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.cleaner = fn
}

// Allocate reserves n bytes, waiting while the pool is over its limit unless
// the group is behind a blocking barrier. A nil group never waits, and an
// empty pool always admits the allocation.
func (p *Pool) Allocate(g *opord.Group, n int64) {
	for {
		p.mtx.Lock()
		if p.limit <= 0 || p.used == 0 || p.used+n <= p.limit || g == nil || g.IsBlocking() {
			p.used += n
			clean := p.needsCleaning()
			p.mtx.Unlock()
			if clean {
				p.clean()
			}
			return
		}
		freed := p.freed
		clean := p.needsCleaning()
		p.mtx.Unlock()
		if clean {
			p.clean()
		}
		select {
		case <-freed:
		case <-g.Blocking():
		}
	}
}

// MarkReclaiming records that n allocated bytes belong to a memtable that is
// being flushed.
func (p *Pool) MarkReclaiming(n int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.reclaiming += n
}

// Release returns n bytes of a discarded memtable to the pool, of which
// reclaimed bytes were previously marked reclaiming, and wakes waiting
// writers.
func (p *Pool) Release(n, reclaimed int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.used -= n
	p.reclaiming -= reclaimed
	close(p.freed)
	p.freed = make(chan struct{})
}

// Used returns the bytes currently allocated.
func (p *Pool) Used() int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.used
}

// Reclaiming returns the allocated bytes held by memtables being flushed.
func (p *Pool) Reclaiming() int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.reclaiming
}

func (p *Pool) needsCleaning() bool {
	if p.limit <= 0 || p.cleaner == nil {
		return false
	}
	return float64(p.used-p.reclaiming) > float64(p.limit)*p.cleanupRatio
}

func (p *Pool) clean() {
	if !p.cleaning.CompareAndSwap(false, true) {
		return
	}
	p.mtx.Lock()
	fn := p.cleaner
	p.mtx.Unlock()
	go func() {
		defer p.cleaning.Store(false)
		fn()
	}()
}
