package opord

import (
	"context"
	"sync"
	"sync/atomic"
)

/*
Package opord provides an ordering primitive for in-flight operations. Callers
bracket each operation with Start and Group.Close. A Barrier, once issued,
partitions all groups into those started before the issue point ("behind" the
barrier) and those started after it. Awaiting a barrier blocks until every
group behind it has closed.

Groups are tracked in epochs. Each epoch holds an atomic counter of open
groups, with the high bit reserved to mark the epoch as issued. Issuing a
barrier installs a fresh epoch for new groups and then seals the old one, so
starting a group never takes a lock; it at most retries a single CAS against
the newly installed epoch. An epoch is complete once it is sealed, drained,
and every earlier epoch is complete, which makes barriers monotone: a barrier
issued later always waits for everything an earlier barrier waits for.
*/

////////////////////////////////////////////////////////////////////////////////

const issuedBit = int64(1) << 62

// Order is a sequence of operation groups and the barriers issued against them.
type Order struct {
	mtx     sync.Mutex
	current atomic.Pointer[epoch]
}

type epoch struct {
	order *Order
	id    uint64
	state atomic.Int64

	// guarded by order.mtx
	prev     *epoch
	next     *epoch
	drained  bool
	blocking bool

	complete    chan struct{}
	blockingSig chan struct{}
}

// NewOrder constructs a new Order.
func NewOrder() *Order {
	o := &Order{}
	o.current.Store(o.newEpoch(1, nil))
	return o
}

func (o *Order) newEpoch(id uint64, prev *epoch) *epoch {
	return &epoch{
		order:       o,
		id:          id,
		prev:        prev,
		complete:    make(chan struct{}),
		blockingSig: make(chan struct{}),
	}
}

// Start opens a new operation group. The group must be closed exactly once.
func (o *Order) Start() *Group {
	for {
		e := o.current.Load()
		if e.register() {
			return &Group{epoch: e}
		}
	}
}

// NewBarrier returns an unissued barrier on the order.
func (o *Order) NewBarrier() *Barrier {
	return &Barrier{order: o}
}

// AwaitNewBarrier issues a barrier and waits for it.
func (o *Order) AwaitNewBarrier(ctx context.Context) error {
	b := o.NewBarrier()
	b.Issue()
	return b.Await(ctx)
}

// seal installs a new current epoch and returns the sealed predecessor.
func (o *Order) seal() *epoch {
	o.mtx.Lock()
	cur := o.current.Load()
	next := o.newEpoch(cur.id+1, cur)
	cur.next = next
	o.current.Store(next)
	o.mtx.Unlock()
	cur.issue()
	return cur
}

func (o *Order) markDrained(e *epoch) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	e.drained = true
	for e != nil && e.drained && e.prev == nil {
		close(e.complete)
		next := e.next
		if next != nil {
			next.prev = nil
		}
		e.next = nil
		e = next
	}
}

func (o *Order) markBlocking(e *epoch) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	for ; e != nil; e = e.prev {
		if e.blocking {
			return
		}
		e.blocking = true
		close(e.blockingSig)
	}
}

func (e *epoch) register() bool {
	for {
		s := e.state.Load()
		if s&issuedBit != 0 {
			return false
		}
		if e.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

func (e *epoch) unregister() {
	if e.state.Add(-1) == issuedBit {
		e.order.markDrained(e)
	}
}

func (e *epoch) issue() {
	for {
		s := e.state.Load()
		if e.state.CompareAndSwap(s, s|issuedBit) {
			if s == 0 {
				e.order.markDrained(e)
			}
			return
		}
	}
}

// Group is an in-flight operation registered with an Order.
type Group struct {
	epoch  *epoch
	closed atomic.Bool
}

// Close releases the group. Closing a group twice panics.
func (g *Group) Close() {
	if !g.closed.CompareAndSwap(false, true) {
		panic("opord: group closed twice")
	}
	g.epoch.unregister()
}

// Blocking returns a channel that is closed once a barrier the group is
// behind has been marked blocking. Operations throttled by soft limits select
// on it to avoid deadlocking against the barrier's waiter.
func (g *Group) Blocking() <-chan struct{} {
	return g.epoch.blockingSig
}

// IsBlocking reports whether a barrier the group is behind is blocking.
func (g *Group) IsBlocking() bool {
	select {
	case <-g.epoch.blockingSig:
		return true
	default:
		return false
	}
}

// Barrier separates groups started before its issue point from those started
// after.
type Barrier struct {
	order  *Order
	issued atomic.Bool
	epoch  atomic.Pointer[epoch]
}

// Issue fixes the barrier at the current position of the order. It must be
// called exactly once.
func (b *Barrier) Issue() {
	if !b.issued.CompareAndSwap(false, true) {
		panic("opord: barrier issued twice")
	}
	b.epoch.Store(b.order.seal())
}

// Issued reports whether the barrier has been issued.
func (b *Barrier) Issued() bool {
	return b.epoch.Load() != nil
}

// IsAfter reports whether the group started before the barrier's issue
// point. An unissued barrier is after every group.
func (b *Barrier) IsAfter(g *Group) bool {
	e := b.epoch.Load()
	if e == nil {
		return true
	}
	return g.epoch.id <= e.id
}

// MarkBlocking signals groups behind the barrier that they may proceed past
// soft limits. The barrier must be issued.
func (b *Barrier) MarkBlocking() {
	e := b.epoch.Load()
	if e == nil {
		panic("opord: barrier not issued")
	}
	b.order.markBlocking(e)
}

// Done returns a channel closed once every group behind the barrier has
// closed. The barrier must be issued.
func (b *Barrier) Done() <-chan struct{} {
	e := b.epoch.Load()
	if e == nil {
		panic("opord: barrier not issued")
	}
	return e.complete
}

// Await blocks until every group behind the barrier has closed or the context
// is canceled.
func (b *Barrier) Await(ctx context.Context) error {
	select {
	case <-b.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
