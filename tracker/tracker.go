package tracker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/segment"
	"github.com/wkalt/cstore/util/log"
)

/*
The tracker owns a table's View. Every transition builds a new View from the
current one and installs it with a compare-and-swap, retrying on contention,
so readers load the pointer without locking and never observe a partial
update. The tracker holds one reference on each segment in the view; a reader
that needs segments to stay on storage for the duration of a read takes its
own through Acquire.
*/

////////////////////////////////////////////////////////////////////////////////

// Lifecycle is notified of view transitions. Notifications are delivered
// after the new view is installed.
type Lifecycle interface {
	MemtableSwitched(old *memtable.Memtable, truncating bool)
	MemtableFlushed(m *memtable.Memtable, seg *segment.Segment)
	SegmentsAdded(segs []*segment.Segment)
	SegmentsRemoved(segs []*segment.Segment)
}

// NopLifecycle ignores notifications.
type NopLifecycle struct{}

func (NopLifecycle) MemtableSwitched(*memtable.Memtable, bool) {}
func (NopLifecycle) MemtableFlushed(*memtable.Memtable, *segment.Segment) {}
func (NopLifecycle) SegmentsAdded([]*segment.Segment) {}
func (NopLifecycle) SegmentsRemoved([]*segment.Segment) {}

// Tracker manages the view of one table.
type Tracker struct {
	view      atomic.Pointer[View]
	lifecycle Lifecycle
}

// New returns a tracker whose view holds only the initial memtable.
func New(initial *memtable.Memtable, lifecycle Lifecycle) *Tracker {
	if lifecycle == nil {
		lifecycle = NopLifecycle{}
	}
	t := &Tracker{lifecycle: lifecycle}
	t.view.Store(&View{Live: []*memtable.Memtable{initial}})
	return t
}

// View returns the current view.
func (t *Tracker) View() *View {
	return t.view.Load()
}

func (t *Tracker) apply(fn func(*View) *View) (*View, *View) {
	for {
		cur := t.view.Load()
		next := fn(cur)
		if t.view.CompareAndSwap(cur, next) {
			return cur, next
		}
	}
}

// SwitchMemtable installs next as the current memtable and returns the
// memtable it replaced. The replaced memtable stays live until marked
// flushing.
func (t *Tracker) SwitchMemtable(truncating bool, next *memtable.Memtable) *memtable.Memtable {
	prev, _ := t.apply(func(v *View) *View {
		out := v.clone()
		out.Live = append([]*memtable.Memtable{next}, out.Live...)
		return out
	})
	old := prev.Current()
	t.lifecycle.MemtableSwitched(old, truncating)
	return old
}

// MarkFlushing moves a switched-out memtable from the live list to the
// flushing list. It must be called only after the memtable's write barrier
// has completed.
func (t *Tracker) MarkFlushing(m *memtable.Memtable) {
	t.apply(func(v *View) *View {
		out := v.clone()
		var ok bool
		if out.Live, ok = without(out.Live, m); ok {
			out.Flushing = append(out.Flushing, m)
		}
		return out
	})
	m.MarkFlushing()
}

// ReplaceFlushed removes a flushed memtable and adds the segment that
// replaced it, if any, in a single transition. The tracker takes ownership of
// the segment's reference.
func (t *Tracker) ReplaceFlushed(m *memtable.Memtable, seg *segment.Segment) {
	_, next := t.apply(func(v *View) *View {
		out := v.clone()
		out.Flushing, _ = without(out.Flushing, m)
		out.Live, _ = without(out.Live, m)
		if seg != nil {
			out.Segments = append(out.Segments, seg)
		}
		return out
	})
	if len(next.Live) == 0 {
		panic(fmt.Sprintf("tracker: current memtable for %s replaced", m.Table()))
	}
	t.lifecycle.MemtableFlushed(m, seg)
}

// AddSegments adds segments to the view, taking ownership of their
// references.
func (t *Tracker) AddSegments(segs []*segment.Segment) {
	if len(segs) == 0 {
		return
	}
	t.apply(func(v *View) *View {
		out := v.clone()
		out.Segments = append(out.Segments, segs...)
		return out
	})
	t.lifecycle.SegmentsAdded(segs)
}

// RemoveSegments removes the segments matching pred from the view and returns
// them. The caller takes ownership of the view's references.
func (t *Tracker) RemoveSegments(pred func(*segment.Segment) bool) []*segment.Segment {
	var removed []*segment.Segment
	t.apply(func(v *View) *View {
		removed = removed[:0]
		out := v.clone()
		kept := out.Segments[:0]
		for _, s := range out.Segments {
			if pred(s) {
				removed = append(removed, s)
			} else {
				kept = append(kept, s)
			}
		}
		out.Segments = kept
		return out
	})
	if len(removed) > 0 {
		t.lifecycle.SegmentsRemoved(removed)
	}
	return removed
}

// MemtableFor returns the memtable a write from group g at position pos
// belongs in. Live memtables are checked oldest first, so writes behind a
// switch's barrier land in the memtable that switch froze.
func (t *Tracker) MemtableFor(g *opord.Group, pos commitlog.Position) *memtable.Memtable {
	v := t.View()
	for i := len(v.Live) - 1; i >= 0; i-- {
		if v.Live[i].Accepts(g, pos) {
			return v.Live[i]
		}
	}
	panic(fmt.Sprintf("tracker: no memtable accepts write at %s", pos))
}

// Acquire returns the current view with a reference held on each of its
// segments. The returned function releases them.
func (t *Tracker) Acquire(ctx context.Context) (*View, func()) {
	for {
		v := t.View()
		acquired := make([]*segment.Segment, 0, len(v.Segments))
		ok := true
		for _, s := range v.Segments {
			if !s.Ref() {
				ok = false
				break
			}
			acquired = append(acquired, s)
		}
		if ok {
			return v, func() { release(ctx, acquired) }
		}
		release(ctx, acquired)
	}
}

func release(ctx context.Context, segs []*segment.Segment) {
	for _, s := range segs {
		if err := s.Release(ctx); err != nil {
			log.Errorw(ctx, "Failed to release segment", "segment", s.String(), "error", err)
		}
	}
}
