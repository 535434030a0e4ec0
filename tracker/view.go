package tracker

import (
	"slices"
	"time"

	"github.com/wkalt/cstore/memtable"
	"github.com/wkalt/cstore/segment"
)

// View is an immutable snapshot of a table's memtables and segments. Live
// memtables are ordered newest first, and the first is the current one.
// Flushing memtables have passed their write barrier and are waiting to be
// replaced by a segment.
type View struct {
	Live     []*memtable.Memtable
	Flushing []*memtable.Memtable
	Segments []*segment.Segment
}

// Current returns the memtable receiving new writes.
func (v *View) Current() *memtable.Memtable {
	return v.Live[0]
}

// Memtables returns every memtable readers must consult, newest first.
func (v *View) Memtables() []*memtable.Memtable {
	out := make([]*memtable.Memtable, 0, len(v.Live)+len(v.Flushing))
	out = append(out, v.Live...)
	return append(out, v.Flushing...)
}

// SegmentsCreatedBefore returns the segments persisted before t.
func (v *View) SegmentsCreatedBefore(t time.Time) []*segment.Segment {
	out := []*segment.Segment{}
	for _, s := range v.Segments {
		if s.CreatedAt().Before(t) {
			out = append(out, s)
		}
	}
	return out
}

// PendingFlushBytes returns the memory held by memtables that have been
// switched out but not yet persisted.
func (v *View) PendingFlushBytes() int64 {
	var n int64
	for _, m := range v.Live[1:] {
		n += m.LiveBytes()
	}
	for _, m := range v.Flushing {
		n += m.LiveBytes()
	}
	return n
}

func (v *View) clone() *View {
	return &View{
		Live:     slices.Clone(v.Live),
		Flushing: slices.Clone(v.Flushing),
		Segments: slices.Clone(v.Segments),
	}
}

func without[T comparable](items []T, item T) ([]T, bool) {
	i := slices.Index(items, item)
	if i < 0 {
		return items, false
	}
	return slices.Delete(items, i, i+1), true
}
