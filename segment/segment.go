package segment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
)

/*
A Segment is an immutable, persisted memtable. The handle is reference
counted: a table's view holds one reference for as long as the segment is
visible, and readers take their own while they use it. A segment removed from
the view is marked obsolete, and its object is deleted when the last reference
is released.

Partitions are read lazily on first access and cached on the handle.
*/

////////////////////////////////////////////////////////////////////////////////

// Meta describes a persisted segment.
type Meta struct {
	Table       uuid.UUID          `json:"table"`
	Generation  uint64             `json:"generation"`
	CreatedAt   time.Time          `json:"createdAt"`
	LowerBound  commitlog.Position `json:"lowerBound"`
	ReplayAfter commitlog.Position `json:"replayAfter"`
	Partitions  int                `json:"partitions"`
	Size        int64              `json:"size"`
	Object      string             `json:"object"`
}

type file struct {
	Meta       Meta                        `json:"meta"`
	Partitions []*mutation.PartitionUpdate `json:"partitions"`
}

// Segment is a reference-counted handle to a persisted segment.
type Segment struct {
	meta     Meta
	store    *Store
	refs     atomic.Int64
	obsolete atomic.Bool

	mtx        *sync.Mutex
	partitions map[string]*mutation.PartitionUpdate
}

func newSegment(meta Meta, store *Store) *Segment {
	s := &Segment{
		meta:  meta,
		store: store,
		mtx:   &sync.Mutex{},
	}
	s.refs.Store(1)
	return s
}

// Meta returns the segment's metadata.
func (s *Segment) Meta() Meta {
	return s.meta
}

// Generation returns the segment's generation.
func (s *Segment) Generation() uint64 {
	return s.meta.Generation
}

// CreatedAt returns the time the segment was persisted.
func (s *Segment) CreatedAt() time.Time {
	return s.meta.CreatedAt
}

// Refs returns the current reference count.
func (s *Segment) Refs() int64 {
	return s.refs.Load()
}

// Ref takes a reference. It fails if the segment has already been released.
func (s *Segment) Ref() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// MarkObsolete schedules the segment for deletion once released.
func (s *Segment) MarkObsolete() {
	s.obsolete.Store(true)
}

// Release drops a reference, deleting an obsolete segment when the count
// reaches zero.
func (s *Segment) Release(ctx context.Context) error {
	n := s.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("segment %d released too many times", s.meta.Generation))
	}
	if n > 0 || !s.obsolete.Load() {
		return nil
	}
	s.mtx.Lock()
	s.partitions = nil
	s.mtx.Unlock()
	return s.store.remove(ctx, s.meta)
}

// Get returns the partition for key, if the segment holds it.
func (s *Segment) Get(ctx context.Context, key mutation.DecoratedKey) (*mutation.PartitionUpdate, bool, error) {
	partitions, err := s.load(ctx)
	if err != nil {
		return nil, false, err
	}
	p, ok := partitions[string(key.Key)]
	if !ok {
		return nil, false, nil
	}
	return p.Copy(), true, nil
}

// Partitions returns every partition in the segment in key order.
func (s *Segment) Partitions(ctx context.Context) ([]*mutation.PartitionUpdate, error) {
	f, err := s.store.read(ctx, s.meta.Object)
	if err != nil {
		return nil, err
	}
	return f.Partitions, nil
}

func (s *Segment) load(ctx context.Context) (map[string]*mutation.PartitionUpdate, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.partitions != nil {
		return s.partitions, nil
	}
	f, err := s.store.read(ctx, s.meta.Object)
	if err != nil {
		return nil, err
	}
	partitions := make(map[string]*mutation.PartitionUpdate, len(f.Partitions))
	for _, p := range f.Partitions {
		partitions[string(p.Key.Key)] = p
	}
	s.partitions = partitions
	return partitions, nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment(%s/%d)", s.meta.Table, s.meta.Generation)
}

func decode(data []byte) (*file, error) {
	f := &file{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to decode segment: %w", err)
	}
	for _, p := range f.Partitions {
		if p.Rows == nil {
			p.Rows = map[string]*mutation.Row{}
		}
	}
	return f, nil
}

