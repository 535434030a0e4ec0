package catalog

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/segment"
)

type memCatalog struct {
	mtx         *sync.Mutex
	generation  uint64
	segments    map[uuid.UUID]map[uint64]segment.Meta
	truncations map[uuid.UUID]TruncationRecord
}

// NewMemCatalog returns an in-memory catalog.
func NewMemCatalog() Catalog {
	return &memCatalog{
		mtx:         &sync.Mutex{},
		segments:    map[uuid.UUID]map[uint64]segment.Meta{},
		truncations: map[uuid.UUID]TruncationRecord{},
	}
}

func (c *memCatalog) NextGeneration(context.Context) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.generation++
	return c.generation, nil
}

func (c *memCatalog) PutSegment(_ context.Context, meta segment.Meta) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	segs, ok := c.segments[meta.Table]
	if !ok {
		segs = map[uint64]segment.Meta{}
		c.segments[meta.Table] = segs
	}
	segs[meta.Generation] = meta
	return nil
}

func (c *memCatalog) RemoveSegment(_ context.Context, table uuid.UUID, generation uint64) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	segs := c.segments[table]
	if _, ok := segs[generation]; !ok {
		return SegmentNotFoundError{table, generation}
	}
	delete(segs, generation)
	return nil
}

func (c *memCatalog) Segments(_ context.Context, table uuid.UUID) ([]segment.Meta, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := []segment.Meta{}
	for _, meta := range c.segments[table] {
		out = append(out, meta)
	}
	slices.SortFunc(out, func(a, b segment.Meta) int {
		return cmp.Compare(a.Generation, b.Generation)
	})
	return out, nil
}

func (c *memCatalog) SaveTruncation(_ context.Context, rec TruncationRecord) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.truncations[rec.Table] = rec
	return nil
}

func (c *memCatalog) Truncation(_ context.Context, table uuid.UUID) (TruncationRecord, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	rec, ok := c.truncations[table]
	if !ok {
		return TruncationRecord{}, ErrTruncationNotFound
	}
	return rec, nil
}

func (c *memCatalog) Truncations(context.Context) (map[uuid.UUID]TruncationRecord, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make(map[uuid.UUID]TruncationRecord, len(c.truncations))
	for k, v := range c.truncations {
		out[k] = v
	}
	return out, nil
}

func (c *memCatalog) RemoveTable(_ context.Context, table uuid.UUID) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.segments, table)
	delete(c.truncations, table)
	return nil
}
