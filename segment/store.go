package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/storage"
	"github.com/wkalt/cstore/util/log"
)

/*
The segment store persists memtables to a storage provider and records them
in the catalog. A segment object is the JSON encoding of its metadata and
partitions, named by table ID and generation.
*/

////////////////////////////////////////////////////////////////////////////////

// Catalog is the subset of system metadata the segment store maintains.
type Catalog interface {
	NextGeneration(ctx context.Context) (uint64, error)
	PutSegment(ctx context.Context, meta Meta) error
	RemoveSegment(ctx context.Context, table uuid.UUID, generation uint64) error
	Segments(ctx context.Context, table uuid.UUID) ([]Meta, error)
}

// Source is a frozen memtable to be persisted.
type Source interface {
	Table() uuid.UUID
	Partitions() []*mutation.PartitionUpdate
	LowerBound() commitlog.Position
	UpperBound() (commitlog.Position, bool)
}

// Store persists and loads segments.
type Store struct {
	provider storage.Provider
	catalog  Catalog
}

// NewStore returns a segment store.
func NewStore(provider storage.Provider, catalog Catalog) *Store {
	return &Store{provider: provider, catalog: catalog}
}

// Persist writes the source's partitions as a new segment. The returned
// handle holds one reference, owned by the caller.
func (s *Store) Persist(ctx context.Context, src Source) (*Segment, error) {
	generation, err := s.catalog.NextGeneration(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate generation: %w", err)
	}
	partitions := src.Partitions()
	upper, _ := src.UpperBound()
	meta := Meta{
		Table:       src.Table(),
		Generation:  generation,
		CreatedAt:   time.Now(),
		LowerBound:  src.LowerBound(),
		ReplayAfter: upper,
		Partitions:  len(partitions),
		Object:      fmt.Sprintf("%s/%d.json", src.Table(), generation),
	}
	data, err := json.Marshal(file{Meta: meta, Partitions: partitions})
	if err != nil {
		return nil, fmt.Errorf("failed to encode segment: %w", err)
	}
	meta.Size = int64(len(data))
	if err := s.provider.Put(ctx, meta.Object, data); err != nil {
		return nil, fmt.Errorf("failed to write segment %s: %w", meta.Object, err)
	}
	if err := s.catalog.PutSegment(ctx, meta); err != nil {
		if derr := s.provider.Delete(ctx, meta.Object); derr != nil {
			log.Errorw(ctx, "Failed to remove orphaned segment", "object", meta.Object, "error", derr)
		}
		return nil, fmt.Errorf("failed to record segment: %w", err)
	}
	return newSegment(meta, s), nil
}

// Load returns handles for every cataloged segment of a table.
func (s *Store) Load(ctx context.Context, table uuid.UUID) ([]*Segment, error) {
	metas, err := s.catalog.Segments(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	segments := make([]*Segment, len(metas))
	for i, meta := range metas {
		segments[i] = newSegment(meta, s)
	}
	return segments, nil
}

// Provider returns the underlying storage provider.
func (s *Store) Provider() storage.Provider {
	return s.provider
}

func (s *Store) read(ctx context.Context, object string) (*file, error) {
	data, err := s.provider.Get(ctx, object)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", object, err)
	}
	return decode(data)
}

func (s *Store) remove(ctx context.Context, meta Meta) error {
	if err := s.catalog.RemoveSegment(ctx, meta.Table, meta.Generation); err != nil {
		return fmt.Errorf("failed to uncatalog segment: %w", err)
	}
	if err := s.provider.Delete(ctx, meta.Object); err != nil {
		return fmt.Errorf("failed to delete segment object: %w", err)
	}
	log.Debugw(ctx, "Deleted segment", "object", meta.Object)
	return nil
}
