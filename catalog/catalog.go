package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/segment"
)

/*
The catalog is the node's system metadata: the generation counter used to
name segments, the list of live segments for each table, and per-table
truncation records. It has a SQLite implementation for servers and an
in-memory one for tests.

A truncation record holds the time a table was truncated and the commit log
position below which that table's records must not be replayed.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrTruncationNotFound is returned when a table has never been truncated.
var ErrTruncationNotFound = errors.New("truncation record not found")

// SegmentNotFoundError is returned when a segment is not in the catalog.
type SegmentNotFoundError struct {
	Table      uuid.UUID
	Generation uint64
}

func (e SegmentNotFoundError) Error() string {
	return fmt.Sprintf("segment %s/%d not found", e.Table, e.Generation)
}

func (e SegmentNotFoundError) Is(target error) bool {
	_, ok := target.(SegmentNotFoundError)
	return ok
}

// TruncationRecord records a table truncation.
type TruncationRecord struct {
	Table       uuid.UUID          `json:"table"`
	TruncatedAt time.Time          `json:"truncatedAt"`
	ReplayAfter commitlog.Position `json:"replayAfter"`
}

// Catalog is the interface to system metadata.
type Catalog interface {
	NextGeneration(ctx context.Context) (uint64, error)
	PutSegment(ctx context.Context, meta segment.Meta) error
	RemoveSegment(ctx context.Context, table uuid.UUID, generation uint64) error
	Segments(ctx context.Context, table uuid.UUID) ([]segment.Meta, error)
	SaveTruncation(ctx context.Context, rec TruncationRecord) error
	Truncation(ctx context.Context, table uuid.UUID) (TruncationRecord, error)
	Truncations(ctx context.Context) (map[uuid.UUID]TruncationRecord, error)
	RemoveTable(ctx context.Context, table uuid.UUID) error
}
