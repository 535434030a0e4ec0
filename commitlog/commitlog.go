package commitlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/wkalt/cstore/util"
	"github.com/wkalt/cstore/util/log"
)

/*
The commit log manager owns the directory of log segments. Every mutation
applied to a durable keyspace is appended here before it is written to any
memtable, and the returned Position is carried into the memtable so that a
flush knows which portion of the log its data covers.

Segments are named by the decimal representation of their ID and are written
strictly in ID order. For each segment the manager tracks, per table, the
offset of the last record that touched that table. When a table finishes
flushing up to some position it calls DiscardCompleted; the table is then
clean in every segment at or below that position. Segments with no dirty
tables, other than the active one, are deleted.

On startup the manager begins a fresh active segment after any existing ones.
Existing segments are exposed through Replay and removed once the caller has
re-applied and flushed their contents.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	megabyte = 1 << 20
)

// Entry is a replayed commit log record.
type Entry struct {
	Position Position
	Tables   []uuid.UUID
	Data     []byte
}

// Manager is the commit log manager.
type Manager struct {
	dir      string
	mtx      *sync.Mutex
	f        *os.File
	bw       *bufio.Writer
	writer   *writer
	counter  uint64
	dirty    map[uint64]map[uuid.UUID]uint64
	replayed []uint64
	closed   bool
	config   *config
}

// NewManager opens the commit log in dir, starting a new active segment.
func NewManager(ctx context.Context, dir string, opts ...Option) (*Manager, error) {
	conf := &config{
		targetFileSize: 32 * megabyte,
	}
	for _, opt := range opts {
		opt(conf)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}
	ids, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dir:      dir,
		mtx:      &sync.Mutex{},
		dirty:    map[uint64]map[uuid.UUID]uint64{},
		replayed: ids,
		config:   conf,
	}
	if len(ids) > 0 {
		m.counter = ids[len(ids)-1]
		log.Infof(ctx, "Found %d commit log segments to replay", len(ids))
	}
	if err := m.rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Append writes a mutation record touching the given tables and returns the
// position just past it.
func (m *Manager) Append(ctx context.Context, tables []uuid.UUID, payload []byte) (Position, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return Position{}, ErrClosed
	}
	end, err := m.writer.writeRecord(RecordMutation, encodeMutationRecord(tables, payload))
	if err != nil {
		return Position{}, err
	}
	if err := m.bw.Flush(); err != nil {
		return Position{}, fmt.Errorf("failed to flush commit log: %w", err)
	}
	if m.config.syncWrites {
		if err := m.f.Sync(); err != nil {
			return Position{}, fmt.Errorf("failed to sync commit log: %w", err)
		}
	}
	dirty := m.dirty[m.counter]
	for _, id := range tables {
		dirty[id] = uint64(end)
	}
	pos := Position{Segment: m.counter, Offset: uint64(end)}
	if end > m.config.targetFileSize {
		if err := m.rotate(); err != nil {
			return pos, err
		}
		log.Debugw(ctx, "Rotated commit log", "segment", m.counter)
	}
	return pos, nil
}

// Context returns the position just past the last record written. Any record
// appended later has a strictly greater position.
func (m *Manager) Context() Position {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return Position{Segment: m.counter, Offset: uint64(m.writer.offset)}
}

// DiscardCompleted marks the table clean in every segment up to pos and
// deletes segments that no longer hold dirty data.
func (m *Manager) DiscardCompleted(ctx context.Context, table uuid.UUID, pos Position) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	removable := []uint64{}
	for _, id := range util.Okeys(m.dirty) {
		if id > pos.Segment {
			break
		}
		dirty := m.dirty[id]
		if offset, ok := dirty[table]; ok && (id < pos.Segment || offset <= pos.Offset) {
			delete(dirty, table)
		}
		if len(dirty) == 0 && id != m.counter {
			removable = append(removable, id)
		}
	}
	for _, id := range removable {
		if err := os.Remove(m.segmentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove commit log segment %d: %w", id, err)
		}
		delete(m.dirty, id)
	}
	if len(removable) > 0 {
		log.Debugw(ctx, "Removed commit log segments", "table", table, "segments", removable)
	}
	return nil
}

// ActiveSegments returns the IDs of the segments that still hold dirty data,
// including the active one.
func (m *Manager) ActiveSegments() []uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return util.Okeys(m.dirty)
}

// DirtyTables returns the tables holding undiscarded data in any segment.
func (m *Manager) DirtyTables() []uuid.UUID {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	seen := map[uuid.UUID]struct{}{}
	out := []uuid.UUID{}
	for _, dirty := range m.dirty {
		for id := range dirty {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// Replay calls fn for every record in the segments that existed when the
// manager was opened, in log order. A torn record at the tail of a segment is
// truncated away.
func (m *Manager) Replay(ctx context.Context, fn func(Entry) error) error {
	m.mtx.Lock()
	ids := slices.Clone(m.replayed)
	m.mtx.Unlock()
	count := 0
	for _, id := range ids {
		n, err := m.scanfile(ctx, id, fn)
		if err != nil {
			return err
		}
		count += n
	}
	log.Infow(ctx, "Commit log replay complete", "segments", len(ids), "records", count)
	return nil
}

// DiscardReplayed deletes the segments that existed when the manager was
// opened. It must only be called once their contents have been re-applied and
// flushed.
func (m *Manager) DiscardReplayed(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, id := range m.replayed {
		if err := os.Remove(m.segmentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove replayed segment %d: %w", id, err)
		}
	}
	if len(m.replayed) > 0 {
		log.Infof(ctx, "Removed %d replayed commit log segments", len(m.replayed))
	}
	m.replayed = nil
	return nil
}

// Close closes the active segment.
func (m *Manager) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush commit log: %w", err)
	}
	if err := m.f.Close(); err != nil {
		return fmt.Errorf("failed to close commit log: %w", err)
	}
	return nil
}

func (m *Manager) segmentPath(id uint64) string {
	return path.Join(m.dir, strconv.FormatUint(id, 10))
}

func (m *Manager) rotate() error {
	if m.f != nil {
		if err := m.bw.Flush(); err != nil {
			return fmt.Errorf("failed to flush log file: %w", err)
		}
		if err := m.f.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		if len(m.dirty[m.counter]) == 0 {
			if err := os.Remove(m.segmentPath(m.counter)); err != nil {
				return fmt.Errorf("failed to remove clean segment: %w", err)
			}
			delete(m.dirty, m.counter)
		}
	}
	m.counter++
	f, err := os.OpenFile(m.segmentPath(m.counter), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new log file: %w", err)
	}
	m.f = f
	m.bw = bufio.NewWriter(f)
	m.writer, err = newWriter(m.bw, 0)
	if err != nil {
		return fmt.Errorf("failed to create new log writer: %w", err)
	}
	if err := m.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log header: %w", err)
	}
	m.dirty[m.counter] = map[uuid.UUID]uint64{}
	return nil
}

func (m *Manager) scanfile(ctx context.Context, id uint64, fn func(Entry) error) (int, error) {
	f, err := os.OpenFile(m.segmentPath(id), os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open commit log segment: %w", err)
	}
	defer f.Close()
	r, err := newReader(bufio.NewReader(f))
	if err != nil {
		if errors.Is(err, ErrBadMagic) {
			log.Warnw(ctx, "Skipping commit log segment with bad header", "segment", id)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to construct commit log reader: %w", err)
	}
	count := 0
	for {
		rectype, data, err := r.next()
		if err != nil {
			switch {
			case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, CRCMismatchError{}):
				if err := f.Truncate(r.offset); err != nil {
					return count, fmt.Errorf("failed to truncate file: %w", err)
				}
				log.Warnw(ctx, "Truncated torn commit log segment", "segment", id, "offset", r.offset)
				return count, nil
			case errors.Is(err, io.EOF):
				return count, nil
			}
			return count, fmt.Errorf("failed to read next commit log record: %w", err)
		}
		if rectype != RecordMutation {
			return count, fmt.Errorf("unexpected record type %s in segment %d", rectype, id)
		}
		tables, payload, err := parseMutationRecord(data)
		if err != nil {
			return count, fmt.Errorf("failed to parse record in segment %d: %w", id, err)
		}
		entry := Entry{
			Position: Position{Segment: id, Offset: uint64(r.offset)},
			Tables:   tables,
			Data:     payload,
		}
		if err := fn(entry); err != nil {
			return count, err
		}
		count++
	}
}

func listSegments(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list commit log directory: %w", err)
	}
	ids := make([]uint64, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(f.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
