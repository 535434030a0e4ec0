package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/mutation"
	"github.com/wkalt/cstore/opord"
	"github.com/wkalt/cstore/storage"
	"github.com/wkalt/cstore/util/log"
)

type memEntry struct {
	Key        mutation.DecoratedKey `json:"key"`
	Clustering string                `json:"clustering"`
	Cell       mutation.Cell         `json:"cell"`
}

type snapshotEntry struct {
	Value []byte `json:"value"`
	memEntry
}

// MemIndex is an unbacked index held in memory. Flush writes a snapshot of
// its entries to a storage provider, from which it is restored on open.
type MemIndex struct {
	name     string
	column   string
	object   string
	provider storage.Provider

	mtx     *sync.RWMutex
	entries map[string]map[string]memEntry
	dirty   bool
}

// NewMemIndex opens an in-memory index whose snapshot is kept under object,
// restoring the last snapshot from provider if there is one.
func NewMemIndex(ctx context.Context, name, column, object string, provider storage.Provider) (*MemIndex, error) {
	m := &MemIndex{
		name:     name,
		column:   column,
		object:   object,
		provider: provider,
		mtx:      &sync.RWMutex{},
		entries:  map[string]map[string]memEntry{},
	}
	data, err := provider.Get(ctx, m.object)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return m, nil
		}
		return nil, fmt.Errorf("failed to read index snapshot: %w", err)
	}
	snapshot := []snapshotEntry{}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode index snapshot: %w", err)
	}
	for _, e := range snapshot {
		bucket, ok := m.entries[string(e.Value)]
		if !ok {
			bucket = map[string]memEntry{}
			m.entries[string(e.Value)] = bucket
		}
		bucket[entryID(e.Key, e.Clustering)] = e.memEntry
	}
	return m, nil
}

func (m *MemIndex) Name() string   { return m.name }
func (m *MemIndex) Column() string { return m.column }
func (m *MemIndex) Backed() bool   { return false }

func (m *MemIndex) Commit(_ context.Context, changes []Change, _ *opord.Group, _ commitlog.Position) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, e := range entryChanges(m.column, changes) {
		cell := mutation.Cell{Timestamp: e.timestamp, Deleted: e.remove}
		if !e.remove {
			cell.Value = []byte{1}
		}
		value := string(e.value)
		bucket, ok := m.entries[value]
		if !ok {
			bucket = map[string]memEntry{}
			m.entries[value] = bucket
		}
		id := entryID(e.key, e.clustering)
		if existing, ok := bucket[id]; ok {
			cell = existing.Cell.Reconcile(cell)
		}
		bucket[id] = memEntry{Key: e.key, Clustering: e.clustering, Cell: cell}
		m.dirty = true
	}
	return nil
}

func (m *MemIndex) Lookup(_ context.Context, value []byte) ([]Hit, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	hits := []Hit{}
	for _, e := range m.entries[string(value)] {
		if e.Cell.Deleted {
			continue
		}
		hits = append(hits, Hit{Key: e.Key, Clustering: e.Clustering})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := a.Key.Compare(b.Key); c != 0 {
			return c
		}
		switch {
		case a.Clustering < b.Clustering:
			return -1
		case a.Clustering > b.Clustering:
			return 1
		}
		return 0
	})
	return hits, nil
}

// Flush writes a snapshot if the index changed since the last one.
func (m *MemIndex) Flush(ctx context.Context) error {
	m.mtx.Lock()
	if !m.dirty {
		m.mtx.Unlock()
		return nil
	}
	snapshot := []snapshotEntry{}
	for value, bucket := range m.entries {
		for _, e := range bucket {
			snapshot = append(snapshot, snapshotEntry{Value: []byte(value), memEntry: e})
		}
	}
	data, err := json.Marshal(snapshot)
	m.dirty = false
	m.mtx.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode index snapshot: %w", err)
	}
	if err := m.provider.Put(ctx, m.object, data); err != nil {
		m.mtx.Lock()
		m.dirty = true
		m.mtx.Unlock()
		return fmt.Errorf("failed to write index snapshot: %w", err)
	}
	log.Debugw(ctx, "Flushed index snapshot", "index", m.name, "bytes", len(data))
	return nil
}

// Truncate drops all entries and the stored snapshot.
func (m *MemIndex) Truncate(ctx context.Context) error {
	m.mtx.Lock()
	m.entries = map[string]map[string]memEntry{}
	m.dirty = false
	m.mtx.Unlock()
	if err := m.provider.Delete(ctx, m.object); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete index snapshot: %w", err)
	}
	return nil
}
