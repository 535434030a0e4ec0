package mutation

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

/*
A Mutation bundles the partition updates for one partition key across the
tables of a keyspace. Each table appears at most once. Mutations are built with
Add and are not modified after they are handed to a keyspace; Merge and Without
produce new values.
*/

////////////////////////////////////////////////////////////////////////////////

// Mutation is a set of per-table updates to one partition key.
type Mutation struct {
	keyspace  string
	key       DecoratedKey
	updates   map[uuid.UUID]*PartitionUpdate
	createdAt time.Time
}

// New returns an empty mutation for a keyspace and key.
func New(keyspace string, key DecoratedKey) *Mutation {
	return &Mutation{
		keyspace:  keyspace,
		key:       key,
		updates:   map[uuid.UUID]*PartitionUpdate{},
		createdAt: time.Now(),
	}
}

// FromUpdate returns a mutation holding a single update.
func FromUpdate(keyspace string, update *PartitionUpdate) *Mutation {
	m := New(keyspace, update.Key)
	m.updates[update.Table] = update
	return m
}

// Keyspace returns the mutation's keyspace name.
func (m *Mutation) Keyspace() string {
	return m.keyspace
}

// Key returns the partition key.
func (m *Mutation) Key() DecoratedKey {
	return m.key
}

// CreatedAt returns the time the mutation was constructed.
func (m *Mutation) CreatedAt() time.Time {
	return m.createdAt
}

// Add attaches an update. It fails if the mutation already holds an update
// for the same table or the update addresses a different key.
func (m *Mutation) Add(update *PartitionUpdate) error {
	if !update.Key.Equal(m.key) {
		return MismatchError{"key", m.key.String(), update.Key.String()}
	}
	if _, ok := m.updates[update.Table]; ok {
		return DuplicateUpdateError{Table: update.Table}
	}
	m.updates[update.Table] = update
	return nil
}

// Update returns the update for a table, or nil.
func (m *Mutation) Update(table uuid.UUID) *PartitionUpdate {
	return m.updates[table]
}

// TableIDs returns the IDs of the tables the mutation touches, sorted.
func (m *Mutation) TableIDs() []uuid.UUID {
	ids := maps.Keys(m.updates)
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}

// Updates returns the mutation's updates ordered by table ID.
func (m *Mutation) Updates() []*PartitionUpdate {
	ids := m.TableIDs()
	out := make([]*PartitionUpdate, len(ids))
	for i, id := range ids {
		out[i] = m.updates[id]
	}
	return out
}

// IsEmpty reports whether the mutation holds no updates.
func (m *Mutation) IsEmpty() bool {
	return len(m.updates) == 0
}

// Size is an estimate of the mutation's data size in bytes.
func (m *Mutation) Size() int {
	n := 0
	for _, u := range m.updates {
		n += u.Size()
	}
	return n
}

// Without returns a copy of the mutation with the given table's update
// removed.
func (m *Mutation) Without(table uuid.UUID) *Mutation {
	out := &Mutation{
		keyspace:  m.keyspace,
		key:       m.key,
		updates:   make(map[uuid.UUID]*PartitionUpdate, len(m.updates)),
		createdAt: m.createdAt,
	}
	for id, u := range m.updates {
		if id != table {
			out.updates[id] = u
		}
	}
	return out
}

// Merge combines mutations that share a keyspace and key. Tables touched by a
// single input keep that input's update; tables touched by several get the
// structural merge of their updates.
func Merge(mutations []*Mutation) (*Mutation, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("no mutations to merge")
	}
	if len(mutations) == 1 {
		return mutations[0], nil
	}
	first := mutations[0]
	grouped := map[uuid.UUID][]*PartitionUpdate{}
	for _, m := range mutations {
		if m.keyspace != first.keyspace {
			return nil, MismatchError{"keyspace", first.keyspace, m.keyspace}
		}
		if !m.key.Equal(first.key) {
			return nil, MismatchError{"key", first.key.String(), m.key.String()}
		}
		for id, u := range m.updates {
			grouped[id] = append(grouped[id], u)
		}
	}
	out := New(first.keyspace, first.key)
	out.createdAt = first.createdAt
	for id, updates := range grouped {
		merged, err := MergeUpdates(updates...)
		if err != nil {
			return nil, fmt.Errorf("failed to merge updates for table %s: %w", id, err)
		}
		out.updates[id] = merged
	}
	return out, nil
}
