package schema

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sync"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/wkalt/cstore/storage"
)

// ErrKeyspaceNotFound is returned when a keyspace has no stored definition.
var ErrKeyspaceNotFound = errors.New("keyspace definition not found")

// Store persists keyspace definitions on a storage provider, with a list of
// keyspace names alongside them.
type Store struct {
	provider storage.Provider
	prefix   string
	cache    *lru.Cache
	mtx      *sync.Mutex
}

// NewStore returns a schema store keeping objects under prefix and caching
// up to capacity definitions, which must be positive.
func NewStore(provider storage.Provider, prefix string, capacity int) *Store {
	cache, err := lru.New(capacity)
	if err != nil {
		panic(err.Error())
	}
	return &Store{
		provider: provider,
		prefix:   prefix,
		cache:    cache,
		mtx:      &sync.Mutex{},
	}
}

func (s *Store) listObject() string {
	return path.Join(s.prefix, "keyspaces.json")
}

func (s *Store) keyspaceObject(name string) string {
	return path.Join(s.prefix, "keyspaces", name+".json")
}

// Put stores a keyspace definition.
func (s *Store) Put(ctx context.Context, ks Keyspace) error {
	if err := ks.Validate(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	data, err := json.Marshal(ks)
	if err != nil {
		return fmt.Errorf("failed to serialize keyspace: %w", err)
	}
	if err := s.provider.Put(ctx, s.keyspaceObject(ks.Name), data); err != nil {
		return fmt.Errorf("failed to put keyspace to storage: %w", err)
	}
	names, err := s.names(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(names, ks.Name) {
		names = append(names, ks.Name)
		slices.Sort(names)
		data, err := json.Marshal(names)
		if err != nil {
			return fmt.Errorf("failed to serialize keyspace list: %w", err)
		}
		if err := s.provider.Put(ctx, s.listObject(), data); err != nil {
			return fmt.Errorf("failed to put keyspace list: %w", err)
		}
	}
	s.cache.Add(ks.Name, ks)
	return nil
}

// Get returns a keyspace definition.
func (s *Store) Get(ctx context.Context, name string) (Keyspace, error) {
	if v, ok := s.cache.Get(name); ok {
		return v.(Keyspace), nil
	}
	data, err := s.provider.Get(ctx, s.keyspaceObject(name))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Keyspace{}, ErrKeyspaceNotFound
		}
		return Keyspace{}, fmt.Errorf("failed to get keyspace: %w", err)
	}
	ks := Keyspace{}
	if err := json.Unmarshal(data, &ks); err != nil {
		return Keyspace{}, fmt.Errorf("failed to deserialize keyspace: %w", err)
	}
	s.cache.Add(name, ks)
	return ks, nil
}

// List returns every stored keyspace definition.
func (s *Store) List(ctx context.Context) ([]Keyspace, error) {
	s.mtx.Lock()
	names, err := s.names(ctx)
	s.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Keyspace, 0, len(names))
	for _, name := range names {
		ks, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, ks)
	}
	return out, nil
}

func (s *Store) names(ctx context.Context) ([]string, error) {
	data, err := s.provider.Get(ctx, s.listObject())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to get keyspace list: %w", err)
	}
	names := []string{}
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("failed to deserialize keyspace list: %w", err)
	}
	return names, nil
}
