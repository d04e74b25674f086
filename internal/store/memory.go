package store

import (
	"context"
	"sync"

	"calsched/internal/property"
	"calsched/internal/version"
)

type propertyKey struct {
	owner     string
	kind      property.Kind
	finderKey string
}

// MemoryStore is an in-process Store. It is safe for concurrent use; all
// conditional writes happen under the write lock.
type MemoryStore struct {
	mu          sync.RWMutex
	tags        map[string]version.Tag
	collections map[string]version.Collection
	properties  map[propertyKey]property.SharedProperty
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tags:        make(map[string]version.Tag),
		collections: make(map[string]version.Collection),
		properties:  make(map[propertyKey]property.SharedProperty),
	}
}

func (s *MemoryStore) LoadVersionTag(ctx context.Context, key string) (version.Tag, bool, error) {
	if err := ctx.Err(); err != nil {
		return version.Tag{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tags[key]
	return t, ok, nil
}

func (s *MemoryStore) CompareAndSwapVersionTag(ctx context.Context, key string, prior *version.Tag, next version.Tag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.tags[key]
	switch {
	case prior == nil && exists:
		return &ConflictError{Key: key, Current: tagPtr(current)}
	case prior != nil && !exists:
		return &ConflictError{Key: key, Expected: prior}
	case prior != nil && !current.Equal(*prior):
		return &ConflictError{Key: key, Expected: prior, Current: tagPtr(current)}
	}
	s.tags[key] = next
	return nil
}

func (s *MemoryStore) LoadCollection(ctx context.Context, path string) (version.Collection, bool, error) {
	if err := ctx.Err(); err != nil {
		return version.Collection{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[path]
	return c, ok, nil
}

func (s *MemoryStore) CompareAndSwapCollection(ctx context.Context, prior *version.Collection, next version.Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.collections[next.Path]
	switch {
	case prior == nil && exists:
		return &ConflictError{Key: next.Path, Current: tagPtr(current.Tag)}
	case prior != nil && !exists:
		return &ConflictError{Key: next.Path, Expected: tagPtr(prior.Tag)}
	case prior != nil && !current.Equal(*prior):
		return &ConflictError{Key: next.Path, Expected: tagPtr(prior.Tag), Current: tagPtr(current.Tag)}
	}
	s.collections[next.Path] = next
	return nil
}

func (s *MemoryStore) LoadSharedProperty(ctx context.Context, owner string, kind property.Kind, finderKey string) (property.SharedProperty, bool, error) {
	if err := ctx.Err(); err != nil {
		return property.SharedProperty{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.properties[propertyKey{owner: owner, kind: kind, finderKey: finderKey}]
	if !ok {
		return property.SharedProperty{}, false, nil
	}
	// Return a copy to avoid external modifications
	return p.Clone(), true, nil
}

func (s *MemoryStore) InsertSharedPropertyIfAbsent(ctx context.Context, p property.SharedProperty) (property.SharedProperty, error) {
	if err := ctx.Err(); err != nil {
		return property.SharedProperty{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := propertyKey{owner: p.Owner, kind: p.Kind, finderKey: p.FinderKey.Value}
	if existing, ok := s.properties[k]; ok {
		return existing.Clone(), nil
	}
	s.properties[k] = p.Clone()
	return p.Clone(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
