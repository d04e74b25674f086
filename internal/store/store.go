// Package store persists version tags, collection versions and shared
// properties. Every write that the scheduling core depends on for ordering
// is a compare-and-swap or an insert-if-absent, so callers never need a
// read-then-write critical section of their own.
package store

import (
	"context"
	"errors"
	"fmt"

	"calsched/internal/property"
	"calsched/internal/version"
)

var (
	// ErrStoreConflict reports a lost compare-and-swap or insert-if-absent.
	ErrStoreConflict = property.ErrStoreConflict
	// ErrUnsupportedBackend is returned by Open for unknown DSN schemes.
	ErrUnsupportedBackend = errors.New("unsupported store backend")
)

// ConflictError describes a lost compare-and-swap on Key.
type ConflictError struct {
	Key      string
	Expected *version.Tag
	Current  *version.Tag
}

func (e *ConflictError) Error() string {
	expected, current := "absent", "absent"
	if e.Expected != nil {
		expected = e.Expected.String()
	}
	if e.Current != nil {
		current = e.Current.String()
	}
	return fmt.Sprintf("store conflict on %s: expected %s, found %s", e.Key, expected, current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrStoreConflict
}

// VersionStore holds the last accepted version tag per entity key.
type VersionStore interface {
	LoadVersionTag(ctx context.Context, key string) (version.Tag, bool, error)
	// CompareAndSwapVersionTag stores next only if the current tag equals
	// prior (nil prior means the key must be absent). It returns an error
	// matching ErrStoreConflict otherwise.
	CompareAndSwapVersionTag(ctx context.Context, key string, prior *version.Tag, next version.Tag) error
}

// CollectionStore holds the live version of each collection path.
type CollectionStore interface {
	LoadCollection(ctx context.Context, path string) (version.Collection, bool, error)
	// CompareAndSwapCollection stores next only if the live version at
	// next.Path equals prior (nil prior means absent).
	CompareAndSwapCollection(ctx context.Context, prior *version.Collection, next version.Collection) error
}

// Store is the full persistence collaborator.
type Store interface {
	VersionStore
	CollectionStore
	property.Store
	Close() error
}

func tagPtr(t version.Tag) *version.Tag {
	return &t
}
