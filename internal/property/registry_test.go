package property_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"calsched/internal/label"
	"calsched/internal/property"
	"calsched/internal/store"
)

const alice = "/principals/users/alice"

func TestFindOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := property.NewRegistry(store.NewMemoryStore(), "")

	first, err := reg.FindOrCreate(ctx, alice, property.KindCategory, "Work", "en")
	require.NoError(t, err)
	require.NotEmpty(t, first.UniqueID)

	second, err := reg.FindOrCreate(ctx, alice, property.KindCategory, "Work", "en")
	require.NoError(t, err)
	assert.Equal(t, first.UniqueID, second.UniqueID)
	assert.Equal(t, label.Label{Language: "en", Value: "Work"}, second.FinderKey)
}

func TestFindOrCreateScopesByOwnerAndKind(t *testing.T) {
	ctx := context.Background()
	reg := property.NewRegistry(store.NewMemoryStore(), "")

	a, err := reg.FindOrCreate(ctx, alice, property.KindCategory, "Work", "en")
	require.NoError(t, err)
	b, err := reg.FindOrCreate(ctx, "/principals/users/bob", property.KindCategory, "Work", "en")
	require.NoError(t, err)
	c, err := reg.FindOrCreate(ctx, alice, property.KindLocation, "Work", "en")
	require.NoError(t, err)

	assert.NotEqual(t, a.UniqueID, b.UniqueID)
	assert.NotEqual(t, a.UniqueID, c.UniqueID)
}

func TestFindOrCreateLabelsUsesResolvedFinderKey(t *testing.T) {
	ctx := context.Background()
	reg := property.NewRegistry(store.NewMemoryStore(), "")

	labels := []label.Label{
		{Language: "de", Value: "Arbeit"},
		{Language: "en", Value: "Work"},
	}
	created, err := reg.FindOrCreateLabels(ctx, alice, property.KindCategory, labels, "en-US")
	require.NoError(t, err)
	assert.Equal(t, "Work", created.FinderKey.Value)
	assert.Equal(t, "Arbeit", created.Label("de").Value)

	// An English-only lookup of the same text finds the multilingual property.
	found, err := reg.FindOrCreate(ctx, alice, property.KindCategory, " Work ", "en")
	require.NoError(t, err)
	assert.Equal(t, created.UniqueID, found.UniqueID)
	assert.Len(t, found.Labels, 2)
}

func TestFindOrCreateDefaultLanguage(t *testing.T) {
	ctx := context.Background()
	reg := property.NewRegistry(store.NewMemoryStore(), "fr")

	labels := []label.Label{
		{Language: "en", Value: "Office"},
		{Language: "fr", Value: "Bureau"},
	}
	p, err := reg.FindOrCreateLabels(ctx, alice, property.KindLocation, labels, "")
	require.NoError(t, err)
	assert.Equal(t, "Bureau", p.FinderKey.Value)
}

func TestFindOrCreateValidation(t *testing.T) {
	ctx := context.Background()
	reg := property.NewRegistry(store.NewMemoryStore(), "")

	_, err := reg.FindOrCreate(ctx, " ", property.KindCategory, "Work", "en")
	assert.ErrorIs(t, err, property.ErrInvalidProperty)

	_, err = reg.FindOrCreate(ctx, alice, property.Kind("color"), "Work", "en")
	assert.ErrorIs(t, err, property.ErrInvalidProperty)

	_, err = reg.FindOrCreate(ctx, alice, property.KindSponsor, "   ", "en")
	assert.ErrorIs(t, err, property.ErrInvalidProperty)
}

func TestFindOrCreateConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	reg := property.NewRegistry(store.NewMemoryStore(), "")

	const callers = 64
	var (
		mu  sync.Mutex
		ids = make(map[string]struct{})
		g   errgroup.Group
	)
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			p, err := reg.FindOrCreate(ctx, alice, property.KindSponsor, "ACME", "en")
			if err != nil {
				return err
			}
			mu.Lock()
			ids[p.UniqueID] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, ids, 1)
}

type failingStore struct{ err error }

func (f failingStore) LoadSharedProperty(context.Context, string, property.Kind, string) (property.SharedProperty, bool, error) {
	return property.SharedProperty{}, false, f.err
}

func (f failingStore) InsertSharedPropertyIfAbsent(context.Context, property.SharedProperty) (property.SharedProperty, error) {
	return property.SharedProperty{}, f.err
}

func TestFindOrCreatePropagatesStoreFailure(t *testing.T) {
	boom := errors.New("db down")
	reg := property.NewRegistry(failingStore{err: boom}, "")

	_, err := reg.FindOrCreate(context.Background(), alice, property.KindCategory, "Work", "en")
	assert.ErrorIs(t, err, boom)
}

// vanishingStore reports the first n inserts as lost races, the way the
// postgres store does when the winning row disappears before it is read.
type vanishingStore struct {
	*store.MemoryStore
	conflicts int
	inserts   int
}

func (v *vanishingStore) InsertSharedPropertyIfAbsent(ctx context.Context, p property.SharedProperty) (property.SharedProperty, error) {
	v.inserts++
	if v.inserts <= v.conflicts {
		return property.SharedProperty{}, fmt.Errorf("shared property %s: %w", p.FinderKey.Value, store.ErrStoreConflict)
	}
	return v.MemoryStore.InsertSharedPropertyIfAbsent(ctx, p)
}

func TestFindOrCreateRetriesConflicts(t *testing.T) {
	ctx := context.Background()

	s := &vanishingStore{MemoryStore: store.NewMemoryStore(), conflicts: 2}
	p, err := property.NewRegistry(s, "").FindOrCreate(ctx, alice, property.KindCategory, "Work", "en")
	require.NoError(t, err)
	assert.NotEmpty(t, p.UniqueID)
	assert.Equal(t, 3, s.inserts)

	s = &vanishingStore{MemoryStore: store.NewMemoryStore(), conflicts: 100}
	_, err = property.NewRegistry(s, "").FindOrCreate(ctx, alice, property.KindCategory, "Work", "en")
	assert.ErrorIs(t, err, store.ErrStoreConflict)
	assert.ErrorIs(t, err, property.ErrStoreConflict)
	assert.Equal(t, 3, s.inserts)
}

func TestReference(t *testing.T) {
	p := property.SharedProperty{UniqueID: "prop-1", Kind: property.KindLocation}

	entityRef := property.Reference(p, "/calendars/alice/home", "evt-1")
	assert.False(t, entityRef.IsCollectionReference)
	assert.Equal(t, "prop-1", entityRef.PropertyID)
	assert.Equal(t, "evt-1", entityRef.EntityUID)

	collRef := property.Reference(p, "/calendars/alice/home", "")
	assert.True(t, collRef.IsCollectionReference)
	assert.Equal(t, "/calendars/alice/home", collRef.Path)
}

func TestParseKind(t *testing.T) {
	k, ok := property.ParseKind(" Location ")
	assert.True(t, ok)
	assert.Equal(t, property.KindLocation, k)

	_, ok = property.ParseKind("colour")
	assert.False(t, ok)
}
