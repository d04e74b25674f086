package property

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"calsched/internal/label"
	appLog "calsched/internal/log"
)

const maxInsertAttempts = 3

// Store is the persistence the registry needs. InsertSharedPropertyIfAbsent
// must be a single atomic check-and-insert keyed by (Owner, Kind,
// FinderKey.Value) and must return whichever property holds the key after
// the call. Errors matching ErrStoreConflict are retried.
type Store interface {
	LoadSharedProperty(ctx context.Context, owner string, kind Kind, finderKey string) (SharedProperty, bool, error)
	InsertSharedPropertyIfAbsent(ctx context.Context, p SharedProperty) (SharedProperty, error)
}

// Registry finds or creates shared properties.
type Registry struct {
	store           Store
	defaultLanguage string
	newID           func() string
	now             func() time.Time
}

// NewRegistry creates a registry. defaultLanguage is used when a caller does
// not request a language.
func NewRegistry(store Store, defaultLanguage string) *Registry {
	return &Registry{
		store:           store,
		defaultLanguage: strings.TrimSpace(defaultLanguage),
		newID:           uuid.NewString,
		now:             time.Now,
	}
}

// FindOrCreate is FindOrCreateLabels for a single label in language.
func (r *Registry) FindOrCreate(ctx context.Context, owner string, kind Kind, value, language string) (SharedProperty, error) {
	return r.FindOrCreateLabels(ctx, owner, kind, []label.Label{label.New(language, value)}, language)
}

// FindOrCreateLabels returns the property of owner whose finder key equals
// the label resolved from labels for language, creating it if needed.
// Concurrent callers for the same key all receive the same UniqueID.
func (r *Registry) FindOrCreateLabels(ctx context.Context, owner string, kind Kind, labels []label.Label, language string) (SharedProperty, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return SharedProperty{}, fmt.Errorf("%w: owner is required", ErrInvalidProperty)
	}
	if _, ok := ParseKind(string(kind)); !ok {
		return SharedProperty{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidProperty, kind)
	}
	if language == label.DefaultLanguage {
		language = r.defaultLanguage
	}

	cleaned := make([]label.Label, 0, len(labels))
	for _, l := range labels {
		l.Value = strings.TrimSpace(l.Value)
		if l.Value != "" {
			cleaned = append(cleaned, l)
		}
	}
	key, ok := label.Resolve(language, cleaned)
	if !ok {
		return SharedProperty{}, fmt.Errorf("%w: no label to use as finder key", ErrInvalidProperty)
	}

	for attempt := 1; ; attempt++ {
		p, err := r.findOrInsert(ctx, owner, kind, key, cleaned)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrStoreConflict) || attempt >= maxInsertAttempts {
			return SharedProperty{}, err
		}
		appLog.Info("shared property conflict, retrying", "owner", owner, "kind", kind, "finder_key", key.Value, "attempt", attempt)
	}
}

func (r *Registry) findOrInsert(ctx context.Context, owner string, kind Kind, key label.Label, labels []label.Label) (SharedProperty, error) {
	existing, found, err := r.store.LoadSharedProperty(ctx, owner, kind, key.Value)
	if err != nil {
		return SharedProperty{}, fmt.Errorf("load %s %q for %s: %w", kind, key.Value, owner, err)
	}
	if found {
		return existing, nil
	}

	candidate := SharedProperty{
		Owner:     owner,
		Kind:      kind,
		UniqueID:  r.newID(),
		FinderKey: key,
		Labels:    labels,
		CreatedAt: r.now().UTC(),
	}
	winner, err := r.store.InsertSharedPropertyIfAbsent(ctx, candidate)
	if err != nil {
		return SharedProperty{}, fmt.Errorf("insert %s %q for %s: %w", kind, key.Value, owner, err)
	}
	if winner.UniqueID != candidate.UniqueID {
		appLog.Debug("shared property created concurrently; using winner",
			"owner", owner, "kind", kind, "finder_key", key.Value, "unique_id", winner.UniqueID)
	}
	return winner, nil
}
