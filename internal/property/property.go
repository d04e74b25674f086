// Package property deduplicates owner-scoped shared properties (categories,
// locations, sponsors). A property's identity is its owner, its kind and its
// finder key: the label resolved for the language it was created under.
package property

import (
	"errors"
	"slices"
	"strings"
	"time"

	"calsched/internal/label"
)

var ErrInvalidProperty = errors.New("invalid shared property")

// ErrStoreConflict reports a lost conditional write. Stores return errors
// matching it; store.ErrStoreConflict is the same value.
var ErrStoreConflict = errors.New("store conflict")

// Kind is the family a shared property belongs to.
type Kind string

const (
	KindCategory Kind = "category"
	KindLocation Kind = "location"
	KindSponsor  Kind = "sponsor"
)

// ParseKind maps a string to a Kind. Unknown values return false.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindCategory, KindLocation, KindSponsor:
		return k, true
	}
	return "", false
}

// SharedProperty is a deduplicated value referenced by many entities.
type SharedProperty struct {
	Owner     string        `json:"owner"`
	Kind      Kind          `json:"kind"`
	UniqueID  string        `json:"uniqueId"`
	FinderKey label.Label   `json:"finderKey"`
	Labels    []label.Label `json:"labels"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Clone returns a copy that shares no slices with p.
func (p SharedProperty) Clone() SharedProperty {
	p.Labels = slices.Clone(p.Labels)
	return p
}

// Label returns the label to display for language.
func (p SharedProperty) Label(language string) label.Label {
	if l, ok := label.Resolve(language, p.Labels); ok {
		return l
	}
	return p.FinderKey
}

// EventReference is a non-owning back-link from an entity or a collection to
// a shared property.
type EventReference struct {
	PropertyID            string `json:"propertyId"`
	Kind                  Kind   `json:"kind"`
	IsCollectionReference bool   `json:"isCollectionReference"`
	Path                  string `json:"path"`
	EntityUID             string `json:"entityUid,omitempty"`
}

// Reference builds a back-link from fromPath (and, for entity references,
// fromEntityUID) to p. An empty fromEntityUID means the collection at
// fromPath references the property.
func Reference(p SharedProperty, fromPath, fromEntityUID string) EventReference {
	return EventReference{
		PropertyID:            p.UniqueID,
		Kind:                  p.Kind,
		IsCollectionReference: fromEntityUID == "",
		Path:                  fromPath,
		EntityUID:             fromEntityUID,
	}
}
