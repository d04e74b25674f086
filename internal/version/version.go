package version

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// ErrOverflow is returned by Advance when the sequence cannot grow further.
var ErrOverflow = errors.New("version sequence overflow")

// Ordering is the result of comparing two versions.
type Ordering int

const (
	// Less indicates the left version is older than the right one.
	Less Ordering = -1
	// Equal indicates no observable change between the versions.
	Equal Ordering = 0
	// Greater indicates the left version is newer than the right one.
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return fmt.Sprintf("Ordering(%d)", int(o))
	}
}

// Tag is a (sequence, timestamp) pair. Sequence is non-negative and never
// decreases across the life of the owning entity.
type Tag struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTag builds a tag, normalizing the timestamp to UTC.
func NewTag(sequence int64, ts time.Time) Tag {
	return Tag{Sequence: sequence, Timestamp: ts.UTC()}
}

// Compare orders tags by sequence first, then by timestamp.
func Compare(a, b Tag) Ordering {
	switch {
	case a.Sequence < b.Sequence:
		return Less
	case a.Sequence > b.Sequence:
		return Greater
	}
	return Ordering(a.Timestamp.Compare(b.Timestamp))
}

// Equal reports whether both tags carry the same sequence and timestamp.
func (t Tag) Equal(other Tag) bool {
	return Compare(t, other) == Equal
}

// Advance returns a new tag with sequence+1 and the given timestamp.
func (t Tag) Advance(ts time.Time) (Tag, error) {
	if t.Sequence == math.MaxInt64 {
		return Tag{}, fmt.Errorf("advance from sequence %d: %w", t.Sequence, ErrOverflow)
	}
	return NewTag(t.Sequence+1, ts), nil
}

// Valid reports whether the tag satisfies the non-negative sequence invariant.
func (t Tag) Valid() bool {
	return t.Sequence >= 0
}

func (t Tag) String() string {
	return fmt.Sprintf("%d@%s", t.Sequence, t.Timestamp.UTC().Format(time.RFC3339Nano))
}

// Collection is a version tag scoped to a hierarchical collection path.
// Path is identity; only Tag is state.
type Collection struct {
	Path string `json:"path"`
	Tag  Tag    `json:"tag"`
}

// NewCollection returns the initial version of a collection.
func NewCollection(path string, ts time.Time) Collection {
	return Collection{Path: path, Tag: NewTag(0, ts)}
}

// CompareCollections orders by tag, then lexicographically by path.
func CompareCollections(a, b Collection) Ordering {
	if o := Compare(a.Tag, b.Tag); o != Equal {
		return o
	}
	return Ordering(strings.Compare(a.Path, b.Path))
}

// Equal compares state only: two collections at different paths with the
// same tag are equal.
func (c Collection) Equal(other Collection) bool {
	return c.Tag.Equal(other.Tag)
}

// Advance returns the next version of the collection.
func (c Collection) Advance(ts time.Time) (Collection, error) {
	next, err := c.Tag.Advance(ts)
	if err != nil {
		return Collection{}, fmt.Errorf("collection %s: %w", c.Path, err)
	}
	return Collection{Path: c.Path, Tag: next}, nil
}

// Replace returns the collection carrying tag instead of its current one.
func (c Collection) Replace(tag Tag) Collection {
	return Collection{Path: c.Path, Tag: tag}
}

// SortCollections sorts in place using CompareCollections, so the result
// does not depend on arrival order.
func SortCollections(cs []Collection) {
	slices.SortFunc(cs, func(a, b Collection) int {
		return int(CompareCollections(a, b))
	})
}
