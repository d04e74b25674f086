package version

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Tag
		want Ordering
	}{
		{"same", NewTag(3, base), NewTag(3, base), Equal},
		{"lower sequence", NewTag(1, base.Add(time.Hour)), NewTag(2, base), Less},
		{"higher sequence", NewTag(5, base), NewTag(2, base.Add(time.Hour)), Greater},
		{"tie broken by earlier stamp", NewTag(2, base), NewTag(2, base.Add(time.Second)), Less},
		{"tie broken by later stamp", NewTag(2, base.Add(time.Second)), NewTag(2, base), Greater},
		{"same instant different zone", NewTag(2, base), Tag{Sequence: 2, Timestamp: base.In(time.FixedZone("KST", 9*3600))}, Equal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestCompareIsTotalOrder(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		a := NewTag(rnd.Int63n(4), base.Add(time.Duration(rnd.Intn(3))*time.Minute))
		b := NewTag(rnd.Int63n(4), base.Add(time.Duration(rnd.Intn(3))*time.Minute))

		assert.Equal(t, Equal, Compare(a, a))
		assert.Equal(t, -Compare(b, a), Compare(a, b), "a=%s b=%s", a, b)
		if Compare(a, b) == Equal {
			assert.True(t, a.Equal(b))
		}
	}
}

func TestAdvance(t *testing.T) {
	orig := NewTag(7, base)
	next, err := orig.Advance(base.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, int64(8), next.Sequence)
	assert.True(t, next.Timestamp.Equal(base.Add(time.Minute)))
	assert.Equal(t, NewTag(7, base), orig, "input must not change")
	assert.Equal(t, Greater, Compare(next, orig))
}

func TestAdvanceOverflow(t *testing.T) {
	_, err := NewTag(math.MaxInt64, base).Advance(base)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverflow))

	_, err = Collection{Path: "/cal/a", Tag: NewTag(math.MaxInt64, base)}.Advance(base)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCollectionOrderingAndEquality(t *testing.T) {
	a := Collection{Path: "/cal/a", Tag: NewTag(1, base)}
	b := Collection{Path: "/cal/b", Tag: NewTag(1, base)}

	assert.True(t, a.Equal(b), "path is identity, not state")
	assert.Equal(t, Less, CompareCollections(a, b))
	assert.Equal(t, Greater, CompareCollections(b, a))

	newer := a.Replace(NewTag(2, base))
	assert.Equal(t, Greater, CompareCollections(newer, b))
	assert.Equal(t, "/cal/a", newer.Path)
}

func TestSortCollectionsIndependentOfArrival(t *testing.T) {
	want := []Collection{
		{Path: "/cal/a", Tag: NewTag(0, base)},
		{Path: "/cal/b", Tag: NewTag(0, base)},
		{Path: "/cal/z", Tag: NewTag(0, base.Add(time.Second))},
		{Path: "/cal/c", Tag: NewTag(3, base)},
	}
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		got := append([]Collection(nil), want...)
		rnd.Shuffle(len(got), func(i, j int) { got[i], got[j] = got[j], got[i] })
		SortCollections(got)
		assert.Equal(t, want, got)
	}
}

func TestNewCollection(t *testing.T) {
	c := NewCollection("/cal/home", base.In(time.FixedZone("X", 3600)))
	assert.Equal(t, int64(0), c.Tag.Sequence)
	assert.Equal(t, time.UTC, c.Tag.Timestamp.Location())
	assert.True(t, c.Tag.Valid())
	assert.False(t, Tag{Sequence: -1}.Valid())
}
