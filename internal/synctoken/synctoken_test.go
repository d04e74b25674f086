package synctoken_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsched/internal/store"
	"calsched/internal/synctoken"
	"calsched/internal/version"
)

var stamp = time.Date(2024, 3, 10, 8, 30, 0, 123456789, time.UTC)

func TestIssueIsDeterministic(t *testing.T) {
	svc := synctoken.NewService(nil)
	c := version.NewCollection("/calendars/alice", stamp)

	a, err := svc.Issue(c)
	require.NoError(t, err)
	b, err := svc.Issue(c)
	require.NoError(t, err)

	assert.True(t, a.Changed)
	assert.NotEmpty(t, a.Value)
	assert.Equal(t, a.Value, b.Value)
}

func TestDecodeRoundTripKeepsNanoseconds(t *testing.T) {
	c := version.Collection{Path: "/calendars/alice", Tag: version.NewTag(42, stamp)}
	value, err := synctoken.Encode(c)
	require.NoError(t, err)

	got, err := synctoken.Decode(value)
	require.NoError(t, err)
	assert.Equal(t, c.Path, got.Path)
	assert.True(t, c.Tag.Equal(got.Tag))
	assert.Equal(t, stamp.Nanosecond(), got.Tag.Timestamp.Nanosecond())
}

func TestHasChanged(t *testing.T) {
	svc := synctoken.NewService(nil)
	c := version.Collection{Path: "/calendars/alice", Tag: version.NewTag(3, stamp)}
	tok, err := svc.Issue(c)
	require.NoError(t, err)

	tests := []struct {
		name    string
		current version.Collection
		want    bool
	}{
		{"same version", c, false},
		{"sequence advanced", version.Collection{Path: c.Path, Tag: version.NewTag(4, stamp)}, true},
		{"timestamp only", version.Collection{Path: c.Path, Tag: version.NewTag(3, stamp.Add(time.Nanosecond))}, true},
		{"older live version", version.Collection{Path: c.Path, Tag: version.NewTag(2, stamp)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := svc.HasChanged(tok.Value, tt.current)
			require.NoError(t, err)
			assert.Equal(t, tt.want, changed)
		})
	}
}

func TestHasChangedRejectsBadTokens(t *testing.T) {
	svc := synctoken.NewService(nil)
	c := version.Collection{Path: "/calendars/alice", Tag: version.NewTag(1, stamp)}
	good, err := synctoken.Encode(c)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(good)
	require.NoError(t, err)
	raw[0] ^= 0xff
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	foreign, err := synctoken.Encode(version.Collection{Path: "/calendars/bob", Tag: c.Tag})
	require.NoError(t, err)

	for name, value := range map[string]string{
		"empty":        "",
		"not base64":   "!!!",
		"too short":    base64.RawURLEncoding.EncodeToString([]byte("abc")),
		"tampered":     tampered,
		"foreign path": foreign,
	} {
		t.Run(name, func(t *testing.T) {
			changed, err := svc.HasChanged(value, c)
			assert.True(t, changed)
			assert.ErrorIs(t, err, synctoken.ErrInvalidToken)
		})
	}
}

func TestCurrentAndChangedAgainstStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc := synctoken.NewService(mem)
	path := "/calendars/alice"

	empty, err := svc.Current(ctx, path)
	require.NoError(t, err)
	changed, err := svc.Changed(ctx, empty.Value, path)
	require.NoError(t, err)
	assert.False(t, changed)

	first := version.NewCollection(path, stamp)
	require.NoError(t, mem.CompareAndSwapCollection(ctx, nil, first))
	changed, err = svc.Changed(ctx, empty.Value, path)
	require.NoError(t, err)
	assert.True(t, changed)

	tok, err := svc.Current(ctx, path)
	require.NoError(t, err)
	changed, err = svc.Changed(ctx, tok.Value, path)
	require.NoError(t, err)
	assert.False(t, changed)

	next, err := first.Advance(stamp.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, mem.CompareAndSwapCollection(ctx, &first, next))
	changed, err = svc.Changed(ctx, tok.Value, path)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestChangedWithoutSource(t *testing.T) {
	svc := synctoken.NewService(nil)
	changed, err := svc.Changed(context.Background(), "x", "/calendars/alice")
	assert.True(t, changed)
	assert.Error(t, err)
}
