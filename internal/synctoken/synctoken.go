// Package synctoken turns collection versions into opaque client-facing sync
// tokens and answers whether a collection changed since a token was issued.
//
// A token is base64url(CBOR payload || 16-byte BLAKE3 digest of the payload).
// The payload is encoded with CBOR core deterministic encoding, so the same
// version always yields the same token. The digest only detects corruption;
// it is not a signature.
package synctoken

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	appLog "calsched/internal/log"
	"calsched/internal/version"
)

// ErrInvalidToken reports a token that cannot be decoded or that belongs to
// another collection. Callers must treat the collection as changed.
var ErrInvalidToken = errors.New("invalid sync token")

const (
	formatVersion = 1
	digestSize    = 16
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("synctoken: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("synctoken: CBOR decoder initialization failed: " + err.Error())
	}
}

// payload is the CBOR body of a token. Integer keys keep tokens short.
type payload struct {
	Format   uint8  `cbor:"1,keyasint"`
	Path     string `cbor:"2,keyasint"`
	Sequence int64  `cbor:"3,keyasint"`
	Sec      int64  `cbor:"4,keyasint"`
	Nsec     int32  `cbor:"5,keyasint"`
}

// Token is the projection of a collection version handed to a client.
type Token struct {
	Value   string `json:"value"`
	Changed bool   `json:"changed"`
}

// CollectionSource supplies the live version of a collection path.
type CollectionSource interface {
	LoadCollection(ctx context.Context, path string) (version.Collection, bool, error)
}

// Service issues and checks sync tokens.
type Service struct {
	collections CollectionSource
}

// NewService creates a token service. collections may be nil when only
// Issue and HasChanged are used.
func NewService(collections CollectionSource) *Service {
	return &Service{collections: collections}
}

// Issue encodes v into a token. A fresh token always reports Changed.
func (s *Service) Issue(v version.Collection) (Token, error) {
	value, err := Encode(v)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: value, Changed: true}, nil
}

// HasChanged reports whether current differs from the version embedded in
// prior. A token that cannot be decoded, or that was issued for another
// path, yields (true, ErrInvalidToken): the caller must resync.
func (s *Service) HasChanged(prior string, current version.Collection) (bool, error) {
	decoded, err := Decode(prior)
	if err != nil {
		appLog.Warn("sync token rejected; assuming changed", "path", current.Path, "err", err)
		return true, err
	}
	if decoded.Path != current.Path {
		err := fmt.Errorf("%w: issued for %q, checked against %q", ErrInvalidToken, decoded.Path, current.Path)
		appLog.Warn("sync token rejected; assuming changed", "path", current.Path, "err", err)
		return true, err
	}
	return version.Compare(current.Tag, decoded.Tag) != version.Equal, nil
}

// Current issues a token for the live version of path. A collection that
// was never stamped is reported at sequence 0 with a zero timestamp.
func (s *Service) Current(ctx context.Context, path string) (Token, error) {
	c, err := s.load(ctx, path)
	if err != nil {
		return Token{}, err
	}
	return s.Issue(c)
}

// Changed answers whether path changed since prior was issued.
func (s *Service) Changed(ctx context.Context, prior, path string) (bool, error) {
	c, err := s.load(ctx, path)
	if err != nil {
		return true, err
	}
	return s.HasChanged(prior, c)
}

func (s *Service) load(ctx context.Context, path string) (version.Collection, error) {
	if s.collections == nil {
		return version.Collection{}, errors.New("synctoken: no collection source configured")
	}
	c, ok, err := s.collections.LoadCollection(ctx, path)
	if err != nil {
		return version.Collection{}, fmt.Errorf("load collection %s: %w", path, err)
	}
	if !ok {
		return version.Collection{Path: path}, nil
	}
	return c, nil
}

// Encode returns the token string for v.
func Encode(v version.Collection) (string, error) {
	body, err := encMode.Marshal(payload{
		Format:   formatVersion,
		Path:     v.Path,
		Sequence: v.Tag.Sequence,
		Sec:      v.Tag.Timestamp.Unix(),
		Nsec:     int32(v.Tag.Timestamp.Nanosecond()),
	})
	if err != nil {
		return "", fmt.Errorf("encode sync token: %w", err)
	}
	sum := blake3.Sum256(body)
	raw := append(body, sum[:digestSize]...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a token produced by Encode.
func Decode(value string) (version.Collection, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return version.Collection{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(raw) <= digestSize {
		return version.Collection{}, fmt.Errorf("%w: too short", ErrInvalidToken)
	}
	body, digest := raw[:len(raw)-digestSize], raw[len(raw)-digestSize:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:digestSize], digest) {
		return version.Collection{}, fmt.Errorf("%w: digest mismatch", ErrInvalidToken)
	}

	var p payload
	if err := decMode.Unmarshal(body, &p); err != nil {
		return version.Collection{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if p.Format != formatVersion {
		return version.Collection{}, fmt.Errorf("%w: unknown format %d", ErrInvalidToken, p.Format)
	}
	if p.Sequence < 0 || p.Nsec < 0 || p.Nsec >= int32(time.Second) {
		return version.Collection{}, fmt.Errorf("%w: out of range", ErrInvalidToken)
	}
	return version.Collection{
		Path: p.Path,
		Tag:  version.NewTag(p.Sequence, time.Unix(p.Sec, int64(p.Nsec))),
	}, nil
}
