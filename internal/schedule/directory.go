package schedule

import (
	"context"
	"strings"

	"calsched/internal/model"
)

// Locality tells whether an address belongs to a principal of this
// deployment.
type Locality int

const (
	External Locality = iota
	Internal
)

func (l Locality) String() string {
	if l == Internal {
		return "internal"
	}
	return "external"
}

// Directory classifies recipient addresses.
type Directory interface {
	Classify(ctx context.Context, address string) (Locality, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context, address string) (Locality, error)

func (f DirectoryFunc) Classify(ctx context.Context, address string) (Locality, error) {
	return f(ctx, address)
}

// DomainDirectory treats addresses in a fixed set of mail domains (and their
// subdomains) as internal.
type DomainDirectory struct {
	domains map[string]struct{}
}

// NewDomainDirectory builds a directory for domains. Matching is
// case-insensitive.
func NewDomainDirectory(domains []string) *DomainDirectory {
	d := &DomainDirectory{domains: make(map[string]struct{}, len(domains))}
	for _, name := range domains {
		name = strings.Trim(strings.ToLower(strings.TrimSpace(name)), ".")
		if name != "" {
			d.domains[name] = struct{}{}
		}
	}
	return d
}

func (d *DomainDirectory) Classify(ctx context.Context, address string) (Locality, error) {
	if err := ctx.Err(); err != nil {
		return External, err
	}
	domain := model.AddressDomain(address)
	for domain != "" {
		if _, ok := d.domains[domain]; ok {
			return Internal, nil
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			break
		}
		domain = domain[i+1:]
	}
	return External, nil
}
