package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"calsched/internal/config"
	appLog "calsched/internal/log"
)

// Open builds the Store selected by cfg.DSN's scheme.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store DSN: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "memory", "mem", "inmem":
		appLog.Info("using in-memory store")
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		s, err := OpenPostgres(ctx, dsn, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		appLog.Info("using postgres store", "host", parsed.Host, "max_conns", cfg.MaxConns)
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, scheme)
	}
}
