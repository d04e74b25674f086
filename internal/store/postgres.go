package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"calsched/internal/label"
	"calsched/internal/property"
	"calsched/internal/version"
)

const (
	versionTagsTable      = "calsched_version_tags"
	collectionsTable      = "calsched_collections"
	sharedPropertiesTable = "calsched_shared_properties"

	postgresOperationTimeout = 5 * time.Second
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + versionTagsTable + ` (
		entity_key TEXT PRIMARY KEY,
		sequence BIGINT NOT NULL CHECK (sequence >= 0),
		stamp_sec BIGINT NOT NULL,
		stamp_nsec INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ` + collectionsTable + ` (
		path TEXT PRIMARY KEY,
		sequence BIGINT NOT NULL CHECK (sequence >= 0),
		stamp_sec BIGINT NOT NULL,
		stamp_nsec INTEGER NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS ` + sharedPropertiesTable + ` (
		owner TEXT NOT NULL,
		kind TEXT NOT NULL,
		finder_key TEXT NOT NULL,
		finder_language TEXT NOT NULL,
		unique_id TEXT NOT NULL UNIQUE,
		labels TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner, kind, finder_key)
	)`,
}

// Querier is the common interface implemented by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Store backed by PostgreSQL. Timestamps are kept as
// (seconds, nanoseconds) pairs because TIMESTAMPTZ only has microsecond
// precision and tags must round-trip exactly.
type PostgresStore struct {
	q    Querier
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing querier. The caller owns its lifecycle.
func NewPostgresStore(q Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

// OpenPostgres creates a pool for dsn, pings it and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{q: pool, pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) LoadVersionTag(ctx context.Context, key string) (version.Tag, bool, error) {
	query, args, err := psql.Select("sequence", "stamp_sec", "stamp_nsec").
		From(versionTagsTable).
		Where(sq.Eq{"entity_key": key}).
		ToSql()
	if err != nil {
		return version.Tag{}, false, err
	}
	return s.loadTag(ctx, "version tag", key, query, args)
}

func (s *PostgresStore) CompareAndSwapVersionTag(ctx context.Context, key string, prior *version.Tag, next version.Tag) error {
	return s.swapTag(ctx, versionTagsTable, "entity_key", key, prior, next)
}

func (s *PostgresStore) LoadCollection(ctx context.Context, path string) (version.Collection, bool, error) {
	query, args, err := psql.Select("sequence", "stamp_sec", "stamp_nsec").
		From(collectionsTable).
		Where(sq.Eq{"path": path}).
		ToSql()
	if err != nil {
		return version.Collection{}, false, err
	}
	tag, ok, err := s.loadTag(ctx, "collection", path, query, args)
	if err != nil || !ok {
		return version.Collection{}, ok, err
	}
	return version.Collection{Path: path, Tag: tag}, true, nil
}

func (s *PostgresStore) CompareAndSwapCollection(ctx context.Context, prior *version.Collection, next version.Collection) error {
	var priorTag *version.Tag
	if prior != nil {
		priorTag = tagPtr(prior.Tag)
	}
	return s.swapTag(ctx, collectionsTable, "path", next.Path, priorTag, next.Tag)
}

func (s *PostgresStore) loadTag(ctx context.Context, entity, key, query string, args []any) (version.Tag, bool, error) {
	var (
		seq  int64
		sec  int64
		nsec int32
	)
	err := s.q.QueryRow(ctx, query, args...).Scan(&seq, &sec, &nsec)
	if errors.Is(err, pgx.ErrNoRows) {
		return version.Tag{}, false, nil
	}
	if err != nil {
		return version.Tag{}, false, mapError(err, entity, key)
	}
	return version.NewTag(seq, time.Unix(sec, int64(nsec))), true, nil
}

func (s *PostgresStore) swapTag(ctx context.Context, table, keyColumn, key string, prior *version.Tag, next version.Tag) error {
	sec, nsec := splitStamp(next.Timestamp)

	var (
		query string
		args  []any
		err   error
	)
	if prior == nil {
		query, args, err = psql.Insert(table).
			Columns(keyColumn, "sequence", "stamp_sec", "stamp_nsec").
			Values(key, next.Sequence, sec, nsec).
			Suffix("ON CONFLICT (" + keyColumn + ") DO NOTHING").
			ToSql()
	} else {
		psec, pnsec := splitStamp(prior.Timestamp)
		query, args, err = psql.Update(table).
			Set("sequence", next.Sequence).
			Set("stamp_sec", sec).
			Set("stamp_nsec", nsec).
			Set("updated_at", sq.Expr("NOW()")).
			Where(sq.Eq{
				keyColumn:    key,
				"sequence":   prior.Sequence,
				"stamp_sec":  psec,
				"stamp_nsec": pnsec,
			}).
			ToSql()
	}
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, table, key)
	}
	if tag.RowsAffected() == 0 {
		return &ConflictError{Key: key, Expected: prior}
	}
	return nil
}

func (s *PostgresStore) LoadSharedProperty(ctx context.Context, owner string, kind property.Kind, finderKey string) (property.SharedProperty, bool, error) {
	query, args, err := psql.Select("unique_id", "finder_language", "labels", "created_at").
		From(sharedPropertiesTable).
		Where(sq.Eq{"owner": owner, "kind": string(kind), "finder_key": finderKey}).
		ToSql()
	if err != nil {
		return property.SharedProperty{}, false, err
	}

	var (
		uniqueID   string
		language   string
		labelsJSON string
		createdAt  time.Time
	)
	err = s.q.QueryRow(ctx, query, args...).Scan(&uniqueID, &language, &labelsJSON, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return property.SharedProperty{}, false, nil
	}
	if err != nil {
		return property.SharedProperty{}, false, mapError(err, "shared property", finderKey)
	}

	var labels []label.Label
	if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
		return property.SharedProperty{}, false, fmt.Errorf("decode labels of %s: %w", uniqueID, err)
	}
	return property.SharedProperty{
		Owner:     owner,
		Kind:      kind,
		UniqueID:  uniqueID,
		FinderKey: label.Label{Language: language, Value: finderKey},
		Labels:    labels,
		CreatedAt: createdAt.UTC(),
	}, true, nil
}

func (s *PostgresStore) InsertSharedPropertyIfAbsent(ctx context.Context, p property.SharedProperty) (property.SharedProperty, error) {
	labelsJSON, err := json.Marshal(p.Labels)
	if err != nil {
		return property.SharedProperty{}, err
	}
	query, args, err := psql.Insert(sharedPropertiesTable).
		Columns("owner", "kind", "finder_key", "finder_language", "unique_id", "labels", "created_at").
		Values(p.Owner, string(p.Kind), p.FinderKey.Value, p.FinderKey.Language, p.UniqueID, string(labelsJSON), p.CreatedAt).
		Suffix("ON CONFLICT (owner, kind, finder_key) DO NOTHING").
		ToSql()
	if err != nil {
		return property.SharedProperty{}, err
	}
	if _, err := s.q.Exec(ctx, query, args...); err != nil {
		return property.SharedProperty{}, mapError(err, "shared property", p.FinderKey.Value)
	}

	winner, ok, err := s.LoadSharedProperty(ctx, p.Owner, p.Kind, p.FinderKey.Value)
	if err != nil {
		return property.SharedProperty{}, err
	}
	if !ok {
		// Row vanished between insert and read; let the caller retry.
		return property.SharedProperty{}, fmt.Errorf("shared property %s: %w", p.FinderKey.Value, ErrStoreConflict)
	}
	return winner, nil
}

// Close releases the pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func splitStamp(t time.Time) (int64, int32) {
	return t.Unix(), int32(t.Nanosecond())
}

// mapError converts pgx/pgconn errors to store errors.
// context.DeadlineExceeded and context.Canceled pass through wrapped.
func mapError(err error, entity, key string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", entity, key, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", // unique_violation
			"40001": // serialization_failure
			return fmt.Errorf("%s %s: %w", entity, key, ErrStoreConflict)
		}
	}
	return fmt.Errorf("%s %s: %w", entity, key, err)
}
