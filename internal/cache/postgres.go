package cache

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

//go:embed schema.sql
var schemaSQL string

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the Postgres connection pool used by the cache.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostgresStore is a CacheStore shared across processes.
type PostgresStore struct {
	pool   pool
	schema string
	policy TTLPolicy
	clock  discovery.Clock
}

// NewPostgresStore connects to Postgres using cfg.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, policy TTLPolicy, clock discovery.Clock) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresStoreWithPool(p, cfg.Schema, policy, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(p pool, schema string, policy TTLPolicy, clock discovery.Clock) (*PostgresStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if schema == "" {
		schema = "public"
	}
	if !validSchemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	return &PostgresStore{pool: p, schema: schema, policy: policy, clock: clock}, nil
}

// EnsureSchema creates the cache tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaSQL, s.schema)); err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}
	return nil
}

// Ping verifies the database answers queries.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping cache database: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CacheTTL implements discovery.CacheStore.
func (s *PostgresStore) CacheTTL(kind discovery.CacheKind) time.Duration {
	return s.policy.TTL(kind)
}

// GetCachedSerpResults returns fresh SERP results only.
func (s *PostgresStore) GetCachedSerpResults(ctx context.Context, key string) ([]discovery.SearchResult, bool, error) {
	query := fmt.Sprintf(`SELECT results FROM %s.serp_cache WHERE cache_key = $1 AND expires_at > $2`, s.schema)
	var raw []byte
	err := s.pool.QueryRow(ctx, query, key, s.clock.Now()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select serp cache: %w", err)
	}
	var results []discovery.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, false, fmt.Errorf("decode serp cache: %w", err)
	}
	return results, true, nil
}

// CacheSerpResults upserts results under key.
func (s *PostgresStore) CacheSerpResults(ctx context.Context, key string, kind discovery.CacheKind, results []discovery.SearchResult) error {
	if results == nil {
		results = []discovery.SearchResult{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode serp cache: %w", err)
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s.serp_cache (cache_key, kind, results, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (cache_key) DO UPDATE
SET kind = EXCLUDED.kind, results = EXCLUDED.results,
	created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`, s.schema)
	if _, err := s.pool.Exec(ctx, query, key, string(kind), raw, now, now.Add(s.policy.TTL(kind))); err != nil {
		return fmt.Errorf("upsert serp cache: %w", err)
	}
	return nil
}

// GetCachedPage returns the page entry for url. Expired entries inside the
// stale-retention window are returned marked stale when includeStale is set.
func (s *PostgresStore) GetCachedPage(ctx context.Context, url string, includeStale bool) (*discovery.CachedPage, error) {
	now := s.clock.Now()
	floor := now
	if includeStale {
		floor = now.Add(-s.policy.StaleRetention())
	}
	query := fmt.Sprintf(`
SELECT url, content, status, status_code, COALESCE(error, ''), COALESCE(etag, ''),
	COALESCE(last_modified, ''), fetched_at, expires_at
FROM %s.page_cache WHERE url = $1 AND expires_at > $2`, s.schema)
	var page discovery.CachedPage
	err := s.pool.QueryRow(ctx, query, url, floor).Scan(
		&page.URL,
		&page.Content,
		&page.Status,
		&page.StatusCode,
		&page.Error,
		&page.ETag,
		&page.LastModified,
		&page.FetchedAt,
		&page.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select page cache: %w", err)
	}
	page.IsStale = !now.Before(page.ExpiresAt)
	return &page, nil
}

// CachePage upserts page with the TTL of its status class.
func (s *PostgresStore) CachePage(ctx context.Context, page discovery.CachedPage) error {
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s.page_cache (url, content, status, status_code, error, etag, last_modified, fetched_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (url) DO UPDATE
SET content = EXCLUDED.content, status = EXCLUDED.status, status_code = EXCLUDED.status_code,
	error = EXCLUDED.error, etag = EXCLUDED.etag, last_modified = EXCLUDED.last_modified,
	fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at`, s.schema)
	_, err := s.pool.Exec(ctx, query,
		page.URL,
		page.Content,
		page.Status,
		page.StatusCode,
		page.Error,
		page.ETag,
		page.LastModified,
		now,
		now.Add(s.policy.TTL(PageKind(page.Status))),
	)
	if err != nil {
		return fmt.Errorf("upsert page cache: %w", err)
	}
	return nil
}

// GetPublicURLCache returns the URL record, fresh or stale.
func (s *PostgresStore) GetPublicURLCache(ctx context.Context, url string) (*discovery.URLCacheRecord, error) {
	query := fmt.Sprintf(`
SELECT id::text, url, COALESCE(etag, ''), COALESCE(last_modified, ''), COALESCE(content_type, ''),
	COALESCE(content_hash, ''), byte_size, status, status_code, fetched_at, expires_at
FROM %s.public_url_cache WHERE url = $1`, s.schema)
	var rec discovery.URLCacheRecord
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&rec.ID,
		&rec.URL,
		&rec.ETag,
		&rec.LastModified,
		&rec.ContentType,
		&rec.ContentHash,
		&rec.ByteSize,
		&rec.Status,
		&rec.StatusCode,
		&rec.FetchedAt,
		&rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select url cache: %w", err)
	}
	rec.IsStale = !s.clock.Now().Before(rec.ExpiresAt)
	return &rec, nil
}

// UpsertPublicURLCache inserts or refreshes a URL record and returns its ID.
// An existing row keeps its ID.
func (s *PostgresStore) UpsertPublicURLCache(ctx context.Context, rec discovery.URLCacheRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s.public_url_cache (id, url, etag, last_modified, content_type, content_hash, byte_size, status, status_code, fetched_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (url) DO UPDATE
SET etag = EXCLUDED.etag, last_modified = EXCLUDED.last_modified, content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash, byte_size = EXCLUDED.byte_size, status = EXCLUDED.status,
	status_code = EXCLUDED.status_code, fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at
RETURNING id::text`, s.schema)
	var out string
	err := s.pool.QueryRow(ctx, query,
		id,
		rec.URL,
		rec.ETag,
		rec.LastModified,
		rec.ContentType,
		rec.ContentHash,
		rec.ByteSize,
		rec.Status,
		rec.StatusCode,
		now,
		now.Add(s.policy.TTL(URLKind(rec.Status))),
	).Scan(&out)
	if err != nil {
		return "", fmt.Errorf("upsert url cache: %w", err)
	}
	return out, nil
}

// GetPublicExtraction returns an unexpired extraction for a URL record and content hash.
func (s *PostgresStore) GetPublicExtraction(ctx context.Context, urlCacheID, contentHash string) (*discovery.DocumentExtraction, error) {
	query := fmt.Sprintf(`
SELECT url, kind, COALESCE(text, ''), awards, extracted_at
FROM %s.public_extractions WHERE url_cache_id = $1 AND content_hash = $2 AND expires_at > $3`, s.schema)
	ext := discovery.DocumentExtraction{URLCacheID: urlCacheID, ContentHash: contentHash}
	var awards []byte
	err := s.pool.QueryRow(ctx, query, urlCacheID, contentHash, s.clock.Now()).Scan(
		&ext.URL,
		&ext.Kind,
		&ext.Text,
		&awards,
		&ext.ExtractedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select extraction: %w", err)
	}
	if err := json.Unmarshal(awards, &ext.Awards); err != nil {
		return nil, fmt.Errorf("decode extraction awards: %w", err)
	}
	return &ext, nil
}

// CachePublicExtraction upserts an extraction keyed by URL record and content hash.
func (s *PostgresStore) CachePublicExtraction(ctx context.Context, ext discovery.DocumentExtraction) error {
	awards := ext.Awards
	if awards == nil {
		awards = []discovery.Award{}
	}
	raw, err := json.Marshal(awards)
	if err != nil {
		return fmt.Errorf("encode extraction awards: %w", err)
	}
	now := s.clock.Now()
	extractedAt := ext.ExtractedAt
	if extractedAt.IsZero() {
		extractedAt = now
	}
	query := fmt.Sprintf(`
INSERT INTO %s.public_extractions (url_cache_id, content_hash, url, kind, text, awards, extracted_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (url_cache_id, content_hash) DO UPDATE
SET url = EXCLUDED.url, kind = EXCLUDED.kind, text = EXCLUDED.text, awards = EXCLUDED.awards,
	extracted_at = EXCLUDED.extracted_at, expires_at = EXCLUDED.expires_at`, s.schema)
	_, err = s.pool.Exec(ctx, query,
		ext.URLCacheID,
		ext.ContentHash,
		ext.URL,
		ext.Kind,
		ext.Text,
		raw,
		extractedAt,
		now.Add(s.policy.TTL(discovery.CacheKindDocument)),
	)
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}
