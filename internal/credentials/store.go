// Package credentials records provider credential presence and auth status.
// Credential values stay encrypted in the database and are never read here.
package credentials

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MemoryStore is a CredentialStore seeded with the source IDs that have credentials.
type MemoryStore struct {
	mu     sync.Mutex
	status map[string]string
}

// NewMemoryStore seeds the store with sourceIDs as active credentials.
func NewMemoryStore(sourceIDs ...string) *MemoryStore {
	m := &MemoryStore{status: make(map[string]string, len(sourceIDs))}
	for _, id := range sourceIDs {
		m.status[id] = discovery.CredentialStatusActive
	}
	return m
}

// HasCredentials implements discovery.CredentialStore.
func (m *MemoryStore) HasCredentials(_ context.Context, sourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.status[sourceID]
	return ok, nil
}

// UpdateStatus implements discovery.CredentialStore. Unknown sources are ignored.
func (m *MemoryStore) UpdateStatus(_ context.Context, sourceID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.status[sourceID]; ok {
		m.status[sourceID] = status
	}
	return nil
}

// Status returns the recorded status of sourceID.
func (m *MemoryStore) Status(sourceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[sourceID]
}

// PostgresConfig controls the credential store connection.
type PostgresConfig struct {
	DSN    string `mapstructure:"dsn"`
	Schema string `mapstructure:"schema"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// PostgresStore reads the provider_credentials table.
type PostgresStore struct {
	pool   pool
	schema string
	clock  discovery.Clock
}

// NewPostgresStore connects to Postgres using cfg.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, clock discovery.Clock) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("credentials.postgres.dsn is required")
	}
	p, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresStoreWithPool(p, cfg.Schema, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(p pool, schema string, clock discovery.Clock) (*PostgresStore, error) {
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
	return &PostgresStore{pool: p, schema: schema, clock: clock}, nil
}

// HasCredentials implements discovery.CredentialStore.
func (s *PostgresStore) HasCredentials(ctx context.Context, sourceID string) (bool, error) {
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s.provider_credentials WHERE source_id = $1)`, s.schema)
	var ok bool
	if err := s.pool.QueryRow(ctx, q, sourceID).Scan(&ok); err != nil {
		return false, fmt.Errorf("lookup credentials: %w", err)
	}
	return ok, nil
}

// UpdateStatus implements discovery.CredentialStore.
func (s *PostgresStore) UpdateStatus(ctx context.Context, sourceID, status string) error {
	q := fmt.Sprintf(`UPDATE %s.provider_credentials SET auth_status = $2, status_updated_at = $3 WHERE source_id = $1`, s.schema)
	if _, err := s.pool.Exec(ctx, q, sourceID, status, s.clock.Now().UTC().Truncate(time.Microsecond)); err != nil {
		return fmt.Errorf("update credential status: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
