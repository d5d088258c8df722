package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryStore is a process-local CacheStore backed by go-cache.
type MemoryStore struct {
	serp        *gocache.Cache
	pages       *gocache.Cache
	urls        *gocache.Cache
	extractions *gocache.Cache
	policy      TTLPolicy
	clock       discovery.Clock

	// urlMu serialises upserts so a URL keeps a single ID.
	urlMu sync.Mutex
}

// NewMemoryStore creates a MemoryStore. cleanup is the go-cache janitor interval.
func NewMemoryStore(policy TTLPolicy, clock discovery.Clock, cleanup time.Duration) *MemoryStore {
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &MemoryStore{
		serp:        gocache.New(gocache.NoExpiration, cleanup),
		pages:       gocache.New(gocache.NoExpiration, cleanup),
		urls:        gocache.New(gocache.NoExpiration, cleanup),
		extractions: gocache.New(gocache.NoExpiration, cleanup),
		policy:      policy,
		clock:       clock,
	}
}

// CacheTTL implements discovery.CacheStore.
func (m *MemoryStore) CacheTTL(kind discovery.CacheKind) time.Duration {
	return m.policy.TTL(kind)
}

// GetCachedSerpResults returns fresh SERP results only.
func (m *MemoryStore) GetCachedSerpResults(_ context.Context, key string) ([]discovery.SearchResult, bool, error) {
	raw, ok := m.serp.Get(key)
	if !ok {
		return nil, false, nil
	}
	e := raw.(entry[[]discovery.SearchResult])
	if !m.clock.Now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return append([]discovery.SearchResult(nil), e.value...), true, nil
}

// CacheSerpResults stores results under key.
func (m *MemoryStore) CacheSerpResults(_ context.Context, key string, kind discovery.CacheKind, results []discovery.SearchResult) error {
	ttl := m.policy.TTL(kind)
	m.serp.Set(key, entry[[]discovery.SearchResult]{
		value:     append([]discovery.SearchResult(nil), results...),
		expiresAt: m.clock.Now().Add(ttl),
	}, ttl)
	return nil
}

// GetCachedPage returns the page entry for url. Expired entries are returned
// marked stale only when includeStale is set.
func (m *MemoryStore) GetCachedPage(_ context.Context, url string, includeStale bool) (*discovery.CachedPage, error) {
	raw, ok := m.pages.Get(url)
	if !ok {
		return nil, nil
	}
	page := raw.(discovery.CachedPage)
	page.IsStale = !m.clock.Now().Before(page.ExpiresAt)
	if page.IsStale && !includeStale {
		return nil, nil
	}
	page.Content = append([]byte(nil), page.Content...)
	return &page, nil
}

// CachePage stores page with the TTL of its status class.
func (m *MemoryStore) CachePage(_ context.Context, page discovery.CachedPage) error {
	now := m.clock.Now()
	ttl := m.policy.TTL(PageKind(page.Status))
	page.FetchedAt = now
	page.ExpiresAt = now.Add(ttl)
	page.IsStale = false
	page.Content = append([]byte(nil), page.Content...)
	m.pages.Set(page.URL, page, ttl+m.policy.StaleRetention())
	return nil
}

// GetPublicURLCache returns the URL record, fresh or stale.
func (m *MemoryStore) GetPublicURLCache(_ context.Context, url string) (*discovery.URLCacheRecord, error) {
	raw, ok := m.urls.Get(url)
	if !ok {
		return nil, nil
	}
	rec := raw.(discovery.URLCacheRecord)
	rec.IsStale = !m.clock.Now().Before(rec.ExpiresAt)
	return &rec, nil
}

// UpsertPublicURLCache inserts or refreshes a URL record and returns its ID.
func (m *MemoryStore) UpsertPublicURLCache(_ context.Context, rec discovery.URLCacheRecord) (string, error) {
	m.urlMu.Lock()
	defer m.urlMu.Unlock()
	if raw, ok := m.urls.Get(rec.URL); ok {
		rec.ID = raw.(discovery.URLCacheRecord).ID
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := m.clock.Now()
	ttl := m.policy.TTL(URLKind(rec.Status))
	rec.FetchedAt = now
	rec.ExpiresAt = now.Add(ttl)
	rec.IsStale = false
	m.urls.Set(rec.URL, rec, ttl+m.policy.StaleRetention())
	return rec.ID, nil
}

// GetPublicExtraction returns the extraction for a URL record and content hash.
func (m *MemoryStore) GetPublicExtraction(_ context.Context, urlCacheID, contentHash string) (*discovery.DocumentExtraction, error) {
	raw, ok := m.extractions.Get(extractionKey(urlCacheID, contentHash))
	if !ok {
		return nil, nil
	}
	ext := raw.(discovery.DocumentExtraction)
	ext.Awards = append([]discovery.Award(nil), ext.Awards...)
	return &ext, nil
}

// CachePublicExtraction stores an extraction keyed by URL record and content hash.
func (m *MemoryStore) CachePublicExtraction(_ context.Context, ext discovery.DocumentExtraction) error {
	ttl := m.policy.TTL(discovery.CacheKindDocument)
	ext.Awards = append([]discovery.Award(nil), ext.Awards...)
	m.extractions.Set(extractionKey(ext.URLCacheID, ext.ContentHash), ext, ttl)
	return nil
}

func extractionKey(urlCacheID, contentHash string) string {
	return urlCacheID + "|" + contentHash
}
