package discovery

import (
	"context"
	"time"
)

// CacheStore persists SERP results, pages, public URL metadata and document
// extractions. Implementations must be safe for concurrent use.
type CacheStore interface {
	GetCachedSerpResults(ctx context.Context, key string) ([]SearchResult, bool, error)
	CacheSerpResults(ctx context.Context, key string, kind CacheKind, results []SearchResult) error
	GetCachedPage(ctx context.Context, url string, includeStale bool) (*CachedPage, error)
	CachePage(ctx context.Context, page CachedPage) error
	GetPublicURLCache(ctx context.Context, url string) (*URLCacheRecord, error)
	UpsertPublicURLCache(ctx context.Context, record URLCacheRecord) (string, error)
	GetPublicExtraction(ctx context.Context, urlCacheID, contentHash string) (*DocumentExtraction, error)
	CachePublicExtraction(ctx context.Context, extraction DocumentExtraction) error
	CacheTTL(kind CacheKind) time.Duration
}

// IdentityRanker confirms candidate identity and orders candidates for fetching.
type IdentityRanker interface {
	GenerateIdentityTokens(wine Wine) IdentityTokens
	ScoreAndRankURLs(candidates []SearchResult, tokens IdentityTokens, market string) []SearchResult
	ApplyMarketCaps(ranked []SearchResult, market string) []SearchResult
}

// IdentityValidator checks a fetched page against the identity tokens of a wine.
type IdentityValidator interface {
	ValidateIdentity(tokens IdentityTokens, pageWineName, pageURL string) bool
}

// ProviderScraper renders a provider page in a headless browser.
type ProviderScraper interface {
	ScrapeProviderPage(ctx context.Context, url string) (*RawFields, error)
}

// UnblockClient fetches a URL through a paid unblocking proxy.
type UnblockClient interface {
	Fetch(ctx context.Context, url string, opts UnblockOptions) (UnblockResponse, error)
}

// CredentialStore exposes provider credential presence and status. Plaintext
// credentials never leave the store through this interface.
type CredentialStore interface {
	HasCredentials(ctx context.Context, sourceID string) (bool, error)
	UpdateStatus(ctx context.Context, sourceID, status string) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
