package discovery

import (
	"net/http"
	"time"
)

// Lens is the editorial perspective of a rating source.
type Lens string

// Supported lenses.
const (
	LensCompetition Lens = "competition"
	LensPanelGuide  Lens = "panel_guide"
	LensCritic      Lens = "critic"
	LensCommunity   Lens = "community"
	LensProducer    Lens = "producer"
)

// Valid reports whether the lens is one of the known values.
func (l Lens) Valid() bool {
	switch l {
	case LensCompetition, LensPanelGuide, LensCritic, LensCommunity, LensProducer:
		return true
	}
	return false
}

// Ambiguity describes how often a qualifier term collides with plain marketing copy.
type Ambiguity string

// Ambiguity levels.
const (
	AmbiguityLow    Ambiguity = "low"
	AmbiguityMedium Ambiguity = "medium"
	AmbiguityHigh   Ambiguity = "high"
)

// Strategy names a search strategy of the orchestrator.
type Strategy string

// Search strategies.
const (
	StrategyTargeted  Strategy = "targeted"
	StrategyBroad     Strategy = "broad"
	StrategyVariation Strategy = "variation"
	StrategyProducer  Strategy = "producer"
)

// Intent selects the family of query variants to build.
type Intent string

// Query intents.
const (
	IntentReviews   Intent = "reviews"
	IntentAwards    Intent = "awards"
	IntentCommunity Intent = "community"
	IntentProducer  Intent = "producer"
)

// Wine identifies the bottle being searched for. Vintage 0 means non-vintage.
type Wine struct {
	Name    string `json:"name"`
	Vintage int    `json:"vintage,omitempty"`
	Country string `json:"country,omitempty"`
	Style   string `json:"style,omitempty"`
	Grape   string `json:"grape,omitempty"`
}

// SourceConfig describes a rating source from the registry.
type SourceConfig struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Domain        string   `json:"domain" yaml:"domain"`
	Lens          Lens     `json:"lens" yaml:"lens"`
	Credibility   float64  `json:"credibility" yaml:"credibility"`
	GrapeAffinity []string `json:"grape_affinity,omitempty" yaml:"grape_affinity"`
	HomeRegions   []string `json:"home_regions,omitempty" yaml:"home_regions"`
	ScoreScale    float64  `json:"score_scale,omitempty" yaml:"score_scale"`
}

// Qualifier is a label term such as "Reserva" or "Grand Cru".
type Qualifier struct {
	Term      string    `json:"term" yaml:"term"`
	Aliases   []string  `json:"aliases,omitempty" yaml:"aliases"`
	Category  string    `json:"category" yaml:"category"`
	Ambiguity Ambiguity `json:"ambiguity" yaml:"ambiguity"`
	Weight    float64   `json:"weight" yaml:"weight"`
	Locales   []string  `json:"locales,omitempty" yaml:"locales"`
}

// QualifierMatch is a qualifier found in a wine name with its effective weight.
type QualifierMatch struct {
	Qualifier    Qualifier `json:"qualifier"`
	Matched      string    `json:"matched"`
	Weight       float64   `json:"weight"`
	Corroborated bool      `json:"corroborated"`
}

// LocaleHint maps a locale code to a confidence in [0,1].
type LocaleHint map[string]float64

// Locale carries search-engine interface language and geolocation codes.
type Locale struct {
	HL string `json:"hl"`
	GL string `json:"gl"`
}

// SearchResult is a candidate URL surfaced by a search strategy. Scores are
// optional and remain nil until the stage that computes them runs.
type SearchResult struct {
	Title          string   `json:"title"`
	URL            string   `json:"url"`
	Snippet        string   `json:"snippet,omitempty"`
	Source         string   `json:"source,omitempty"`
	SourceID       string   `json:"source_id,omitempty"`
	Lens           Lens     `json:"lens,omitempty"`
	Credibility    float64  `json:"credibility,omitempty"`
	Strategy       Strategy `json:"strategy,omitempty"`
	Relevance      string   `json:"relevance,omitempty"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
	IdentityScore  *float64 `json:"identity_score,omitempty"`
	IdentityValid  *bool    `json:"identity_valid,omitempty"`
	FetchPriority  *int     `json:"fetch_priority,omitempty"`
	DiscoveryScore *float64 `json:"discovery_score,omitempty"`
	CompositeScore *float64 `json:"composite_score,omitempty"`
}

// IdentityTokens are the tokens the ranking collaborator uses to confirm that a
// page refers to the requested wine.
type IdentityTokens struct {
	Producer []string `json:"producer"`
	Name     []string `json:"name"`
	Vintage  int      `json:"vintage,omitempty"`
}

// SearchMetrics summarises resource usage of a session.
type SearchMetrics struct {
	SessionID         string        `json:"session_id"`
	SerpCalls         int           `json:"serp_calls"`
	DocumentFetches   int           `json:"document_fetches"`
	TotalBytes        int64         `json:"total_bytes"`
	Elapsed           time.Duration `json:"elapsed_ns"`
	Confidence        float64       `json:"discovery_confidence"`
	ProducerCancelled bool          `json:"producer_cancelled"`
	ProducerStarted   bool          `json:"producer_started"`
	LegacyRanking     bool          `json:"legacy_ranking"`
}

// SearchResponse is the produced interface of a rating search.
type SearchResponse struct {
	Query           string         `json:"query"`
	Country         string         `json:"country"`
	DetectedGrape   string         `json:"detected_grape,omitempty"`
	Results         []SearchResult `json:"results"`
	SourcesSearched int            `json:"sources_searched"`
	TargetedHits    int            `json:"targeted_hits"`
	BroadHits       int            `json:"broad_hits"`
	VariationHits   int            `json:"variation_hits"`
	ProducerHits    int            `json:"producer_hits"`
	StopReason      string         `json:"stop_reason"`
	Metrics         SearchMetrics  `json:"metrics"`
}

// CacheKind selects a TTL class in the cache store.
type CacheKind string

// Cache kinds.
const (
	CacheKindSerp        CacheKind = "serp"
	CacheKindPage        CacheKind = "page"
	CacheKindPageBlocked CacheKind = "page_blocked"
	CacheKindPageError   CacheKind = "page_error"
	CacheKindDocument    CacheKind = "document"
)

// CachedPage is a page cache entry. Status holds the outcome kind that produced it.
type CachedPage struct {
	URL          string    `json:"url"`
	Content      []byte    `json:"content,omitempty"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	Error        string    `json:"error,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsStale      bool      `json:"is_stale"`
}

// URLCacheRecord tracks a public document URL for conditional revalidation.
type URLCacheRecord struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	ByteSize     int64     `json:"byte_size"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	FetchedAt    time.Time `json:"fetched_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsStale      bool      `json:"is_stale"`
}

// Award is a medal or score mention found in a document.
type Award struct {
	Medal   string `json:"medal,omitempty"`
	Points  int    `json:"points,omitempty"`
	Context string `json:"context"`
}

// DocumentExtraction is the parsed content of a public document.
type DocumentExtraction struct {
	URLCacheID  string    `json:"url_cache_id"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	Kind        string    `json:"kind"`
	Text        string    `json:"text,omitempty"`
	Awards      []Award   `json:"awards"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// RawFields are the unparsed fields of a provider page.
type RawFields struct {
	URL    string            `json:"url"`
	Title  string            `json:"title,omitempty"`
	JSONLD []string          `json:"json_ld,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
	Text   string            `json:"text,omitempty"`
}

// Empty reports whether no field carries content.
func (f RawFields) Empty() bool {
	return f.Title == "" && len(f.JSONLD) == 0 && len(f.Meta) == 0 && f.Text == ""
}

// RatingRecord is a normalised rating produced by a provider adapter.
type RatingRecord struct {
	SourceID    string  `json:"source_id"`
	Lens        Lens    `json:"lens"`
	URL         string  `json:"url"`
	WineName    string  `json:"wine_name,omitempty"`
	Vintage     int     `json:"vintage,omitempty"`
	Score       float64 `json:"score"`
	RawScore    float64 `json:"raw_score"`
	RawScale    float64 `json:"raw_scale"`
	DrinkFrom   *int    `json:"drink_from,omitempty"`
	DrinkTo     *int    `json:"drink_to,omitempty"`
	TastingNote string  `json:"tasting_note,omitempty"`
	ParsedFrom  string  `json:"parsed_from"`
}

// FetchRequest captures the inputs for a single page fetch.
type FetchRequest struct {
	URL      string
	Headers  http.Header
	Timeout  time.Duration
	MaxBytes int64
}

// FetchResponse captures the result of a page fetch.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// UnblockOptions selects the proxy zone and response format.
type UnblockOptions struct {
	Zone   string
	Format string
	// Headers are forwarded to the origin by proxies that accept them.
	Headers map[string]string
}

// UnblockResponse is the proxied origin response.
type UnblockResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// CredentialStatus values recorded against provider credentials.
const (
	CredentialStatusActive     = "active"
	CredentialStatusAuthFailed = "auth_failed"
)
