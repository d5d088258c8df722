// Package provider holds per-source rating adapters. An adapter turns a wine
// name and vintage into at most one normalised rating record.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/classify"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
	"github.com/JakeFAU/wine-rating-discovery/internal/serp"
)

// ErrNoMatch is returned when no candidate page yields a plausible rating for the wine.
var ErrNoMatch = errors.New("provider: no matching rating")

// RatingRequest identifies the wine to rate.
type RatingRequest struct {
	WineName string `json:"wine_name"`
	Vintage  int    `json:"vintage,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Adapter fetches a rating from one source.
type Adapter interface {
	ID() string
	FetchRating(ctx context.Context, b *budget.Budget, req RatingRequest) (*discovery.RatingRecord, error)
}

// Registry maps source IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a. IDs must be unique.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.ID()]; dup {
		return fmt.Errorf("provider %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// IDs lists registered source IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Searcher runs SERP queries.
type Searcher interface {
	Search(ctx context.Context, b *budget.Budget, p serp.Params) ([]discovery.SearchResult, error)
}

// PageFetcher fetches pages through the cache and fallback pipeline.
type PageFetcher interface {
	Fetch(ctx context.Context, b *budget.Budget, req fetch.Request) (fetch.Result, error)
}

// CriticConfig tunes a CriticAdapter.
type CriticConfig struct {
	MaxCandidates int     `mapstructure:"max_candidates"`
	MinSlugScore  float64 `mapstructure:"min_slug_score"`
	MinScore      float64 `mapstructure:"min_score"`
	MaxScore      float64 `mapstructure:"max_score"`
}

// CriticDeps are the collaborators of a CriticAdapter. Scraper may be nil.
type CriticDeps struct {
	Search    Searcher
	Pages     PageFetcher
	Scraper   discovery.ProviderScraper
	Ranker    discovery.IdentityRanker
	Validator discovery.IdentityValidator
	Logger    *zap.Logger
}

// CriticAdapter extracts structured ratings from one critic site.
type CriticAdapter struct {
	source discovery.SourceConfig
	cfg    CriticConfig
	deps   CriticDeps
	log    *zap.Logger
}

// NewCriticAdapter creates an adapter for source.
func NewCriticAdapter(source discovery.SourceConfig, cfg CriticConfig, deps CriticDeps) (*CriticAdapter, error) {
	if source.ID == "" || source.Domain == "" {
		return nil, fmt.Errorf("critic adapter needs a source id and domain")
	}
	if deps.Search == nil || deps.Pages == nil || deps.Ranker == nil || deps.Validator == nil {
		return nil, fmt.Errorf("critic adapter %s: search, pages, ranker and validator are required", source.ID)
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 3
	}
	if cfg.MinSlugScore <= 0 {
		cfg.MinSlugScore = 0.3
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultScoreRange.Min
	}
	if cfg.MaxScore <= 0 {
		cfg.MaxScore = DefaultScoreRange.Max
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CriticAdapter{
		source: source,
		cfg:    cfg,
		deps:   deps,
		log:    logger.Named("provider").With(zap.String("source_id", source.ID)),
	}, nil
}

// ID returns the source ID.
func (a *CriticAdapter) ID() string {
	return a.source.ID
}

// FetchRating searches the critic site for the wine and returns the first
// candidate page that parses to a plausible, identity-checked rating.
func (a *CriticAdapter) FetchRating(ctx context.Context, b *budget.Budget, req RatingRequest) (*discovery.RatingRecord, error) {
	if strings.TrimSpace(req.WineName) == "" {
		return nil, fmt.Errorf("wine name is required")
	}
	wine := discovery.Wine{Name: req.WineName, Vintage: req.Vintage, Country: req.Country}
	tokens := a.deps.Ranker.GenerateIdentityTokens(wine)
	nameTokens := slugTokens(req.WineName)

	results, err := a.deps.Search.Search(ctx, b, serp.Params{
		Query:    siteQuery(req.WineName, req.Vintage),
		Domains:  []string{a.source.Domain},
		Strategy: discovery.StrategyTargeted,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", a.source.Domain, err)
	}

	for _, candidate := range a.candidates(results, nameTokens, req.Vintage) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("provider %s: %w", a.source.ID, err)
		}
		rating, ok := a.extract(ctx, b, candidate)
		if !ok {
			continue
		}
		if !a.deps.Validator.ValidateIdentity(tokens, rating.WineName, candidate) {
			a.log.Debug("identity mismatch", zap.String("url", candidate), zap.String("page_wine", rating.WineName))
			continue
		}
		return &discovery.RatingRecord{
			SourceID:    a.source.ID,
			Lens:        a.source.Lens,
			URL:         candidate,
			WineName:    rating.WineName,
			Vintage:     req.Vintage,
			Score:       rating.Score,
			RawScore:    rating.RawScore,
			RawScale:    rating.RawScale,
			DrinkFrom:   rating.DrinkFrom,
			DrinkTo:     rating.DrinkTo,
			TastingNote: rating.TastingNote,
			ParsedFrom:  rating.ParsedFrom,
		}, nil
	}
	return nil, ErrNoMatch
}

// candidates keeps on-site URLs whose slug matches well enough, best first.
func (a *CriticAdapter) candidates(results []discovery.SearchResult, tokens []string, vintage int) []string {
	type scored struct {
		url   string
		score float64
	}
	var list []scored
	seen := map[string]bool{}
	for _, r := range results {
		if seen[r.URL] || !onDomain(r.URL, a.source.Domain) {
			continue
		}
		seen[r.URL] = true
		if s := SlugScore(r.URL, tokens, vintage); s >= a.cfg.MinSlugScore {
			list = append(list, scored{url: r.URL, score: s})
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	if len(list) > a.cfg.MaxCandidates {
		list = list[:a.cfg.MaxCandidates]
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.url
	}
	return out
}

// extract tries the unblocking proxy first and the headless scraper second.
func (a *CriticAdapter) extract(ctx context.Context, b *budget.Budget, pageURL string) (Rating, bool) {
	rng := ScoreRange{Min: a.cfg.MinScore, Max: a.cfg.MaxScore}

	res, err := a.deps.Pages.Fetch(ctx, b, fetch.Request{
		URL:        pageURL,
		SourceID:   a.source.ID,
		Via:        classify.ViaUnblock,
		NoFallback: true,
	})
	switch {
	case err != nil:
		a.log.Debug("page fetch failed", zap.String("url", pageURL), zap.Error(err))
	case res.Skipped:
		return Rating{}, false
	case res.Outcome.OK():
		fields, perr := ParseFields(pageURL, res.Content)
		if perr == nil {
			rating, rerr := ExtractRating(fields, a.source.ScoreScale, rng)
			if rerr == nil {
				return rating, true
			}
			if errors.Is(rerr, ErrImplausibleScore) {
				a.log.Debug("rejected score", zap.String("url", pageURL), zap.Error(rerr))
				return Rating{}, false
			}
		}
	}

	if a.deps.Scraper == nil || ctx.Err() != nil {
		return Rating{}, false
	}
	fields, err := a.deps.Scraper.ScrapeProviderPage(ctx, pageURL)
	if err != nil || fields == nil {
		if err != nil {
			a.log.Debug("headless scrape failed", zap.String("url", pageURL), zap.Error(err))
		}
		return Rating{}, false
	}
	rating, err := ExtractRating(*fields, a.source.ScoreScale, rng)
	if err != nil {
		a.log.Debug("no rating after headless scrape", zap.String("url", pageURL), zap.Error(err))
		return Rating{}, false
	}
	return rating, true
}

func siteQuery(name string, vintage int) string {
	var parts []string
	for _, tok := range strings.Fields(query.StripParentheticals(name)) {
		if !query.IsVintageToken(tok) {
			parts = append(parts, tok)
		}
	}
	q := strings.Join(parts, " ")
	if vintage > 0 {
		q += " " + strconv.Itoa(vintage)
	}
	return q
}

func slugTokens(name string) []string {
	var out []string
	for _, tok := range query.Tokenize(query.StripParentheticals(name)) {
		if !query.IsVintageToken(tok) {
			out = append(out, tok)
		}
	}
	return out
}

func onDomain(rawURL, domain string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}
