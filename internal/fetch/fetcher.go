// Package fetch implements the page fetch pipeline: cache read, conditional
// revalidation, primary fetch, classification, a single fallback and a cache
// write for every attempt.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/cache"
	"github.com/JakeFAU/wine-rating-discovery/internal/classify"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/direct"
	"github.com/JakeFAU/wine-rating-discovery/internal/metrics"
)

// Config holds per-path timeouts and the page size ceiling.
type Config struct {
	MaxPageBytes    int64         `mapstructure:"max_page_bytes"`
	DirectTimeout   time.Duration `mapstructure:"direct_timeout"`
	UnblockTimeout  time.Duration `mapstructure:"unblock_timeout"`
	HeadlessTimeout time.Duration `mapstructure:"headless_timeout"`
}

// Request describes one page fetch.
type Request struct {
	URL string
	// SourceID links the URL to a provider with stored credentials.
	SourceID string
	// Via selects the primary path; empty means direct.
	Via        classify.Via
	NoFallback bool
}

// Result is the outcome of a page fetch.
type Result struct {
	URL         string
	Content     []byte
	StatusCode  int
	Outcome     classify.Outcome
	Via         classify.Via
	FromCache   bool
	Revalidated bool
	// Skipped is set when the byte budget left nothing to fetch with.
	Skipped  bool
	Attempts int
}

// Limiter waits for permission to call a host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Deps are the collaborators of a PageFetcher. Nil fetchers disable their path.
type Deps struct {
	Cache       discovery.CacheStore
	Classifier  *classify.Classifier
	Direct      discovery.Fetcher
	Unblock     discovery.Fetcher
	Headless    discovery.Fetcher
	Credentials discovery.CredentialStore
	Limiter     Limiter
	Logger      *zap.Logger
}

// PageFetcher coordinates the fetch paths for HTML pages.
type PageFetcher struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New creates a PageFetcher.
func New(cfg Config, deps Deps) (*PageFetcher, error) {
	if deps.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if deps.Direct == nil && deps.Unblock == nil && deps.Headless == nil {
		return nil, fmt.Errorf("at least one fetch path is required")
	}
	if cfg.MaxPageBytes <= 0 {
		cfg.MaxPageBytes = 5 << 20
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = 15 * time.Second
	}
	if cfg.UnblockTimeout <= 0 {
		cfg.UnblockTimeout = 60 * time.Second
	}
	if cfg.HeadlessTimeout <= 0 {
		cfg.HeadlessTimeout = 45 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageFetcher{cfg: cfg, deps: deps, log: logger.Named("fetch")}, nil
}

// Fetch returns the page at req.URL. Budget exhaustion yields a skipped result,
// not an error; an error is returned only for a cancelled context.
func (p *PageFetcher) Fetch(ctx context.Context, b *budget.Budget, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("page fetch: %w", err)
	}
	primary := req.Via
	if primary == classify.ViaNone {
		primary = classify.ViaDirect
	}

	cached := p.readCache(ctx, req.URL)
	if cached != nil && !cached.IsStale {
		metrics.ObserveCache(string(cache.PageKind(cached.Status)), "hit")
		return Result{
			URL:        req.URL,
			Content:    cached.Content,
			StatusCode: cached.StatusCode,
			Outcome:    classify.FromKind(classify.Kind(cached.Status), cached.Error),
			FromCache:  true,
		}, nil
	}

	var headers http.Header
	if cached != nil && cached.Status == string(classify.KindSuccess) && primary != classify.ViaHeadless {
		headers = conditionalHeaders(cached)
	}

	res, resp := p.attempt(ctx, b, req.URL, primary, headers)
	if res.Skipped {
		return res, nil
	}
	if headers != nil && resp != nil && resp.StatusCode == http.StatusNotModified {
		return p.revalidated(ctx, req.URL, cached), nil
	}
	p.writeCache(ctx, res, resp)

	if fallback := res.Outcome.FallbackVia(); !res.Outcome.OK() && !req.NoFallback &&
		fallback != classify.ViaNone && fallback != primary && p.fetcherFor(fallback) != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("page fetch: %w", err)
		}
		p.log.Debug("falling back",
			zap.String("url", req.URL),
			zap.String("outcome", string(res.Outcome.Kind)),
			zap.String("via", string(fallback)),
		)
		next, nextResp := p.attempt(ctx, b, req.URL, fallback, nil)
		if next.Skipped {
			return res, nil
		}
		p.writeCache(ctx, next, nextResp)
		next.Attempts += res.Attempts
		res = next
	}

	if res.Outcome.Kind == classify.KindAuthRequired {
		p.markCredentials(ctx, req.SourceID)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("page fetch: %w", err)
	}
	return res, nil
}

// attempt runs one fetch on path via and classifies it. The response is nil
// when the fetch failed before any status arrived.
func (p *PageFetcher) attempt(
	ctx context.Context,
	b *budget.Budget,
	url string,
	via classify.Via,
	headers http.Header,
) (Result, *discovery.FetchResponse) {
	res := Result{URL: url, Via: via, Attempts: 1}
	fetcher := p.fetcherFor(via)
	if fetcher == nil {
		res.Outcome = classify.Outcome{Kind: classify.KindError, Message: "fetch path " + string(via) + " not configured"}
		return res, nil
	}
	maxBytes := min(p.cfg.MaxPageBytes, b.RemainingBytes())
	if maxBytes <= 0 || !b.HasWallClockBudget() {
		return Result{URL: url, Via: via, Skipped: true}, nil
	}
	if via == classify.ViaDirect && p.deps.Limiter != nil {
		if err := p.deps.Limiter.Wait(ctx, url); err != nil {
			res.Outcome = p.deps.Classifier.ClassifyError(err)
			return res, nil
		}
	}

	resp, err := fetcher.Fetch(ctx, discovery.FetchRequest{
		URL:      url,
		Headers:  headers,
		Timeout:  p.timeoutFor(via),
		MaxBytes: maxBytes,
	})
	switch {
	case errors.Is(err, direct.ErrRobotsDisallowed):
		res.Outcome = classify.Outcome{Kind: classify.KindBlocked, UseSnippet: true, Message: err.Error()}
		metrics.ObserveFetch(url, string(via), string(res.Outcome.Kind), 0)
		return res, nil
	case err != nil:
		res.Outcome = p.deps.Classifier.ClassifyError(err)
		metrics.ObserveFetch(url, string(via), string(res.Outcome.Kind), 0)
		p.log.Debug("fetch failed", zap.String("url", url), zap.String("via", string(via)), zap.Error(err))
		return res, nil
	}

	// Partial bytes count even when the budget saturates.
	b.RecordBytes(int64(len(resp.Body)))
	res.StatusCode = resp.StatusCode
	if resp.StatusCode == http.StatusNotModified {
		res.Outcome = classify.Outcome{Kind: classify.KindSuccess}
	} else {
		res.Outcome = p.deps.Classifier.Classify(resp.StatusCode, resp.Body)
	}
	if res.Outcome.OK() {
		res.Content = resp.Body
	}
	metrics.ObserveFetch(url, string(via), string(res.Outcome.Kind), len(resp.Body))
	return res, &resp
}

func (p *PageFetcher) revalidated(ctx context.Context, url string, prior *discovery.CachedPage) Result {
	refreshed := *prior
	refreshed.IsStale = false
	if p.deps.Cache != nil {
		if err := p.deps.Cache.CachePage(ctx, refreshed); err != nil {
			p.log.Warn("page cache refresh failed", zap.String("url", url), zap.Error(err))
		} else {
			metrics.ObserveCache(string(discovery.CacheKindPage), "revalidated")
		}
	}
	return Result{
		URL:         url,
		Content:     prior.Content,
		StatusCode:  prior.StatusCode,
		Outcome:     classify.Outcome{Kind: classify.KindSuccess},
		Via:         classify.ViaDirect,
		FromCache:   true,
		Revalidated: true,
		Attempts:    1,
	}
}

func (p *PageFetcher) readCache(ctx context.Context, url string) *discovery.CachedPage {
	if p.deps.Cache == nil {
		return nil
	}
	page, err := p.deps.Cache.GetCachedPage(ctx, url, true)
	if err != nil {
		p.log.Warn("page cache read failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	if page == nil {
		metrics.ObserveCache(string(discovery.CacheKindPage), "miss")
	}
	return page
}

func (p *PageFetcher) writeCache(ctx context.Context, res Result, resp *discovery.FetchResponse) {
	if p.deps.Cache == nil {
		return
	}
	page := discovery.CachedPage{
		URL:        res.URL,
		Content:    res.Content,
		Status:     string(res.Outcome.Kind),
		StatusCode: res.StatusCode,
	}
	if !res.Outcome.OK() {
		page.Error = res.Outcome.Message
	}
	if resp != nil && resp.Headers != nil {
		page.ETag = resp.Headers.Get("ETag")
		page.LastModified = resp.Headers.Get("Last-Modified")
	}
	if err := p.deps.Cache.CachePage(ctx, page); err != nil {
		p.log.Warn("page cache write failed", zap.String("url", res.URL), zap.Error(err))
		return
	}
	metrics.ObserveCache(string(cache.PageKind(page.Status)), "write")
}

func (p *PageFetcher) markCredentials(ctx context.Context, sourceID string) {
	if sourceID == "" || p.deps.Credentials == nil {
		return
	}
	has, err := p.deps.Credentials.HasCredentials(ctx, sourceID)
	if err != nil {
		p.log.Warn("credential lookup failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	if !has {
		return
	}
	if err := p.deps.Credentials.UpdateStatus(ctx, sourceID, discovery.CredentialStatusAuthFailed); err != nil {
		p.log.Warn("credential status update failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	metrics.ObserveProviderAuthFailure(sourceID)
	p.log.Info("provider credentials rejected",
		zap.String("source_id", sourceID),
		zap.String("status", discovery.CredentialStatusAuthFailed),
	)
}

func (p *PageFetcher) fetcherFor(via classify.Via) discovery.Fetcher {
	switch via {
	case classify.ViaDirect:
		return p.deps.Direct
	case classify.ViaUnblock:
		return p.deps.Unblock
	case classify.ViaHeadless:
		return p.deps.Headless
	}
	return nil
}

func (p *PageFetcher) timeoutFor(via classify.Via) time.Duration {
	switch via {
	case classify.ViaUnblock:
		return p.cfg.UnblockTimeout
	case classify.ViaHeadless:
		return p.cfg.HeadlessTimeout
	}
	return p.cfg.DirectTimeout
}

func conditionalHeaders(page *discovery.CachedPage) http.Header {
	if page.ETag == "" && page.LastModified == "" {
		return nil
	}
	h := http.Header{}
	if page.ETag != "" {
		h.Set("If-None-Match", page.ETag)
	}
	if page.LastModified != "" {
		h.Set("If-Modified-Since", page.LastModified)
	}
	return h
}
