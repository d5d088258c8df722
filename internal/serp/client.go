// Package serp queries a search-engine results API. Lookups are cache-first,
// charged to the session budget, rate limited per host and collapsed when
// identical queries are in flight.
package serp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/metrics"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
)

// Config controls the SERP API client.
type Config struct {
	Endpoint         string        `mapstructure:"endpoint"`
	APIKey           string        `mapstructure:"api_key"`
	Engine           string        `mapstructure:"engine"`
	Timeout          time.Duration `mapstructure:"timeout"`
	DefaultNum       int           `mapstructure:"default_num"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

// Params describes one search.
type Params struct {
	Query    string
	Domains  []string
	Locale   discovery.Locale
	Num      int
	Strategy discovery.Strategy
}

// Limiter waits for permission to call a host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client is a budgeted SERP API client.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   discovery.CacheStore
	limiter Limiter
	logger  *zap.Logger
	group   singleflight.Group
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client. cache and limiter may be nil.
func New(cfg Config, cache discovery.CacheStore, limiter Limiter, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("serp.endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse serp endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DefaultNum <= 0 {
		cfg.DefaultNum = 10
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 2 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		cache:   cache,
		limiter: limiter,
		logger:  logger.Named("serp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CacheKey identifies a search by query, sorted domain set, locale and page size.
func CacheKey(p Params) string {
	domains := append([]string(nil), p.Domains...)
	for i := range domains {
		domains[i] = strings.ToLower(domains[i])
	}
	sort.Strings(domains)
	return strings.Join([]string{
		"serp",
		strings.TrimSpace(p.Query),
		strings.Join(domains, ","),
		p.Locale.HL,
		p.Locale.GL,
		strconv.Itoa(p.Num),
	}, "|")
}

// Search returns organic results for p. A cached result costs no budget. When
// the budget refuses the call the result is empty with a nil error.
//
// Identical concurrent searches share one network call; the budget of the
// caller that issues it pays for it.
func (c *Client) Search(ctx context.Context, b *budget.Budget, p Params) ([]discovery.SearchResult, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, nil
	}
	if p.Num <= 0 {
		p.Num = c.cfg.DefaultNum
	}
	key := CacheKey(p)

	if cached, ok := c.lookup(ctx, key); ok {
		metrics.ObserveSerpCall(string(p.Strategy), "cache_hit")
		return cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("serp search: %w", err)
	}

	// The shared call outlives any single caller: each caller waits on its own
	// context, and a caller that leaves does not cancel the others.
	ch := c.group.DoChan(key, func() (any, error) {
		if !b.ReserveSerpCall() {
			metrics.ObserveSerpCall(string(p.Strategy), "budget_exhausted")
			return []discovery.SearchResult(nil), nil
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		results, err := c.call(callCtx, p)
		if err != nil {
			metrics.ObserveSerpCall(string(p.Strategy), "error")
			return nil, err
		}
		metrics.ObserveSerpCall(string(p.Strategy), "fetched")
		c.store(callCtx, key, results)
		return results, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("serp search: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		results := res.Val.([]discovery.SearchResult)
		if res.Shared {
			results = append([]discovery.SearchResult(nil), results...)
		}
		return results, nil
	}
}

// SearchRelaxed runs p and, when operators starved the result set, retries
// once with a relaxed query.
func (c *Client) SearchRelaxed(ctx context.Context, b *budget.Budget, p Params) ([]discovery.SearchResult, error) {
	results, err := c.Search(ctx, b, p)
	if err != nil {
		return nil, err
	}
	full := query.WithSites(p.Query, p.Domains)
	if !query.ShouldRetryWithoutOperators(len(results), full) {
		return results, nil
	}
	relaxed := p
	relaxed.Query = query.Relax(p.Query)
	if relaxed.Query == p.Query || relaxed.Query == "" {
		return results, nil
	}
	c.logger.Debug("retrying relaxed query",
		zap.String("query", p.Query),
		zap.String("relaxed", relaxed.Query),
		zap.Int("results", len(results)),
	)
	more, err := c.Search(ctx, b, relaxed)
	if err != nil {
		c.logger.Warn("relaxed query failed", zap.String("query", relaxed.Query), zap.Error(err))
		return results, nil
	}
	return append(results, more...), nil
}

func (c *Client) lookup(ctx context.Context, key string) ([]discovery.SearchResult, bool) {
	if c.cache == nil {
		return nil, false
	}
	results, ok, err := c.cache.GetCachedSerpResults(ctx, key)
	if err != nil {
		c.logger.Warn("serp cache read failed", zap.Error(err))
		metrics.ObserveCache(string(discovery.CacheKindSerp), "error")
		return nil, false
	}
	if ok {
		metrics.ObserveCache(string(discovery.CacheKindSerp), "hit")
	} else {
		metrics.ObserveCache(string(discovery.CacheKindSerp), "miss")
	}
	return results, ok
}

func (c *Client) store(ctx context.Context, key string, results []discovery.SearchResult) {
	if c.cache == nil {
		return
	}
	if err := c.cache.CacheSerpResults(ctx, key, discovery.CacheKindSerp, results); err != nil {
		c.logger.Warn("serp cache write failed", zap.Error(err))
		metrics.ObserveCache(string(discovery.CacheKindSerp), "error")
		return
	}
	metrics.ObserveCache(string(discovery.CacheKindSerp), "write")
}

type organicResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

type apiResponse struct {
	OrganicResults []organicResult `json:"organic_results"`
	Error          string          `json:"error"`
}

func (c *Client) call(ctx context.Context, p Params) ([]discovery.SearchResult, error) {
	endpoint, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse serp endpoint: %w", err)
	}
	q := endpoint.Query()
	q.Set("q", query.WithSites(p.Query, p.Domains))
	q.Set("num", strconv.Itoa(p.Num))
	if p.Locale.HL != "" {
		q.Set("hl", p.Locale.HL)
	}
	if p.Locale.GL != "" {
		q.Set("gl", p.Locale.GL)
	}
	if c.cfg.Engine != "" {
		q.Set("engine", c.cfg.Engine)
	}
	if c.cfg.APIKey != "" {
		q.Set("api_key", c.cfg.APIKey)
	}
	endpoint.RawQuery = q.Encode()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint.String()); err != nil {
			return nil, fmt.Errorf("serp rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build serp request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serp request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close serp body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read serp response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serp status %d", resp.StatusCode)
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode serp response: %w", err)
	}
	if parsed.Error != "" && !isEmptyResultError(parsed.Error) {
		return nil, errors.New("serp api: " + parsed.Error)
	}
	results := make([]discovery.SearchResult, 0, len(parsed.OrganicResults))
	for _, r := range parsed.OrganicResults {
		if r.Link == "" {
			continue
		}
		results = append(results, discovery.SearchResult{
			Title:    r.Title,
			URL:      r.Link,
			Snippet:  r.Snippet,
			Source:   r.Source,
			Strategy: p.Strategy,
		})
	}
	return results, nil
}

// isEmptyResultError reports whether the API signalled zero results rather than a fault.
func isEmptyResultError(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "hasn't returned any results")
}
