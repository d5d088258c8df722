// Package orchestrator runs a rating search session: targeted, broad, hedged
// producer and variation strategies under one budget, merged and ranked.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/clock/system"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/id/uuid"
	"github.com/JakeFAU/wine-rating-discovery/internal/metrics"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
	"github.com/JakeFAU/wine-rating-discovery/internal/registry"
	"github.com/JakeFAU/wine-rating-discovery/internal/serp"
)

// ErrEmptyName is returned when no wine name is given.
var ErrEmptyName = errors.New("wine name is required")

// State is a phase of a search session.
type State string

// Session states.
const (
	StateIdle              State = "idle"
	StateDiscovering       State = "discovering"
	StateProducerSearching State = "producer_searching"
	StateMerging           State = "merging"
	StateRanked            State = "ranked"
)

// Config tunes a search session. HedgeDelay and ConfidenceThreshold are
// empirical values and are kept configurable.
//
// Zero fields take their DefaultConfig value. A negative VariationFloor turns
// the variation strategy off. A nil ConfidenceThreshold means the default; an
// explicit 0 cancels the producer search whenever targeted search finishes first.
type Config struct {
	MaxTargetedSources  int           `mapstructure:"max_targeted_sources"`
	MaxBroadSources     int           `mapstructure:"max_broad_sources"`
	ResultLimit         int           `mapstructure:"result_limit"`
	VariationFloor      int           `mapstructure:"variation_floor"`
	VariationQueries    int           `mapstructure:"variation_queries"`
	ConfidenceThreshold *float64      `mapstructure:"confidence_threshold"`
	HedgeDelay          time.Duration `mapstructure:"hedge_delay"`
	ResultsPerQuery     int           `mapstructure:"results_per_query"`
	Parallelism         int           `mapstructure:"parallelism"`
	ImmediateNameTokens int           `mapstructure:"immediate_name_tokens"`
}

// DefaultConfig returns the session tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxTargetedSources:  7,
		MaxBroadSources:     8,
		ResultLimit:         10,
		VariationFloor:      5,
		VariationQueries:    3,
		ConfidenceThreshold: Threshold(0.6),
		HedgeDelay:          1500 * time.Millisecond,
		ResultsPerQuery:     10,
		Parallelism:         8,
		ImmediateNameTokens: 7,
	}
}

// Threshold returns a pointer for Config.ConfidenceThreshold.
func Threshold(v float64) *float64 { return &v }

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTargetedSources <= 0 {
		c.MaxTargetedSources = d.MaxTargetedSources
	}
	if c.MaxBroadSources <= 0 {
		c.MaxBroadSources = d.MaxBroadSources
	}
	if c.ResultLimit <= 0 {
		c.ResultLimit = d.ResultLimit
	}
	if c.VariationFloor == 0 {
		c.VariationFloor = d.VariationFloor
	}
	if c.VariationQueries <= 0 {
		c.VariationQueries = d.VariationQueries
	}
	if c.ConfidenceThreshold == nil {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.HedgeDelay <= 0 {
		c.HedgeDelay = d.HedgeDelay
	}
	if c.ResultsPerQuery <= 0 {
		c.ResultsPerQuery = d.ResultsPerQuery
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.ImmediateNameTokens <= 0 {
		c.ImmediateNameTokens = d.ImmediateNameTokens
	}
	return c
}

// Searcher runs budgeted SERP queries.
type Searcher interface {
	Search(ctx context.Context, b *budget.Budget, p serp.Params) ([]discovery.SearchResult, error)
	SearchRelaxed(ctx context.Context, b *budget.Budget, p serp.Params) ([]discovery.SearchResult, error)
}

// Deps are the collaborators of an Orchestrator. Ranker may be nil, in which
// case results are ordered by token-overlap relevance.
type Deps struct {
	Registry *registry.Registry
	Builder  *query.Builder
	Search   Searcher
	Ranker   discovery.IdentityRanker
	IDs      discovery.IDGenerator
	Clock    discovery.Clock
	Logger   *zap.Logger
}

// Orchestrator runs search sessions. It is safe for concurrent use; every
// session gets its own budget.
type Orchestrator struct {
	cfg    Config
	limits budget.Limits
	deps   Deps
	logger *zap.Logger
}

// New creates an Orchestrator.
func New(cfg Config, limits budget.Limits, deps Deps) (*Orchestrator, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil || deps.Search == nil {
		return nil, errors.New("orchestrator requires a registry and a searcher")
	}
	if deps.Builder == nil {
		deps.Builder = query.NewBuilder(deps.Registry)
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		limits: limits,
		deps:   deps,
		logger: logger.Named("orchestrator"),
	}, nil
}

// session carries the per-search state shared by the strategy tasks.
type session struct {
	o       *Orchestrator
	b       *budget.Budget
	wine    discovery.Wine
	locale  discovery.Locale
	scorer  relevanceScorer
	logger  *zap.Logger
	stateMu sync.Mutex
	state   State
}

func (s *session) enter(st State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()
	s.logger.Debug("session state", zap.String("from", string(prev)), zap.String("to", string(st)))
}

// producerOutcome is what the hedged producer task reports back.
type producerOutcome struct {
	results []discovery.SearchResult
	started bool
}

// SearchWineRatings discovers candidate rating pages for a wine. Partial
// failures only reduce recall; the returned error is non-nil only for an
// empty name or an unusable budget.
func (o *Orchestrator) SearchWineRatings(ctx context.Context, wineName string, vintage int, country, style string) (*discovery.SearchResponse, error) {
	name := strings.TrimSpace(wineName)
	if name == "" {
		return nil, ErrEmptyName
	}
	if vintage == 0 {
		if vs := query.Vintages(name); len(vs) > 0 {
			vintage = vs[0]
		}
	}
	wine := discovery.Wine{Name: name, Vintage: vintage, Country: country, Style: style}
	wine.Grape = o.deps.Builder.DetectGrape(name, style)

	id, err := o.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	b, err := budget.New(id, o.limits, o.deps.Clock)
	if err != nil {
		return nil, fmt.Errorf("session budget: %w", err)
	}

	hints := o.deps.Builder.DetectLocaleHints(name)
	qualifiers := o.deps.Builder.DetectQualifiers(name, hints)
	s := &session{
		o:      o,
		b:      b,
		wine:   wine,
		locale: o.deps.Builder.LocaleParams(wine),
		scorer: newRelevanceScorer(wine, qualifiers),
		logger: o.logger.With(zap.String("session_id", id)),
		state:  StateIdle,
	}
	resp := s.run(ctx, qualifiers)
	return resp, nil
}

func (s *session) run(parent context.Context, qualifiers []query.QualifierMatch) *discovery.SearchResponse {
	o := s.o
	ctx, cancel := context.WithTimeout(parent, o.limits.MaxWallClock)
	defer cancel()

	plan := planSources(o.deps.Registry.Sources(), s.wine.Grape, s.wine.Country, o.cfg.MaxTargetedSources, o.cfg.MaxBroadSources)
	resp := &discovery.SearchResponse{
		Query:         s.wine.Name,
		Country:       s.wine.Country,
		DetectedGrape: s.wine.Grape,
		Results:       []discovery.SearchResult{},
	}

	s.enter(StateDiscovering)

	producerCtx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()
	producerDone := make(chan producerOutcome, 1)
	immediate := s.immediateProducer(qualifiers)
	go func() { producerDone <- s.producerSearch(producerCtx, immediate) }()

	broadDone := make(chan []discovery.SearchResult, 1)
	go func() { broadDone <- s.broadSearch(ctx, plan.broad) }()

	targeted := s.targetedSearch(ctx, plan.targeted)
	resp.TargetedHits = len(targeted)
	resp.SourcesSearched = len(plan.targeted)

	s.scorer.Annotate(targeted)
	confidence := DiscoveryConfidence(targeted)
	resp.Metrics.Confidence = confidence

	var producer producerOutcome
	producerPending := true
	select {
	case producer = <-producerDone:
		producerPending = false
	default:
	}
	if producerPending && (confidence >= *o.cfg.ConfidenceThreshold || s.hardStop()) {
		cancelProducer()
		producer = <-producerDone
		producer.results = nil
		producerPending = false
		resp.Metrics.ProducerCancelled = true
		metrics.ObserveProducerSearch("cancelled")
		s.logger.Debug("producer search cancelled", zap.Float64("confidence", confidence))
	}

	broad := <-broadDone
	resp.BroadHits = len(broad)
	if len(plan.broad) > 0 && len(broad) > 0 {
		resp.SourcesSearched += len(plan.broad)
	}

	if producerPending {
		producer = <-producerDone
		if producer.started {
			metrics.ObserveProducerSearch("completed")
		}
	}
	resp.ProducerHits = len(producer.results)
	resp.Metrics.ProducerStarted = producer.started

	combined := make([]discovery.SearchResult, 0, len(targeted)+len(broad)+len(producer.results))
	combined = append(combined, targeted...)
	combined = append(combined, broad...)
	combined = append(combined, producer.results...)

	var variation []discovery.SearchResult
	if len(Dedupe(combined)) < o.cfg.VariationFloor && !s.hardStop() {
		variation = s.variationSearch(ctx)
	}
	resp.VariationHits = len(variation)
	combined = append(combined, variation...)

	s.enter(StateMerging)
	merged := Dedupe(combined)
	s.scorer.Annotate(merged)

	results, legacy := s.rank(merged)
	resp.Results = results
	resp.Metrics.LegacyRanking = legacy
	s.enter(StateRanked)

	snap := s.b.Snapshot()
	stop := snap.StopReason
	if stop == budget.StopNone {
		stop = budget.StopCompleted
	}
	resp.StopReason = string(stop)
	resp.Metrics.SessionID = snap.SessionID
	resp.Metrics.SerpCalls = snap.SerpCalls
	resp.Metrics.DocumentFetches = snap.DocumentFetches
	resp.Metrics.TotalBytes = snap.TotalBytes
	resp.Metrics.Elapsed = snap.Elapsed
	metrics.ObserveSession(resp.StopReason, confidence)

	s.logger.Info("rating search finished",
		zap.String("wine", s.wine.Name),
		zap.Int("results", len(resp.Results)),
		zap.Int("targeted_hits", resp.TargetedHits),
		zap.Int("broad_hits", resp.BroadHits),
		zap.Int("variation_hits", resp.VariationHits),
		zap.Int("producer_hits", resp.ProducerHits),
		zap.Float64("confidence", confidence),
		zap.String("stop_reason", resp.StopReason),
	)
	return resp
}

// hardStop reports whether the wall clock or SERP budget is spent.
func (s *session) hardStop() bool {
	return !s.b.HasWallClockBudget() || s.b.SerpExhausted()
}

// immediateProducer reports whether the producer search should skip its hedge delay.
func (s *session) immediateProducer(qualifiers []query.QualifierMatch) bool {
	for _, q := range qualifiers {
		if q.Qualifier.Ambiguity == discovery.AmbiguityLow {
			return true
		}
	}
	if query.NameTokenCount(s.wine.Name) >= s.o.cfg.ImmediateNameTokens {
		return true
	}
	if s.wine.Vintage == 0 {
		return true
	}
	for _, tok := range query.Tokenize(s.wine.Name) {
		if s.o.deps.Registry.IsProducerToken(tok) {
			return true
		}
	}
	return false
}

func (s *session) targetedSearch(ctx context.Context, sources []discovery.SourceConfig) []discovery.SearchResult {
	slots := make([][]discovery.SearchResult, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.o.cfg.Parallelism)
	for i, src := range sources {
		g.Go(func() error {
			variants := s.o.deps.Builder.BuildQueryVariants(s.wine, intentFor(src.Lens))
			if len(variants) == 0 {
				return nil
			}
			p := serp.Params{
				Query:    variants[0],
				Domains:  []string{src.Domain},
				Locale:   s.locale,
				Num:      s.o.cfg.ResultsPerQuery,
				Strategy: discovery.StrategyTargeted,
			}
			results, err := s.o.deps.Search.SearchRelaxed(gctx, s.b, p)
			if err != nil {
				s.logger.Warn("targeted search failed", zap.String("source_id", src.ID), zap.Error(err))
				return nil
			}
			slots[i] = tagSource(onDomain(results, src.Domain), src, discovery.StrategyTargeted)
			return nil
		})
	}
	_ = g.Wait()
	var out []discovery.SearchResult
	for _, r := range slots {
		out = append(out, r...)
	}
	return out
}

func (s *session) broadSearch(ctx context.Context, sources []discovery.SourceConfig) []discovery.SearchResult {
	if len(sources) == 0 {
		return nil
	}
	variants := s.o.deps.Builder.BuildQueryVariants(s.wine, discovery.IntentReviews)
	if len(variants) == 0 {
		return nil
	}
	p := serp.Params{
		Query:    variants[0],
		Domains:  domainsOf(sources),
		Locale:   s.locale,
		Num:      s.o.cfg.ResultsPerQuery,
		Strategy: discovery.StrategyBroad,
	}
	results, err := s.o.deps.Search.SearchRelaxed(ctx, s.b, p)
	if err != nil {
		s.logger.Warn("broad search failed", zap.Error(err))
		return nil
	}
	return s.tagByHost(results, discovery.StrategyBroad)
}

// producerSearch waits out the hedge delay unless immediate, then looks for the
// producer's own site. A cancellation before the delay elapses means no call.
func (s *session) producerSearch(ctx context.Context, immediate bool) producerOutcome {
	if !immediate {
		timer := time.NewTimer(s.o.cfg.HedgeDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return producerOutcome{}
		case <-timer.C:
		}
	}
	if ctx.Err() != nil || s.hardStop() {
		return producerOutcome{}
	}
	s.enter(StateProducerSearching)
	variants := s.o.deps.Builder.BuildQueryVariants(s.wine, discovery.IntentProducer)
	if len(variants) == 0 {
		return producerOutcome{}
	}
	results, err := s.o.deps.Search.Search(ctx, s.b, serp.Params{
		Query:    variants[0],
		Locale:   s.locale,
		Num:      s.o.cfg.ResultsPerQuery,
		Strategy: discovery.StrategyProducer,
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("producer search failed", zap.Error(err))
		}
		return producerOutcome{started: true}
	}
	out := make([]discovery.SearchResult, 0, len(results))
	for _, r := range results {
		if _, known := s.o.deps.Registry.SourceByHost(hostOf(r.URL)); known {
			continue
		}
		r.Lens = discovery.LensProducer
		r.Strategy = discovery.StrategyProducer
		out = append(out, r)
	}
	return producerOutcome{results: out, started: true}
}

func (s *session) variationSearch(ctx context.Context) []discovery.SearchResult {
	queries := s.o.deps.Builder.VariationQueries(s.wine, s.o.cfg.VariationQueries)
	slots := make([][]discovery.SearchResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.o.cfg.Parallelism)
	for i, q := range queries {
		g.Go(func() error {
			results, err := s.o.deps.Search.Search(gctx, s.b, serp.Params{
				Query:    q,
				Locale:   s.locale,
				Num:      s.o.cfg.ResultsPerQuery,
				Strategy: discovery.StrategyVariation,
			})
			if err != nil {
				s.logger.Warn("variation search failed", zap.String("query", q), zap.Error(err))
				return nil
			}
			slots[i] = s.tagByHost(results, discovery.StrategyVariation)
			return nil
		})
	}
	_ = g.Wait()
	var out []discovery.SearchResult
	for _, r := range slots {
		out = append(out, r...)
	}
	return out
}

// rank hands merged candidates to the identity ranker and falls back to
// relevance ordering when it rejects all of them.
func (s *session) rank(merged []discovery.SearchResult) ([]discovery.SearchResult, bool) {
	limit := s.o.cfg.ResultLimit
	if len(merged) == 0 {
		return []discovery.SearchResult{}, false
	}
	if r := s.o.deps.Ranker; r != nil {
		tokens := r.GenerateIdentityTokens(s.wine)
		ranked := r.ApplyMarketCaps(r.ScoreAndRankURLs(merged, tokens, s.wine.Country), s.wine.Country)
		if len(ranked) > 0 {
			return capResults(ranked, limit), false
		}
		s.logger.Debug("identity ranker rejected every candidate, using relevance order",
			zap.Int("candidates", len(merged)))
	}
	return capResults(rankByRelevance(merged), limit), true
}

func capResults(results []discovery.SearchResult, limit int) []discovery.SearchResult {
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (s *session) tagByHost(results []discovery.SearchResult, strategy discovery.Strategy) []discovery.SearchResult {
	out := make([]discovery.SearchResult, 0, len(results))
	for _, r := range results {
		if src, ok := s.o.deps.Registry.SourceByHost(hostOf(r.URL)); ok {
			r = tagSource([]discovery.SearchResult{r}, src, strategy)[0]
		} else {
			r.Strategy = strategy
		}
		out = append(out, r)
	}
	return out
}

func tagSource(results []discovery.SearchResult, src discovery.SourceConfig, strategy discovery.Strategy) []discovery.SearchResult {
	for i := range results {
		results[i].Source = src.Name
		results[i].SourceID = src.ID
		results[i].Lens = src.Lens
		results[i].Credibility = src.Credibility
		results[i].Strategy = strategy
	}
	return results
}

// onDomain drops results a relaxed query let in from other hosts.
func onDomain(results []discovery.SearchResult, domain string) []discovery.SearchResult {
	domain = strings.ToLower(domain)
	out := make([]discovery.SearchResult, 0, len(results))
	for _, r := range results {
		h := hostOf(r.URL)
		if h == domain || strings.HasSuffix(h, "."+domain) {
			out = append(out, r)
		}
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
