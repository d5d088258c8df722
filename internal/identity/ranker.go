// Package identity is a token-overlap stand-in for the host application's
// identity and ranking collaborator.
package identity

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
)

// Config sets the candidate caps.
type Config struct {
	MaxURLs      int            `mapstructure:"max_urls"`
	MaxPerDomain int            `mapstructure:"max_per_domain"`
	MarketCaps   map[string]int `mapstructure:"market_caps"`
}

// Composite score weights.
const (
	identityWeight    = 0.6
	discoveryWeight   = 0.25
	credibilityWeight = 0.15
	minProducerShare  = 0.5
)

var strategyWeights = map[discovery.Strategy]float64{
	discovery.StrategyTargeted:  1.0,
	discovery.StrategyProducer:  0.9,
	discovery.StrategyBroad:     0.8,
	discovery.StrategyVariation: 0.6,
}

// TokenRanker implements discovery.IdentityRanker and discovery.IdentityValidator.
type TokenRanker struct {
	cfg     Config
	builder *query.Builder
}

// NewTokenRanker creates a TokenRanker. builder supplies producer extraction.
func NewTokenRanker(cfg Config, builder *query.Builder) *TokenRanker {
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 8
	}
	if cfg.MaxPerDomain <= 0 {
		cfg.MaxPerDomain = 2
	}
	return &TokenRanker{cfg: cfg, builder: builder}
}

// GenerateIdentityTokens splits the wine into producer and remaining name tokens.
func (r *TokenRanker) GenerateIdentityTokens(wine discovery.Wine) discovery.IdentityTokens {
	tokens := discovery.IdentityTokens{Vintage: wine.Vintage}
	if tokens.Vintage == 0 {
		if vs := query.Vintages(wine.Name); len(vs) > 0 {
			tokens.Vintage = vs[0]
		}
	}
	producer := map[string]bool{}
	for _, tok := range query.Tokenize(r.builder.ExtractProducer(wine.Name)) {
		producer[tok] = true
		tokens.Producer = append(tokens.Producer, tok)
	}
	for _, tok := range query.Tokenize(query.StripParentheticals(wine.Name)) {
		if producer[tok] || query.IsVintageToken(tok) {
			continue
		}
		tokens.Name = append(tokens.Name, tok)
	}
	return tokens
}

// ScoreAndRankURLs annotates every candidate and orders valid candidates by
// composite score ahead of invalid ones. The input slice is not modified.
func (r *TokenRanker) ScoreAndRankURLs(candidates []discovery.SearchResult, tokens discovery.IdentityTokens, _ string) []discovery.SearchResult {
	out := make([]discovery.SearchResult, len(candidates))
	for i, c := range candidates {
		text := candidateText(c)
		identity, valid := r.score(tokens, text)
		disc := strategyWeights[c.Strategy]
		if c.RelevanceScore != nil {
			disc = *c.RelevanceScore
		}
		composite := round(identityWeight*identity + discoveryWeight*disc + credibilityWeight*c.Credibility)
		identity = round(identity)
		c.IdentityScore = &identity
		c.IdentityValid = &valid
		c.DiscoveryScore = &disc
		c.CompositeScore = &composite
		c.FetchPriority = nil
		out[i] = c
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, vj := *out[i].IdentityValid, *out[j].IdentityValid
		if vi != vj {
			return vi
		}
		return *out[i].CompositeScore > *out[j].CompositeScore
	})
	priority := 0
	for i := range out {
		if *out[i].IdentityValid {
			priority++
			p := priority
			out[i].FetchPriority = &p
		}
	}
	return out
}

// ApplyMarketCaps keeps valid candidates in order, at most MaxPerDomain per
// domain and at most the market's URL cap overall.
func (r *TokenRanker) ApplyMarketCaps(ranked []discovery.SearchResult, market string) []discovery.SearchResult {
	limit := r.cfg.MaxURLs
	if n, ok := r.cfg.MarketCaps[strings.ToLower(market)]; ok && n > 0 {
		limit = n
	}
	perDomain := map[string]int{}
	var out []discovery.SearchResult
	for _, c := range ranked {
		if c.IdentityValid == nil || !*c.IdentityValid {
			continue
		}
		host := hostOf(c.URL)
		if perDomain[host] >= r.cfg.MaxPerDomain {
			continue
		}
		perDomain[host]++
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

// ValidateIdentity checks a page's wine name and URL against tokens.
func (r *TokenRanker) ValidateIdentity(tokens discovery.IdentityTokens, pageWineName, pageURL string) bool {
	_, valid := r.score(tokens, pageWineName+" "+urlText(pageURL))
	return valid
}

// score returns the identity score of text and whether it passes the producer
// and vintage checks.
func (r *TokenRanker) score(tokens discovery.IdentityTokens, text string) (float64, bool) {
	present := map[string]bool{}
	var vintages []string
	for _, tok := range query.Tokenize(text) {
		present[tok] = true
		if query.IsVintageToken(tok) {
			vintages = append(vintages, tok)
		}
	}
	producer := share(tokens.Producer, present)
	name := share(tokens.Name, present)
	if len(tokens.Producer) == 0 {
		producer = name
	}
	if len(tokens.Name) == 0 {
		name = producer
	}

	vintageOK, vintageHit := true, false
	if tokens.Vintage > 0 && len(vintages) > 0 {
		want := strconv.Itoa(tokens.Vintage)
		vintageOK = false
		for _, v := range vintages {
			if v == want {
				vintageOK, vintageHit = true, true
				break
			}
		}
	}

	s := 0.6*producer + 0.3*name
	if vintageHit {
		s += 0.1
	}
	return math.Min(s, 1), producer >= minProducerShare && vintageOK
}

func share(tokens []string, present map[string]bool) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, t := range tokens {
		if present[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

func candidateText(c discovery.SearchResult) string {
	return c.Title + " " + c.Snippet + " " + urlText(c.URL)
}

func urlText(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func round(f float64) float64 {
	return math.Round(f*1000) / 1000
}
