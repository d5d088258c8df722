package orchestrator

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
)

// Relevance labels.
const (
	RelevanceHigh   = "high"
	RelevanceMedium = "medium"
	RelevanceLow    = "low"
)

const (
	highRelevance    = 0.75
	mediumRelevance  = 0.45
	confidenceTopK   = 5
	confidenceFullAt = 3
	wrongVintageMult = 0.7
	qualifierBonus   = 0.05
)

var lensWeights = map[discovery.Lens]float64{
	discovery.LensCompetition: 1.0,
	discovery.LensCritic:      1.0,
	discovery.LensPanelGuide:  0.9,
	discovery.LensCommunity:   0.6,
	discovery.LensProducer:    0.5,
}

// relevanceScorer is the token-overlap scorer used for discovery confidence and
// as the ranking fallback.
type relevanceScorer struct {
	name       []string
	vintage    int
	qualifiers [][]string
	weights    []float64
}

func newRelevanceScorer(wine discovery.Wine, qualifiers []query.QualifierMatch) relevanceScorer {
	s := relevanceScorer{vintage: wine.Vintage}
	for _, tok := range query.Tokenize(query.StripParentheticals(wine.Name)) {
		if !query.IsVintageToken(tok) {
			s.name = append(s.name, tok)
		}
	}
	for _, q := range qualifiers {
		s.qualifiers = append(s.qualifiers, query.Tokenize(q.Matched))
		s.weights = append(s.weights, q.Weight)
	}
	return s
}

// Score returns a relevance in [0,1] for r.
func (s relevanceScorer) Score(r discovery.SearchResult) float64 {
	text := r.Title + " " + r.Snippet + " " + pathOf(r.URL)
	present := map[string]bool{}
	var years []string
	for _, tok := range query.Tokenize(text) {
		present[tok] = true
		if query.IsVintageToken(tok) {
			years = append(years, tok)
		}
	}
	if len(s.name) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range s.name {
		if present[tok] {
			hits++
		}
	}
	overlap := float64(hits) / float64(len(s.name))

	var score float64
	if s.vintage == 0 {
		score = overlap
	} else {
		score = 0.8 * overlap
		want := strconv.Itoa(s.vintage)
		if present[want] {
			score += 0.2
		} else if len(years) > 0 {
			score *= wrongVintageMult
		}
	}
	for i, toks := range s.qualifiers {
		if len(toks) > 0 && containsAll(present, toks) {
			score += qualifierBonus * s.weights[i]
		}
	}
	return math.Min(1, math.Round(score*1000)/1000)
}

// Annotate sets RelevanceScore and Relevance on every result that lacks them.
func (s relevanceScorer) Annotate(results []discovery.SearchResult) {
	for i := range results {
		if results[i].RelevanceScore != nil {
			continue
		}
		score := s.Score(results[i])
		results[i].RelevanceScore = &score
		results[i].Relevance = relevanceLabel(score)
	}
}

func relevanceLabel(score float64) string {
	switch {
	case score >= highRelevance:
		return RelevanceHigh
	case score >= mediumRelevance:
		return RelevanceMedium
	}
	return RelevanceLow
}

// DiscoveryConfidence is the mean lens-weighted relevance of the top five
// results, scaled down when fewer than three results exist.
func DiscoveryConfidence(results []discovery.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	scores := make([]float64, 0, len(results))
	for _, r := range results {
		if r.RelevanceScore == nil {
			continue
		}
		w, ok := lensWeights[r.Lens]
		if !ok {
			w = lensWeights[discovery.LensCommunity]
		}
		scores = append(scores, *r.RelevanceScore*w)
	}
	if len(scores) == 0 {
		return 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
	top := scores[:min(confidenceTopK, len(scores))]
	sum := 0.0
	for _, s := range top {
		sum += s
	}
	coverage := math.Min(1, float64(len(scores))/confidenceFullAt)
	return math.Round(sum/float64(len(top))*coverage*1000) / 1000
}

// Dedupe keeps the first result per URL. Merging a list with itself is a no-op.
func Dedupe(results []discovery.SearchResult) []discovery.SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]discovery.SearchResult, 0, len(results))
	for _, r := range results {
		key := urlKey(r.URL)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// rankByRelevance orders results by descending relevance, keeping merge order on ties.
func rankByRelevance(results []discovery.SearchResult) []discovery.SearchResult {
	out := append([]discovery.SearchResult(nil), results...)
	sort.SliceStable(out, func(i, j int) bool {
		return score(out[i]) > score(out[j])
	})
	return out
}

func score(r discovery.SearchResult) float64 {
	if r.RelevanceScore == nil {
		return 0
	}
	return *r.RelevanceScore
}

func urlKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return host + strings.TrimSuffix(u.EscapedPath(), "/") + queryPart(u)
}

func queryPart(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func containsAll(present map[string]bool, toks []string) bool {
	for _, t := range toks {
		if !present[t] {
			return false
		}
	}
	return true
}
