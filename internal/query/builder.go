// Package query builds search-engine queries, locale parameters and name
// variants for a wine.
package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/registry"
)

// QualifierMatch is re-exported for callers that only import query.
type QualifierMatch = discovery.QualifierMatch

// DefaultLocale is used when the country has no registry entry.
var DefaultLocale = discovery.Locale{HL: "en", GL: "us"}

// nearZeroResults is the count at or below which an operator query is retried relaxed.
const nearZeroResults = 1

var (
	siteClauseRe = regexp.MustCompile(`\(?site:\S+?(?:\s+OR\s+site:\S+?)*\)?(?:\s|$)`)
	orChainRe    = regexp.MustCompile(`(\S+)(?:\s+OR\s+\S+)+`)
)

// Builder derives queries from a wine using the registry tables.
type Builder struct {
	reg *registry.Registry
}

// NewBuilder creates a Builder.
func NewBuilder(reg *registry.Registry) *Builder {
	return &Builder{reg: reg}
}

// LocaleParams maps the wine's country to hl/gl codes.
func (b *Builder) LocaleParams(wine discovery.Wine) discovery.Locale {
	if loc, ok := b.reg.Locale(wine.Country); ok {
		return loc
	}
	return DefaultLocale
}

// DiscoveryName is the wine name with parentheticals and qualifiers removed.
func (b *Builder) DiscoveryName(wine discovery.Wine) string {
	name := StripParentheticals(wine.Name)
	hints := b.DetectLocaleHints(name)
	simple := StripQualifiers(name, b.DetectQualifiers(name, hints))
	if simple == "" {
		return name
	}
	return simple
}

// BuildQueryVariants returns queries for intent ordered from most to least specific.
func (b *Builder) BuildQueryVariants(wine discovery.Wine, intent discovery.Intent) []string {
	name := StripParentheticals(wine.Name)
	if name == "" {
		return nil
	}
	simple := b.DiscoveryName(wine)
	v := vintageString(wine.Vintage)

	var variants []string
	switch intent {
	case discovery.IntentAwards:
		variants = []string{
			fmt.Sprintf("%s %s medal", quote(name), v),
			fmt.Sprintf("%s award OR medal OR trophy", quote(simple)),
			fmt.Sprintf("%s %s wine award", simple, v),
		}
	case discovery.IntentCommunity:
		variants = []string{
			fmt.Sprintf("%s %s tasting notes", quote(name), v),
			fmt.Sprintf("%s %s wine rating", simple, v),
		}
	case discovery.IntentProducer:
		producer := b.ExtractProducer(wine.Name)
		variants = []string{
			fmt.Sprintf("%s winery official site", quote(producer)),
			fmt.Sprintf("%s wine estate %s", producer, wine.Country),
		}
	default:
		variants = []string{
			fmt.Sprintf("%s %s review rating", quote(name), v),
			fmt.Sprintf("%s %s", quote(name), v),
			fmt.Sprintf("%s %s wine review", simple, v),
		}
	}
	return dedupe(variants)
}

// VariationQueries returns up to limit alternate spellings of the wine for the
// variation strategy.
func (b *Builder) VariationQueries(wine discovery.Wine, limit int) []string {
	v := vintageString(wine.Vintage)
	simple := b.DiscoveryName(wine)
	var out []string
	if !strings.EqualFold(simple, StripParentheticals(wine.Name)) {
		out = append(out, simple+" "+v)
	}
	for _, variant := range PhoneticVariants(simple) {
		out = append(out, variant+" "+v)
	}
	if producer := b.ExtractProducer(wine.Name); producer != "" && !strings.EqualFold(producer, simple) {
		out = append(out, producer+" "+v+" wine")
	}
	out = dedupe(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ExtractProducer guesses the producer from the leading tokens of name, stopping
// at the first grape, style or qualifier word.
func (b *Builder) ExtractProducer(name string) string {
	words := strings.Fields(StripParentheticals(name))
	limit := 3
	if len(words) > 0 && b.reg.IsProducerToken(Fold(words[0])) {
		limit = 4
	}
	var out []string
	for i, w := range words {
		toks := Tokenize(w)
		if len(toks) == 0 {
			continue
		}
		tok := toks[0]
		if IsVintageToken(tok) {
			break
		}
		if b.reg.IsStopToken(tok) && !(i == 0 && b.reg.IsProducerToken(tok)) {
			if len(out) == 0 {
				continue
			}
			break
		}
		out = append(out, w)
		if len(out) == limit {
			break
		}
	}
	return strings.Join(out, " ")
}

// NameTokenCount counts the tokens of a wine name, excluding the vintage.
func NameTokenCount(name string) int {
	n := 0
	for _, tok := range Tokenize(StripParentheticals(name)) {
		if !IsVintageToken(tok) {
			n++
		}
	}
	return n
}

// WithSites restricts q to domains using site: operators.
func WithSites(q string, domains []string) string {
	switch len(domains) {
	case 0:
		return q
	case 1:
		return q + " site:" + domains[0]
	}
	sites := make([]string, len(domains))
	for i, d := range domains {
		sites[i] = "site:" + d
	}
	return q + " (" + strings.Join(sites, " OR ") + ")"
}

// ShouldRetryWithoutOperators reports whether an operator-heavy query that came
// back near empty deserves a relaxed retry.
func ShouldRetryWithoutOperators(resultCount int, q string) bool {
	if resultCount > nearZeroResults {
		return false
	}
	return strings.Contains(q, `"`) || strings.Contains(q, " OR ")
}

// Relax drops quotes and OR alternatives from q while keeping its site restriction.
func Relax(q string) string {
	site := strings.TrimSpace(siteClauseRe.FindString(q))
	body := q
	if site != "" {
		body = strings.Replace(body, site, " ", 1)
	}
	body = strings.ReplaceAll(body, `"`, "")
	body = orChainRe.ReplaceAllString(body, "$1")
	body = collapse(body)
	if site != "" {
		return body + " " + site
	}
	return body
}

func quote(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
	if s == "" {
		return ""
	}
	return `"` + s + `"`
}

func vintageString(v int) string {
	if v <= 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, q := range in {
		q = collapse(q)
		if q == "" || q == `""` {
			continue
		}
		key := strings.ToLower(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	return out
}
