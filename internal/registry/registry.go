// Package registry loads the immutable source, qualifier, region and grape
// tables once at process start. The tables are injected into constructors
// instead of being read from package state.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

//go:embed tables.yaml
var defaultTables []byte

// Tables is the on-disk shape of the registry.
type Tables struct {
	Sources        []discovery.SourceConfig    `yaml:"sources"`
	Qualifiers     []discovery.Qualifier       `yaml:"qualifiers"`
	Regions        map[string]discovery.Locale `yaml:"regions"`
	Grapes         []string                    `yaml:"grapes"`
	StyleTokens    []string                    `yaml:"style_tokens"`
	ProducerTokens []string                    `yaml:"producer_tokens"`
	LocaleCues     map[string][]string         `yaml:"locale_cues"`
}

// Registry is a read-only view over Tables.
type Registry struct {
	sources        []discovery.SourceConfig
	byID           map[string]int
	byDomain       map[string]int
	qualifiers     []discovery.Qualifier
	regions        map[string]discovery.Locale
	grapes         []string
	stopTokens     map[string]struct{}
	producerTokens map[string]struct{}
	localeCues     map[string][]string
}

// Default parses the embedded tables.
func Default() (*Registry, error) {
	return Parse(defaultTables)
}

// Load reads tables from path, falling back to the embedded tables when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML tables and validates them.
func Parse(raw []byte) (*Registry, error) {
	var t Tables
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return New(t)
}

// New validates t and copies it into an immutable Registry.
func New(t Tables) (*Registry, error) {
	r := &Registry{
		byID:           make(map[string]int, len(t.Sources)),
		byDomain:       make(map[string]int, len(t.Sources)),
		regions:        make(map[string]discovery.Locale, len(t.Regions)),
		stopTokens:     make(map[string]struct{}),
		producerTokens: make(map[string]struct{}),
		localeCues:     make(map[string][]string, len(t.LocaleCues)),
	}
	for _, src := range t.Sources {
		if src.ID == "" || src.Domain == "" {
			return nil, fmt.Errorf("source %q: id and domain are required", src.ID)
		}
		if !src.Lens.Valid() {
			return nil, fmt.Errorf("source %q: unknown lens %q", src.ID, src.Lens)
		}
		if src.Credibility < 0 || src.Credibility > 1 {
			return nil, fmt.Errorf("source %q: credibility must be within [0,1]", src.ID)
		}
		if _, dup := r.byID[src.ID]; dup {
			return nil, fmt.Errorf("source %q: duplicate id", src.ID)
		}
		src.Domain = strings.ToLower(src.Domain)
		src.GrapeAffinity = lowerAll(src.GrapeAffinity)
		src.HomeRegions = lowerAll(src.HomeRegions)
		r.byID[src.ID] = len(r.sources)
		r.byDomain[src.Domain] = len(r.sources)
		r.sources = append(r.sources, src)
	}
	for _, q := range t.Qualifiers {
		switch q.Ambiguity {
		case discovery.AmbiguityLow, discovery.AmbiguityMedium, discovery.AmbiguityHigh:
		default:
			return nil, fmt.Errorf("qualifier %q: unknown ambiguity %q", q.Term, q.Ambiguity)
		}
		q.Term = strings.ToLower(q.Term)
		q.Aliases = lowerAll(q.Aliases)
		r.qualifiers = append(r.qualifiers, q)
		for _, phrase := range append([]string{q.Term}, q.Aliases...) {
			for _, tok := range strings.Fields(phrase) {
				r.stopTokens[tok] = struct{}{}
			}
		}
	}
	// Longer terms first so "gran reserva" wins over "reserva".
	sort.SliceStable(r.qualifiers, func(i, j int) bool {
		return len(r.qualifiers[i].Term) > len(r.qualifiers[j].Term)
	})
	for country, loc := range t.Regions {
		r.regions[strings.ToLower(strings.TrimSpace(country))] = loc
	}
	r.grapes = lowerAll(t.Grapes)
	sort.SliceStable(r.grapes, func(i, j int) bool { return len(r.grapes[i]) > len(r.grapes[j]) })
	for _, g := range r.grapes {
		for _, tok := range strings.Fields(g) {
			r.stopTokens[tok] = struct{}{}
		}
	}
	for _, tok := range t.StyleTokens {
		r.stopTokens[strings.ToLower(tok)] = struct{}{}
	}
	for _, tok := range t.ProducerTokens {
		r.producerTokens[strings.ToLower(tok)] = struct{}{}
	}
	for locale, cues := range t.LocaleCues {
		r.localeCues[strings.ToLower(locale)] = lowerAll(cues)
	}
	return r, nil
}

// Sources returns a copy of every source in registry order.
func (r *Registry) Sources() []discovery.SourceConfig {
	out := make([]discovery.SourceConfig, len(r.sources))
	copy(out, r.sources)
	return out
}

// Source looks up a source by ID.
func (r *Registry) Source(id string) (discovery.SourceConfig, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return discovery.SourceConfig{}, false
	}
	return r.sources[idx], true
}

// SourceByHost matches a hostname against source domains, including subdomains.
func (r *Registry) SourceByHost(host string) (discovery.SourceConfig, bool) {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for host != "" {
		if idx, ok := r.byDomain[host]; ok {
			return r.sources[idx], true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	return discovery.SourceConfig{}, false
}

// Qualifiers returns the qualifier table, longest terms first.
func (r *Registry) Qualifiers() []discovery.Qualifier {
	out := make([]discovery.Qualifier, len(r.qualifiers))
	copy(out, r.qualifiers)
	return out
}

// Locale maps a country to search locale parameters.
func (r *Registry) Locale(country string) (discovery.Locale, bool) {
	loc, ok := r.regions[strings.ToLower(strings.TrimSpace(country))]
	return loc, ok
}

// Grapes returns grape names, longest first.
func (r *Registry) Grapes() []string {
	out := make([]string, len(r.grapes))
	copy(out, r.grapes)
	return out
}

// IsStopToken reports whether tok is a grape, style or qualifier word.
func (r *Registry) IsStopToken(tok string) bool {
	_, ok := r.stopTokens[strings.ToLower(tok)]
	return ok
}

// IsProducerToken reports whether tok is a producer prefix such as "Domaine".
func (r *Registry) IsProducerToken(tok string) bool {
	_, ok := r.producerTokens[strings.ToLower(tok)]
	return ok
}

// LocaleCues returns the lexical cues per locale.
func (r *Registry) LocaleCues() map[string][]string {
	out := make(map[string][]string, len(r.localeCues))
	for k, v := range r.localeCues {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
