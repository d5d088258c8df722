package query

import (
	"math"
	"strings"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

// corroborationThreshold is the locale-hint confidence that lifts ambiguity dampening.
const corroborationThreshold = 0.5

var ambiguityDampening = map[discovery.Ambiguity]float64{
	discovery.AmbiguityLow:    1.0,
	discovery.AmbiguityMedium: 0.7,
	discovery.AmbiguityHigh:   0.4,
}

var diacriticCues = map[string]string{
	"é": "fr", "è": "fr", "ê": "fr", "à": "fr", "ô": "fr", "û": "fr", "î": "fr",
	"ñ": "es",
	"ä": "de", "ö": "de", "ü": "de", "ß": "de",
	"ã": "pt", "õ": "pt",
}

// DetectLocaleHints scores the locales suggested by lexical cues and diacritics in name.
func (b *Builder) DetectLocaleHints(name string) discovery.LocaleHint {
	hits := map[string]int{}
	tokens := Tokenize(name)
	for locale, cues := range b.reg.LocaleCues() {
		for _, cue := range cues {
			folded := Fold(cue)
			for _, tok := range tokens {
				if tok == folded {
					hits[locale]++
				}
			}
		}
	}
	lower := strings.ToLower(name)
	for mark, locale := range diacriticCues {
		if strings.Contains(lower, mark) {
			hits[locale]++
		}
	}
	hints := discovery.LocaleHint{}
	for locale, n := range hits {
		hints[locale] = math.Min(1, 0.45*float64(n))
	}
	return hints
}

// DetectQualifiers finds qualifier terms in name. Ambiguous terms are dampened
// unless a locale hint for one of the qualifier's locales corroborates them.
func (b *Builder) DetectQualifiers(name string, hints discovery.LocaleHint) []QualifierMatch {
	working := " " + strings.Join(Tokenize(name), " ") + " "
	var out []QualifierMatch
	for _, q := range b.reg.Qualifiers() {
		for _, phrase := range append([]string{q.Term}, q.Aliases...) {
			needle := " " + strings.Join(Tokenize(phrase), " ") + " "
			if strings.TrimSpace(needle) == "" || !strings.Contains(working, needle) {
				continue
			}
			working = strings.Replace(working, needle, " ", 1)
			corroborated := false
			for _, loc := range q.Locales {
				if hints[loc] >= corroborationThreshold {
					corroborated = true
					break
				}
			}
			weight := q.Weight
			if !corroborated {
				weight *= ambiguityDampening[q.Ambiguity]
			}
			out = append(out, QualifierMatch{
				Qualifier:    q,
				Matched:      matchedSurface(name, phrase),
				Weight:       weight,
				Corroborated: corroborated,
			})
			break
		}
	}
	return out
}

// DetectGrape returns the grape named in name or style, if any.
func (b *Builder) DetectGrape(name, style string) string {
	for _, text := range []string{name, style} {
		if text == "" {
			continue
		}
		hay := " " + strings.Join(Tokenize(text), " ") + " "
		for _, grape := range b.reg.Grapes() {
			if strings.Contains(hay, " "+strings.Join(Tokenize(grape), " ")+" ") {
				return grape
			}
		}
	}
	return ""
}

// matchedSurface finds how phrase is spelled in name so it can be stripped later.
func matchedSurface(name, phrase string) string {
	words := strings.Fields(name)
	want := Tokenize(phrase)
	for i := range words {
		var got []string
		for j := i; j < len(words) && len(got) < len(want); j++ {
			got = append(got, Tokenize(words[j])...)
			if len(got) == len(want) && strings.Join(got, " ") == strings.Join(want, " ") {
				return strings.Join(words[i:j+1], " ")
			}
		}
	}
	return phrase
}
