package query

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	parentheticalRe = regexp.MustCompile(`\s*[\(\[][^\)\]]*[\)\]]`)
	spaceRe         = regexp.MustCompile(`\s+`)
	vintageRe       = regexp.MustCompile(`^(19|20)\d{2}$`)
)

var abbreviations = []struct{ from, to string }{
	{"st.", "saint"},
	{"ste.", "sainte"},
	{"ch.", "chateau"},
	{"mt.", "mount"},
	{"&", "and"},
}

var umlauts = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "Ä", "Ae", "Ö", "Oe", "Ü", "Ue", "ß", "ss")

// Fold removes diacritics and lowercases s.
func Fold(s string) string {
	s = strings.ReplaceAll(s, "ß", "ss")
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Tokenize folds s and splits it into alphanumeric tokens, dropping single letters.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 && !unicode.IsDigit(rune(f[0])) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// IsVintageToken reports whether tok looks like a 19xx or 20xx year.
func IsVintageToken(tok string) bool {
	return vintageRe.MatchString(tok)
}

// Vintages returns every year-like token in s.
func Vintages(s string) []int {
	var out []int
	for _, tok := range Tokenize(s) {
		if IsVintageToken(tok) {
			if v, err := strconv.Atoi(tok); err == nil {
				out = append(out, v)
			}
		}
	}
	return out
}

// StripParentheticals drops bracketed asides such as "(Magnum)" from a name.
func StripParentheticals(name string) string {
	return collapse(parentheticalRe.ReplaceAllString(name, ""))
}

// StripQualifiers removes matched qualifier phrases from name. The result is only
// used for discovery queries; ranking keeps the original name.
func StripQualifiers(name string, matches []QualifierMatch) string {
	out := name
	for _, m := range matches {
		if m.Matched == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(^|\s)` + regexp.QuoteMeta(m.Matched) + `(\s|$)`)
		if err != nil {
			continue
		}
		out = re.ReplaceAllString(out, " ")
	}
	return collapse(out)
}

// PhoneticVariants returns spellings of name that search engines often index
// differently: folded diacritics, transliterated umlauts and expanded abbreviations.
func PhoneticVariants(name string) []string {
	seen := map[string]struct{}{strings.ToLower(name): {}}
	var out []string
	add := func(v string) {
		v = collapse(v)
		key := strings.ToLower(v)
		if v == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}

	add(umlauts.Replace(name))
	add(foldKeepCase(name))

	expanded := strings.Fields(foldKeepCase(name))
	changed := false
	for i, tok := range expanded {
		for _, ab := range abbreviations {
			if strings.EqualFold(tok, ab.from) {
				expanded[i] = ab.to
				changed = true
			}
		}
	}
	if changed {
		add(strings.Join(expanded, " "))
	}
	return out
}

func foldKeepCase(s string) string {
	s = strings.ReplaceAll(s, "ß", "ss")
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
