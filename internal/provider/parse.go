package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
)

// Parse errors.
var (
	ErrNoScore          = errors.New("provider: no score found")
	ErrImplausibleScore = errors.New("provider: score outside plausible range")
)

// Where a rating was parsed from, in priority order.
const (
	FromJSONLD = "json_ld"
	FromMeta   = "meta"
	FromText   = "text"
)

const maxTextChars = 20000

// ScoreRange bounds accepted scores on the 100-point scale.
type ScoreRange struct {
	Min float64
	Max float64
}

// DefaultScoreRange accepts 50 to 100 points.
var DefaultScoreRange = ScoreRange{Min: 50, Max: 100}

// ParseFields extracts the raw rating fields from an HTML page.
func ParseFields(pageURL string, html []byte) (discovery.RawFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return discovery.RawFields{}, fmt.Errorf("parse html: %w", err)
	}
	fields := discovery.RawFields{URL: pageURL}
	fields.Title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		if raw := strings.TrimSpace(s.Text()); raw != "" {
			fields.JSONLD = append(fields.JSONLD, raw)
		}
	})

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, _ := s.Attr("property")
		if key == "" {
			key, _ = s.Attr("name")
		}
		if key == "" {
			key, _ = s.Attr("itemprop")
		}
		content, ok := s.Attr("content")
		if key == "" || !ok || strings.TrimSpace(content) == "" {
			return
		}
		if fields.Meta == nil {
			fields.Meta = map[string]string{}
		}
		key = strings.ToLower(key)
		if _, seen := fields.Meta[key]; !seen {
			fields.Meta[key] = strings.TrimSpace(content)
		}
	})

	body := doc.Find("body")
	body.Find("script, style, noscript, template, nav, footer").Remove()
	text := strings.Join(strings.Fields(body.Text()), " ")
	fields.Text = truncateText(text, maxTextChars)
	return fields, nil
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Rating is the parsed content of a provider page before it is tied to a source.
type Rating struct {
	WineName    string
	Score       float64
	RawScore    float64
	RawScale    float64
	DrinkFrom   *int
	DrinkTo     *int
	TastingNote string
	ParsedFrom  string
}

// ExtractRating reads score, drinking window and tasting note from fields,
// preferring JSON-LD over meta tags over page text. scale is the source's
// native scale; zero lets the page decide. The normalised score must fall in rng.
func ExtractRating(fields discovery.RawFields, scale float64, rng ScoreRange) (Rating, error) {
	var r Rating
	found := false
	if ld, ok := ratingFromJSONLD(fields.JSONLD); ok {
		r, found = ld, true
		r.ParsedFrom = FromJSONLD
	} else if m, ok := ratingFromMeta(fields.Meta); ok {
		r, found = m, true
		r.ParsedFrom = FromMeta
	} else if t, ok := ratingFromText(fields.Text); ok {
		r, found = t, true
		r.ParsedFrom = FromText
	}
	if !found {
		return Rating{}, ErrNoScore
	}

	if r.RawScale == 0 {
		r.RawScale = scale
	}
	if r.RawScale == 0 {
		r.RawScale = inferScale(r.RawScore)
	}
	r.Score = math.Round(r.RawScore/r.RawScale*1000) / 10
	if r.Score < rng.Min || r.Score > rng.Max {
		return Rating{}, fmt.Errorf("%w: %.1f", ErrImplausibleScore, r.Score)
	}

	if r.WineName == "" {
		r.WineName = firstNonEmpty(fields.Meta["og:title"], fields.Title)
	}
	if r.TastingNote == "" {
		r.TastingNote = firstNonEmpty(fields.Meta["og:description"], fields.Meta["description"])
	}
	if r.DrinkFrom == nil {
		r.DrinkFrom, r.DrinkTo = drinkWindow(fields.Text)
	}
	return r, nil
}

// SlugScore rates how well a candidate URL path matches the name tokens of a
// wine, with a bonus when the vintage appears. The result is in [0,1].
func SlugScore(rawURL string, tokens []string, vintage int) float64 {
	u, err := url.Parse(rawURL)
	if err != nil || len(tokens) == 0 {
		return 0
	}
	slug := map[string]bool{}
	for _, tok := range query.Tokenize(u.Path) {
		slug[tok] = true
	}
	hits := 0
	for _, tok := range tokens {
		if slug[tok] {
			hits++
		}
	}
	score := float64(hits) / float64(len(tokens))
	if vintage > 0 && slug[strconv.Itoa(vintage)] {
		score += 0.2
	}
	return math.Min(score, 1)
}

func ratingFromJSONLD(blocks []string) (Rating, bool) {
	for _, raw := range blocks {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			continue
		}
		var r Rating
		if walkJSONLD(doc, &r) && r.RawScore > 0 {
			return r, true
		}
	}
	return Rating{}, false
}

// walkJSONLD fills r from the first rating object found under node.
func walkJSONLD(node any, r *Rating) bool {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if walkJSONLD(item, r) {
				return true
			}
		}
	case map[string]any:
		if r.WineName == "" && isProduct(v["@type"]) {
			r.WineName, _ = v["name"].(string)
		}
		if value, ok := number(v["ratingValue"]); ok {
			r.RawScore = value
			r.RawScale, _ = number(v["bestRating"])
			return true
		}
		for _, key := range []string{"@graph", "review", "reviewRating", "aggregateRating"} {
			child, ok := v[key]
			if !ok {
				continue
			}
			if walkJSONLD(child, r) {
				if r.TastingNote == "" {
					r.TastingNote, _ = v["reviewBody"].(string)
				}
				if r.TastingNote == "" && key != "@graph" {
					r.TastingNote, _ = v["description"].(string)
				}
				return true
			}
		}
	}
	return false
}

func isProduct(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "Product" || v == "Wine"
	case []any:
		for _, item := range v {
			if isProduct(item) {
				return true
			}
		}
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

var metaScoreKeys = []string{"rating", "wine:score", "og:rating", "ratingvalue", "score"}

func ratingFromMeta(meta map[string]string) (Rating, bool) {
	for _, key := range metaScoreKeys {
		raw, ok := meta[key]
		if !ok {
			continue
		}
		if r, ok := ratingFromText(raw); ok {
			return r, true
		}
		if value, err := strconv.ParseFloat(raw, 64); err == nil && value > 0 {
			scale, _ := number(meta["og:rating_scale"])
			return Rating{RawScore: value, RawScale: scale}, true
		}
	}
	return Rating{}, false
}

var (
	outOfRe  = regexp.MustCompile(`(?i)\b(\d{1,3}(?:[.,]\d)?)\s*(?:/|out of)\s*(100|20|5)\b`)
	pointsRe = regexp.MustCompile(`(?i)\b(\d{2,3})\s*(?:points|pts|punti|punkte|puntos)\b`)
	labelRe  = regexp.MustCompile(`(?i)\b(?:score|rating|note)\s*[:=]?\s*(\d{2,3}(?:[.,]\d)?)\b`)
	windowRe = regexp.MustCompile(`(?i)\b(?:drink|drinking window|best)\D{0,20}((?:19|20)\d{2})\s*(?:-|–|to|until)\s*((?:19|20)\d{2})\b`)
)

func ratingFromText(text string) (Rating, bool) {
	for _, m := range outOfRe.FindAllStringSubmatchIndex(text, -1) {
		// Dates such as 12/20/2023 are not scores.
		if (m[0] > 0 && text[m[0]-1] == '/') || (m[1] < len(text) && text[m[1]] == '/') {
			continue
		}
		score, err1 := parseDecimal(text[m[2]:m[3]])
		scale, err2 := parseDecimal(text[m[4]:m[5]])
		if err1 == nil && err2 == nil && score > 0 && score <= scale {
			return Rating{RawScore: score, RawScale: scale}, true
		}
	}
	for _, re := range []*regexp.Regexp{pointsRe, labelRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if score, err := parseDecimal(m[1]); err == nil && score > 0 {
				return Rating{RawScore: score}, true
			}
		}
	}
	return Rating{}, false
}

func drinkWindow(text string) (*int, *int) {
	m := windowRe.FindStringSubmatch(text)
	if m == nil {
		return nil, nil
	}
	from, _ := strconv.Atoi(m[1])
	to, _ := strconv.Atoi(m[2])
	if to < from {
		return nil, nil
	}
	return &from, &to
}

func inferScale(score float64) float64 {
	switch {
	case score <= 5:
		return 5
	case score <= 20:
		return 20
	}
	return 100
}

func parseDecimal(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
