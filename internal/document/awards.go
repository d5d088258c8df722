package document

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

const maxContextChars = 240

var (
	medalRe  = regexp.MustCompile(`(?i)\b(double gold|grand gold|platinum|gold|silver|bronze)\b(?:\s+(?:medal|award|outstanding))?`)
	trophyRe = regexp.MustCompile(`(?i)\b(trophy|best in show|top 10|top ten)\b`)
	starsRe  = regexp.MustCompile(`(?i)\b([1-5](?:[.,]5)?)\s*stars?\b`)
	scoreRe  = regexp.MustCompile(`(?i)\b(\d{2,3})\s*(?:points|pts|/\s*100)\b`)
)

// ExtractAwards finds medal, trophy, star and points mentions in text. Each
// match carries its line as context.
func ExtractAwards(text string) []discovery.Award {
	var awards []discovery.Award
	seen := map[string]bool{}
	for _, line := range splitLines(text) {
		ctx := line
		if len(ctx) > maxContextChars {
			ctx = ctx[:maxContextChars]
		}
		add := func(a discovery.Award) {
			key := a.Medal + "|" + strconv.Itoa(a.Points) + "|" + ctx
			if seen[key] {
				return
			}
			seen[key] = true
			awards = append(awards, a)
		}
		for _, m := range medalRe.FindAllStringSubmatch(line, -1) {
			add(discovery.Award{Medal: strings.ToLower(m[1]), Context: ctx})
		}
		for _, m := range trophyRe.FindAllStringSubmatch(line, -1) {
			add(discovery.Award{Medal: strings.ToLower(m[1]), Context: ctx})
		}
		for _, m := range starsRe.FindAllStringSubmatch(line, -1) {
			add(discovery.Award{Medal: strings.ReplaceAll(m[1], ",", ".") + " stars", Context: ctx})
		}
		for _, m := range scoreRe.FindAllStringSubmatch(line, -1) {
			if points, err := strconv.Atoi(m[1]); err == nil && points >= 50 && points <= 100 {
				add(discovery.Award{Points: points, Context: ctx})
			}
		}
	}
	return awards
}

func splitLines(text string) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.Join(strings.Fields(raw), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
