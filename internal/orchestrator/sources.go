package orchestrator

import (
	"sort"
	"strings"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/query"
)

const (
	maxGrapeCompetitions  = 2
	maxGlobalCompetitions = 2
	communitySlots        = 1
)

// sourcePlan splits the registry into targeted sources and broad domains.
type sourcePlan struct {
	targeted []discovery.SourceConfig
	broad    []discovery.SourceConfig
}

// planSources picks up to maxTargeted sources for single-source queries:
// competitions for the detected grape, global competitions, critics and panel
// guides with a preference for the wine's home region, and one community
// source. Remaining non-community sources feed the broad query.
func planSources(sources []discovery.SourceConfig, grape, country string, maxTargeted, maxBroad int) sourcePlan {
	home := query.Fold(strings.TrimSpace(country))
	var grapeComps, globalComps, reviewers, community []discovery.SourceConfig
	for _, s := range sources {
		switch s.Lens {
		case discovery.LensCompetition:
			if len(s.GrapeAffinity) == 0 {
				globalComps = append(globalComps, s)
			} else if grape != "" && matchesAny(grape, s.GrapeAffinity) {
				grapeComps = append(grapeComps, s)
			}
		case discovery.LensCritic, discovery.LensPanelGuide:
			reviewers = append(reviewers, s)
		case discovery.LensCommunity:
			community = append(community, s)
		}
	}
	for _, group := range [][]discovery.SourceConfig{grapeComps, globalComps, reviewers, community} {
		sortByPreference(group, home)
	}

	var plan sourcePlan
	take := func(group []discovery.SourceConfig, n int) {
		for _, s := range group {
			if n <= 0 || len(plan.targeted) >= maxTargeted {
				return
			}
			plan.targeted = append(plan.targeted, s)
			n--
		}
	}
	take(grapeComps, maxGrapeCompetitions)
	take(globalComps, maxGlobalCompetitions)
	take(reviewers, maxTargeted-len(plan.targeted)-communitySlots)
	take(community, communitySlots)

	picked := map[string]bool{}
	for _, s := range plan.targeted {
		picked[s.ID] = true
	}
	var rest []discovery.SourceConfig
	for _, s := range sources {
		if picked[s.ID] || s.Lens == discovery.LensCommunity {
			continue
		}
		if s.Lens == discovery.LensCompetition && len(s.GrapeAffinity) > 0 && !matchesAny(grape, s.GrapeAffinity) {
			continue
		}
		rest = append(rest, s)
	}
	sortByPreference(rest, home)
	if len(rest) > maxBroad {
		rest = rest[:maxBroad]
	}
	plan.broad = rest
	return plan
}

// sortByPreference puts home-region sources first, then orders by credibility.
func sortByPreference(sources []discovery.SourceConfig, home string) {
	sort.SliceStable(sources, func(i, j int) bool {
		hi, hj := isHome(sources[i], home), isHome(sources[j], home)
		if hi != hj {
			return hi
		}
		return sources[i].Credibility > sources[j].Credibility
	})
}

func isHome(s discovery.SourceConfig, home string) bool {
	if home == "" {
		return false
	}
	for _, r := range s.HomeRegions {
		if query.Fold(r) == home {
			return true
		}
	}
	return false
}

func matchesAny(grape string, affinity []string) bool {
	g := query.Fold(grape)
	for _, a := range affinity {
		if query.Fold(a) == g {
			return true
		}
	}
	return false
}

func domainsOf(sources []discovery.SourceConfig) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Domain
	}
	return out
}

// intentFor picks the query family that suits a source's lens.
func intentFor(lens discovery.Lens) discovery.Intent {
	switch lens {
	case discovery.LensCompetition:
		return discovery.IntentAwards
	case discovery.LensCommunity:
		return discovery.IntentCommunity
	}
	return discovery.IntentReviews
}
