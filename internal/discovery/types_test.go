package discovery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLensValid(t *testing.T) {
	t.Parallel()

	for _, lens := range []Lens{LensCompetition, LensPanelGuide, LensCritic, LensCommunity, LensProducer} {
		require.True(t, lens.Valid(), string(lens))
	}
	require.False(t, Lens("blog").Valid())
}

func TestSearchResult_OptionalScoresOmitted(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(SearchResult{Title: "t", URL: "https://example.com"})
	require.NoError(t, err)
	require.NotContains(t, string(raw), "relevance_score")
	require.NotContains(t, string(raw), "identity_valid")

	score := 0.8
	valid := false
	raw, err = json.Marshal(SearchResult{URL: "https://example.com", RelevanceScore: &score, IdentityValid: &valid})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"relevance_score":0.8`)
	require.Contains(t, string(raw), `"identity_valid":false`)
}
