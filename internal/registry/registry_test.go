package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

func TestDefaultTablesLoad(t *testing.T) {
	t.Parallel()

	r, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, r.Sources())
	require.NotEmpty(t, r.Qualifiers())

	loc, ok := r.Locale("Spain")
	require.True(t, ok)
	require.Equal(t, discovery.Locale{HL: "es", GL: "es"}, loc)

	_, ok = r.Locale("Atlantis")
	require.False(t, ok)

	src, ok := r.Source("platter")
	require.True(t, ok)
	require.Equal(t, discovery.LensPanelGuide, src.Lens)
}

func TestQualifiersLongestFirst(t *testing.T) {
	t.Parallel()

	r, err := Default()
	require.NoError(t, err)
	var grIdx, rIdx int
	for i, q := range r.Qualifiers() {
		switch q.Term {
		case "gran reserva":
			grIdx = i
		case "reserva":
			rIdx = i
		}
	}
	require.Less(t, grIdx, rIdx)
}

func TestSourceByHostMatchesSubdomains(t *testing.T) {
	t.Parallel()

	r, err := Default()
	require.NoError(t, err)

	src, ok := r.SourceByHost("www.winespectator.com")
	require.True(t, ok)
	require.Equal(t, "wine_spectator", src.ID)

	src, ok = r.SourceByHost("awards.decanter.com")
	require.True(t, ok)
	require.Equal(t, "decanter_wwa", src.ID)

	src, ok = r.SourceByHost("shop.decanter.com")
	require.True(t, ok)
	require.Equal(t, "decanter", src.ID)

	_, ok = r.SourceByHost("example.org")
	require.False(t, ok)
}

func TestStopAndProducerTokens(t *testing.T) {
	t.Parallel()

	r, err := Default()
	require.NoError(t, err)
	require.True(t, r.IsStopToken("Pinotage"))
	require.True(t, r.IsStopToken("sauvignon"))
	require.True(t, r.IsStopToken("reserva"))
	require.False(t, r.IsStopToken("kanonkop"))
	require.True(t, r.IsProducerToken("Domaine"))
}

func TestNewRejectsInvalidTables(t *testing.T) {
	t.Parallel()

	_, err := New(Tables{Sources: []discovery.SourceConfig{{ID: "x", Domain: "x.com", Lens: "blog"}}})
	require.ErrorContains(t, err, "unknown lens")

	_, err = New(Tables{Sources: []discovery.SourceConfig{
		{ID: "x", Domain: "x.com", Lens: discovery.LensCritic, Credibility: 0.5},
		{ID: "x", Domain: "y.com", Lens: discovery.LensCritic, Credibility: 0.5},
	}})
	require.ErrorContains(t, err, "duplicate")

	_, err = New(Tables{Sources: []discovery.SourceConfig{{ID: "x", Domain: "x.com", Lens: discovery.LensCritic, Credibility: 2}}})
	require.ErrorContains(t, err, "credibility")

	_, err = New(Tables{Qualifiers: []discovery.Qualifier{{Term: "x", Ambiguity: "huge"}}})
	require.ErrorContains(t, err, "ambiguity")
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tables.yaml")
	body := `
sources:
  - {id: only, name: Only, domain: only.example, lens: critic, credibility: 0.5}
regions:
  Narnia: {hl: nn, gl: na}
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	require.Len(t, r.Sources(), 1)
	loc, ok := r.Locale("narnia")
	require.True(t, ok)
	require.Equal(t, "nn", loc.HL)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
