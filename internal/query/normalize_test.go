package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFoldAndTokenize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "spatlese", Fold("Spätlese"))
	require.Equal(t, "grosses gewachs", Fold("Grosses Gewächs"))
	require.Equal(t, "weiss", Fold("Weiß"))
	require.Equal(t, []string{"chateau", "cos", "estournel", "2016"}, Tokenize("Château Cos d'Estournel 2016"))
}

func TestStripParentheticals(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Kanonkop Kadette 2019", StripParentheticals("Kanonkop Kadette (Magnum) 2019"))
	require.Equal(t, "Penfolds Grange", StripParentheticals("Penfolds Grange [Bin 95]"))
}

func TestPhoneticVariants(t *testing.T) {
	t.Parallel()

	got := PhoneticVariants("Weingut Müller")
	require.Contains(t, got, "Weingut Mueller")
	require.Contains(t, got, "Weingut Muller")

	got = PhoneticVariants("Ch. Figeac")
	require.Contains(t, got, "chateau Figeac")

	require.Empty(t, PhoneticVariants("Kanonkop"))
}

func TestVintagesAndTokenCount(t *testing.T) {
	t.Parallel()

	require.Equal(t, []int{2019}, Vintages("Kanonkop Kadette 2019 review"))
	require.Empty(t, Vintages("Kanonkop 750ml"))
	require.Equal(t, 2, NameTokenCount("Kanonkop Kadette 2019"))
}
