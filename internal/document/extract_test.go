package document

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name string
	body string
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const docxBody = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Veritas Awards 2021</w:t></w:r></w:p>
<w:p><w:r><w:t>Kanonkop Kadette 2019</w:t></w:r><w:r><w:tab/><w:t>Double Gold</w:t></w:r></w:p>
<w:p><w:r><w:t>Meerlust Rubicon 2017 </w:t></w:r><w:r><w:t>94 points</w:t></w:r></w:p>
</w:body></w:document>`

func TestDetectKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url, contentType string
		want             Kind
	}{
		{"https://a.example/results.pdf", "", KindPDF},
		{"https://a.example/results", "application/pdf; charset=binary", KindPDF},
		{"https://a.example/r.DOCX?dl=1", "application/octet-stream", KindDOCX},
		{"https://a.example/r.xls", "", KindXLS},
		{"https://a.example/download", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", KindXLSX},
		{"https://a.example/page.html", "text/html", KindUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, DetectKind(tt.url, tt.contentType), tt.url)
	}
	require.True(t, IsDocumentURL("https://a.example/list.doc"))
	require.False(t, IsDocumentURL("https://a.example/list"))
}

func TestExtract_DOCXText(t *testing.T) {
	t.Parallel()

	data := buildZip(t,
		zipEntry{"[Content_Types].xml", "<Types/>"},
		zipEntry{"word/document.xml", docxBody},
	)
	text, err := Extract(KindDOCX, data, ZipLimits{})
	require.NoError(t, err)
	require.Contains(t, text, "Veritas Awards 2021")
	require.Contains(t, text, "Kanonkop Kadette 2019 Double Gold")
	require.Contains(t, text, "Meerlust Rubicon 2017 94 points")
}

func TestExtract_XLSXSharedStrings(t *testing.T) {
	t.Parallel()

	data := buildZip(t, zipEntry{"xl/sharedStrings.xml",
		`<sst><si><t>Kanonkop Kadette 2019</t></si><si><t>Gold Medal</t></si></sst>`})
	text, err := Extract(KindXLSX, data, ZipLimits{})
	require.NoError(t, err)
	require.Equal(t, "Kanonkop Kadette 2019\nGold Medal", text)
}

func TestExtract_XLSXReadsSheetsWithSharedStrings(t *testing.T) {
	t.Parallel()

	data := buildZip(t,
		zipEntry{"xl/sharedStrings.xml",
			`<sst><si><t>Wine</t></si><si><t>Points</t></si><si><t>Kanonkop Kadette 2019</t></si><si><r><t>Meerlust </t></r><r><t>Rubicon 2017</t></r></si></sst>`},
		zipEntry{"xl/worksheets/sheet10.xml",
			`<worksheet><sheetData><row><c t="inlineStr"><is><t>Later sheet</t></is></c></row></sheetData></worksheet>`},
		zipEntry{"xl/worksheets/sheet1.xml", `<worksheet><sheetData>` +
			`<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>` +
			`<row r="2"><c r="A2" t="s"><v>2</v></c><c r="B2"><v>92</v></c></row>` +
			`<row r="3"><c r="A3" t="s"><v>3</v></c><c r="B3"><v>94</v></c></row>` +
			`<row r="4"><c r="A4" t="s"><v>99</v></c></row>` +
			`</sheetData></worksheet>`},
		zipEntry{"xl/worksheets/sheet2.xml",
			`<worksheet><sheetData><row><c><v>2020</v></c></row></sheetData></worksheet>`},
	)
	text, err := Extract(KindXLSX, data, ZipLimits{})
	require.NoError(t, err)
	require.Equal(t, "Wine Points\nKanonkop Kadette 2019 92\nMeerlust Rubicon 2017 94\n2020\nLater sheet", text)
}

func TestExtract_DOCXRejectsCompressionRatio(t *testing.T) {
	t.Parallel()

	bomb := "<w:document><w:body><w:p><w:t>" + strings.Repeat("A", 4<<20) + "</w:t></w:p></w:body></w:document>"
	data := buildZip(t, zipEntry{"word/document.xml", bomb})
	require.Less(t, len(data), 100<<10)

	_, err := Extract(KindDOCX, data, ZipLimits{MaxRatio: 100})
	require.ErrorIs(t, err, ErrZipBomb)
	require.Contains(t, err.Error(), "ratio")
}

func TestExtract_DOCXRejectsEntryCount(t *testing.T) {
	t.Parallel()

	data := buildZip(t,
		zipEntry{"word/document.xml", docxBody},
		zipEntry{"a.xml", "<a/>"},
		zipEntry{"b.xml", "<b/>"},
	)
	_, err := Extract(KindDOCX, data, ZipLimits{MaxEntries: 2})
	require.ErrorIs(t, err, ErrZipBomb)
}

func TestExtract_DOCXRejectsDeclaredSize(t *testing.T) {
	t.Parallel()

	data := buildZip(t,
		zipEntry{"word/document.xml", docxBody},
		zipEntry{"word/media/blob.bin", strings.Repeat("x", 8<<10)},
	)
	_, err := Extract(KindDOCX, data, ZipLimits{MaxUncompressed: 4 << 10, MaxRatio: 1e6})
	require.ErrorIs(t, err, ErrZipBomb)
}

func TestExtract_BoundedReaderCatchesUnderstatedSize(t *testing.T) {
	t.Parallel()

	r := &limitedReader{r: strings.NewReader(strings.Repeat("x", 64)), remaining: 16}
	buf := make([]byte, 32)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	_, err = r.Read(buf)
	require.ErrorIs(t, err, ErrZipBomb)
	require.True(t, r.exceeded)

	exact := &limitedReader{r: strings.NewReader("abcd"), remaining: 4}
	_, err = exact.Read(buf)
	require.NoError(t, err)
	_, err = exact.Read(buf)
	require.ErrorIs(t, err, io.EOF)
	require.False(t, exact.exceeded)
}

func TestExtract_LegacyPrintableRuns(t *testing.T) {
	t.Parallel()

	// The UTF-16 run starts on an even offset.
	data := []byte("\x00\x01\xd0\xcfGold Medal\x00\x02ab\x00\x01")
	for _, r := range "Trophy" {
		data = append(data, byte(r), 0)
	}
	data = append(data, 0xff, 0xfe)

	text, err := Extract(KindDOC, data, ZipLimits{})
	require.NoError(t, err)
	require.Contains(t, text, "Gold Medal")
	require.Contains(t, text, "Trophy")
	require.NotContains(t, text, "ab\n")
}

func TestExtract_Unsupported(t *testing.T) {
	t.Parallel()

	_, err := Extract(KindUnknown, []byte("x"), ZipLimits{})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestContentStreamText(t *testing.T) {
	t.Parallel()

	stream := []byte("BT\n/F1 12 Tf\n72 712 Td\n(Kanonkop Kadette 2019) Tj\n0 -14 Td\n[(Gold ) -120 (Medal \\(Trophy\\))] TJ\nET\n")
	require.Equal(t, "Kanonkop Kadette 2019\nGold Medal (Trophy)", contentStreamText(stream))
}
