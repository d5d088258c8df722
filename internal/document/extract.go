package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Extraction errors.
var (
	ErrTooLarge    = errors.New("document: exceeds size limit")
	ErrZipBomb     = errors.New("document: archive rejected by decompression limits")
	ErrUnsupported = errors.New("document: unsupported format")
)

// ZipLimits bound OOXML archives before and during inflation.
type ZipLimits struct {
	MaxEntries      int     `mapstructure:"max_entries"`
	MaxUncompressed int64   `mapstructure:"max_uncompressed_bytes"`
	MaxRatio        float64 `mapstructure:"max_compression_ratio"`
}

// DefaultZipLimits returns the archive limits used when nothing is configured.
func DefaultZipLimits() ZipLimits {
	return ZipLimits{MaxEntries: 1000, MaxUncompressed: 50 << 20, MaxRatio: 100}
}

func (l ZipLimits) withDefaults() ZipLimits {
	d := DefaultZipLimits()
	if l.MaxEntries <= 0 {
		l.MaxEntries = d.MaxEntries
	}
	if l.MaxUncompressed <= 0 {
		l.MaxUncompressed = d.MaxUncompressed
	}
	if l.MaxRatio <= 0 {
		l.MaxRatio = d.MaxRatio
	}
	return l
}

const minRunLength = 4

// Extract returns the plain text of data.
func Extract(kind Kind, data []byte, limits ZipLimits) (string, error) {
	switch kind {
	case KindPDF:
		return extractPDF(data)
	case KindDOCX:
		return extractDOCX(data, limits.withDefaults())
	case KindXLSX:
		return extractXLSX(data, limits.withDefaults())
	case KindDOC, KindXLS:
		return printableRuns(data), nil
	}
	return "", ErrUnsupported
}

func extractPDF(data []byte) (string, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	var pages []string
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil || r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		if text := contentStreamText(content); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n"), nil
}

// contentStreamText collects the string operands of text-showing operators.
// Each text object and line move ends a line of output.
func contentStreamText(stream []byte) string {
	var (
		out  strings.Builder
		line strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			out.WriteString(s)
			out.WriteByte('\n')
		}
		line.Reset()
	}
	for _, raw := range bytes.Split(stream, []byte{'\n'}) {
		op := bytes.TrimSpace(raw)
		switch {
		case bytes.HasSuffix(op, []byte("Tj")), bytes.HasSuffix(op, []byte("TJ")),
			bytes.HasSuffix(op, []byte("'")), bytes.HasSuffix(op, []byte(`"`)):
			for _, s := range pdfStrings(op) {
				line.WriteString(s)
			}
			line.WriteByte(' ')
		case bytes.Equal(op, []byte("ET")), bytes.Equal(op, []byte("T*")),
			bytes.HasSuffix(op, []byte("Td")), bytes.HasSuffix(op, []byte("TD")):
			flush()
		}
	}
	flush()
	return strings.TrimSpace(out.String())
}

// pdfStrings returns the literal strings of one operator line, unescaped.
func pdfStrings(op []byte) []string {
	var (
		out   []string
		cur   []byte
		depth int
	)
	for i := 0; i < len(op); i++ {
		c := op[i]
		switch {
		case c == '\\' && depth > 0 && i+1 < len(op):
			i++
			switch op[i] {
			case 'n':
				cur = append(cur, '\n')
			case 't':
				cur = append(cur, '\t')
			case 'r':
			default:
				if op[i] >= '0' && op[i] <= '7' {
					val, n := 0, 0
					for n < 3 && i < len(op) && op[i] >= '0' && op[i] <= '7' {
						val = val*8 + int(op[i]-'0')
						i++
						n++
					}
					i--
					cur = append(cur, byte(val))
				} else {
					cur = append(cur, op[i])
				}
			}
		case c == '(':
			if depth > 0 {
				cur = append(cur, c)
			}
			depth++
		case c == ')' && depth > 0:
			depth--
			if depth == 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			} else {
				cur = append(cur, c)
			}
		case depth > 0:
			cur = append(cur, c)
		}
	}
	return out
}

// archive is an office file that passed the entry count and declared size
// checks. remaining is the inflation allowance shared by every part read.
type archive struct {
	zr        *zip.Reader
	limits    ZipLimits
	remaining int64
}

func openArchive(data []byte, limits ZipLimits) (*archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if len(zr.File) > limits.MaxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrZipBomb, len(zr.File))
	}
	var declared uint64
	for _, f := range zr.File {
		declared += f.UncompressedSize64
	}
	if declared > uint64(limits.MaxUncompressed) {
		return nil, fmt.Errorf("%w: declares %d uncompressed bytes", ErrZipBomb, declared)
	}
	return &archive{zr: zr, limits: limits, remaining: limits.MaxUncompressed}, nil
}

func (a *archive) part(name string) *zip.File {
	for _, f := range a.zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// worksheets returns the sheet parts in workbook order.
func (a *archive) worksheets() []*zip.File {
	var out []*zip.File
	for _, f := range a.zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(x, y *zip.File) int {
		if d := len(x.Name) - len(y.Name); d != 0 {
			return d
		}
		return strings.Compare(x.Name, y.Name)
	})
	return out
}

// read checks the part's compression ratio, then hands parse a reader bounded
// by what is left of the archive's inflation allowance.
func (a *archive) read(f *zip.File, parse func(io.Reader) error) error {
	compressed := max(f.CompressedSize64, 1)
	if ratio := float64(f.UncompressedSize64) / float64(compressed); ratio > a.limits.MaxRatio {
		return fmt.Errorf("%w: %s ratio %.0f", ErrZipBomb, f.Name, ratio)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	// Declared sizes can lie; the reader is bounded regardless.
	bounded := &limitedReader{r: rc, remaining: a.remaining}
	err = parse(bounded)
	a.remaining = bounded.remaining
	if bounded.exceeded {
		return fmt.Errorf("%w: %s inflates past %d bytes", ErrZipBomb, f.Name, a.limits.MaxUncompressed)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", f.Name, err)
	}
	return nil
}

func extractDOCX(data []byte, limits ZipLimits) (string, error) {
	a, err := openArchive(data, limits)
	if err != nil {
		return "", err
	}
	doc := a.part("word/document.xml")
	if doc == nil {
		return "", fmt.Errorf("%w: no word/document.xml part", ErrUnsupported)
	}
	var text string
	err = a.read(doc, func(r io.Reader) error {
		var perr error
		text, perr = xmlText(r, "p")
		return perr
	})
	return text, err
}

// extractXLSX renders every worksheet row as one line, resolving shared
// strings so text and numeric cells land together. A workbook without sheets
// yields its shared strings.
func extractXLSX(data []byte, limits ZipLimits) (string, error) {
	a, err := openArchive(data, limits)
	if err != nil {
		return "", err
	}
	sheets := a.worksheets()
	strs := a.part("xl/sharedStrings.xml")
	if strs == nil && len(sheets) == 0 {
		return "", fmt.Errorf("%w: no worksheet or shared strings part", ErrUnsupported)
	}

	var shared []string
	if strs != nil {
		err := a.read(strs, func(r io.Reader) error {
			var perr error
			shared, perr = sharedStrings(r)
			return perr
		})
		if err != nil {
			return "", err
		}
	}
	if len(sheets) == 0 {
		return strings.Join(shared, "\n"), nil
	}

	var out []string
	for _, sheet := range sheets {
		err := a.read(sheet, func(r io.Reader) error {
			rows, perr := sheetRows(r, shared)
			out = append(out, rows...)
			return perr
		})
		if err != nil {
			return "", err
		}
	}
	return strings.Join(out, "\n"), nil
}

// sharedStrings returns the text of each si item in order.
func sharedStrings(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		out  []string
		cur  strings.Builder
		inSI bool
		inT  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inSI = true
				cur.Reset()
			case "t":
				inT = inSI
			}
		case xml.CharData:
			if inT {
				cur.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inT = false
			case "si":
				inSI = false
				out = append(out, strings.TrimSpace(cur.String()))
			}
		}
	}
}

// sheetRows returns one space-joined line per non-empty row.
func sheetRows(r io.Reader, shared []string) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		rows     []string
		cells    []string
		val      strings.Builder
		cellType string
		inValue  bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				cells = cells[:0]
			case "c":
				cellType = ""
				for _, attr := range t.Attr {
					if attr.Name.Local == "t" {
						cellType = attr.Value
					}
				}
				val.Reset()
			case "v", "t":
				inValue = true
			}
		case xml.CharData:
			if inValue {
				val.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "c":
				if cell := cellText(strings.TrimSpace(val.String()), cellType, shared); cell != "" {
					cells = append(cells, cell)
				}
			case "row":
				if len(cells) > 0 {
					rows = append(rows, strings.Join(cells, " "))
				}
			}
		}
	}
}

func cellText(raw, cellType string, shared []string) string {
	if cellType != "s" {
		return raw
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 || idx >= len(shared) {
		return ""
	}
	return shared[idx]
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		var one [1]byte
		if n, _ := io.ReadFull(l.r, one[:]); n > 0 {
			l.exceeded = true
			return 0, ErrZipBomb
		}
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}

// xmlText concatenates character data, starting a new line at the end of each
// breakElem and "p" element.
func xmlText(r io.Reader, breakElem string) (string, error) {
	dec := xml.NewDecoder(r)
	var out strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			out.Write(t)
		case xml.EndElement:
			switch t.Name.Local {
			case breakElem, "p", "row":
				out.WriteByte('\n')
			case "c", "tab":
				out.WriteByte(' ')
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

// printableRuns recovers text from legacy binary formats: runs of printable
// ASCII and UTF-16LE code units of at least minRunLength characters.
func printableRuns(data []byte) string {
	var (
		lines []string
		run   []byte
	)
	flush := func() {
		if len(run) >= minRunLength {
			lines = append(lines, string(run))
		}
		run = run[:0]
	}
	for _, c := range data {
		if isPrintable(c) {
			run = append(run, c)
			continue
		}
		flush()
	}
	flush()

	for i := 0; i+1 < len(data); i += 2 {
		if data[i+1] == 0 && isPrintable(data[i]) {
			run = append(run, data[i])
			continue
		}
		flush()
	}
	flush()
	return strings.Join(lines, "\n")
}

func isPrintable(c byte) bool {
	return c == '\t' || (c >= 0x20 && c < 0x7f)
}
