// Package document downloads public PDF and office documents under the
// session byte budget and extracts award mentions from them.
package document

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// Kind is a supported document format.
type Kind string

// Document kinds.
const (
	KindUnknown Kind = ""
	KindPDF     Kind = "pdf"
	KindDOC     Kind = "doc"
	KindDOCX    Kind = "docx"
	KindXLS     Kind = "xls"
	KindXLSX    Kind = "xlsx"
)

var mimeKinds = map[string]Kind{
	"application/pdf":    KindPDF,
	"application/x-pdf":  KindPDF,
	"application/msword": KindDOC,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": KindDOCX,
	"application/vnd.ms-excel": KindXLS,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": KindXLSX,
}

// DetectKind picks the format from the content type, falling back to the URL
// extension when the server sends a generic type.
func DetectKind(rawURL, contentType string) Kind {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			if k, ok := mimeKinds[strings.ToLower(mt)]; ok {
				return k
			}
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindUnknown
	}
	switch strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), ".")) {
	case "pdf":
		return KindPDF
	case "doc":
		return KindDOC
	case "docx":
		return KindDOCX
	case "xls":
		return KindXLS
	case "xlsx":
		return KindXLSX
	}
	return KindUnknown
}

// IsDocumentURL reports whether rawURL points at a supported document by extension.
func IsDocumentURL(rawURL string) bool {
	return DetectKind(rawURL, "") != KindUnknown
}
