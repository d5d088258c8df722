// Package classify turns raw fetch results into outcome classes that decide
// whether a fetch is usable, retryable, or needs a different strategy.
package classify

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Kind is a fetch outcome class.
type Kind string

// Outcome kinds.
const (
	KindSuccess             Kind = "success"
	KindBlocked             Kind = "blocked"
	KindAuthRequired        Kind = "auth_required"
	KindCaptcha             Kind = "captcha"
	KindPaywall             Kind = "paywall"
	KindSPAShell            Kind = "spa_shell"
	KindInsufficientContent Kind = "insufficient_content"
	KindTimeout             Kind = "timeout"
	KindError               Kind = "error"
)

// Via names the fetch path a fallback should take.
type Via string

// Fetch paths.
const (
	ViaNone     Via = ""
	ViaDirect   Via = "direct"
	ViaUnblock  Via = "unblock"
	ViaHeadless Via = "headless"
)

// Outcome is the classification of one fetch attempt.
type Outcome struct {
	Kind       Kind   `json:"kind"`
	Retryable  bool   `json:"retryable"`
	UseSnippet bool   `json:"use_snippet"`
	Message    string `json:"message,omitempty"`
}

// OK reports whether the content can be used.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// FallbackVia returns the next fetch path for this outcome. Blocked pages are
// non-retryable on the same path but may still move to the unblocking proxy.
func (o Outcome) FallbackVia() Via {
	switch o.Kind {
	case KindSPAShell:
		return ViaHeadless
	case KindBlocked, KindCaptcha, KindTimeout, KindError:
		return ViaUnblock
	}
	return ViaNone
}

// Refused reports whether the origin refused us rather than failed transiently.
func (o Outcome) Refused() bool {
	switch o.Kind {
	case KindBlocked, KindCaptcha, KindAuthRequired, KindPaywall:
		return true
	}
	return false
}

// Config holds the classifier thresholds.
type Config struct {
	// MinContentChars is the visible-text length below which a page counts as short.
	MinContentChars int `mapstructure:"min_content_chars"`
}

// Classifier is a pure decision table over status code and body.
type Classifier struct {
	minChars int
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	if cfg.MinContentChars <= 0 {
		cfg.MinContentChars = 600
	}
	return &Classifier{minChars: cfg.MinContentChars}
}

var (
	spaMarkers = [][]byte{
		[]byte("__next"),
		[]byte(`id="root"`),
		[]byte(`id="app"`),
		[]byte("data-reactroot"),
		[]byte("ng-app"),
		[]byte("window.__nuxt__"),
		[]byte("enable javascript"),
	}
	captchaMarkers = [][]byte{
		[]byte("g-recaptcha"),
		[]byte("h-captcha"),
		[]byte("hcaptcha"),
		[]byte("cf-challenge"),
		[]byte("challenge-platform"),
		[]byte("are you a robot"),
		[]byte("verify you are human"),
		[]byte("captcha"),
	}
	loginMarkers = [][]byte{
		[]byte("sign in to continue"),
		[]byte("log in to continue"),
		[]byte("please log in"),
		[]byte("login required"),
		[]byte(`type="password"`),
	}
	paywallMarkers = [][]byte{
		[]byte("subscribe to read"),
		[]byte("subscribers only"),
		[]byte("subscriber-only"),
		[]byte("become a member"),
		[]byte("paywall"),
		[]byte("premium content"),
	}
)

// Classify maps a status code and body to an outcome. It never mutates state:
// identical inputs always yield identical outcomes.
func (c *Classifier) Classify(statusCode int, body []byte) Outcome {
	switch {
	case statusCode == http.StatusForbidden:
		return Outcome{Kind: KindBlocked, UseSnippet: true, Message: "origin returned 403"}
	case statusCode == http.StatusUnauthorized:
		return Outcome{Kind: KindAuthRequired, UseSnippet: true, Message: "origin returned 401"}
	case statusCode == http.StatusTooManyRequests:
		return Outcome{Kind: KindBlocked, Retryable: true, UseSnippet: true, Message: "origin returned 429"}
	case statusCode >= 500:
		return Outcome{Kind: KindError, Retryable: true, UseSnippet: true, Message: http.StatusText(statusCode)}
	case statusCode >= 400:
		return Outcome{Kind: KindError, UseSnippet: true, Message: http.StatusText(statusCode)}
	}

	lower := bytes.ToLower(body)
	short := visibleTextLength(body) < c.minChars

	if short && (containsAny(lower, spaMarkers) || scriptDensityHigh(lower)) {
		return Outcome{Kind: KindSPAShell, Retryable: true, Message: "client-rendered shell"}
	}
	if containsAny(lower, captchaMarkers) {
		return Outcome{Kind: KindCaptcha, Retryable: true, UseSnippet: true, Message: "captcha challenge"}
	}
	if short && containsAny(lower, loginMarkers) {
		return Outcome{Kind: KindAuthRequired, UseSnippet: true, Message: "login wall"}
	}
	if short && containsAny(lower, paywallMarkers) {
		return Outcome{Kind: KindPaywall, UseSnippet: true, Message: "paywall"}
	}
	if short {
		return Outcome{Kind: KindInsufficientContent, UseSnippet: true, Message: "content below threshold"}
	}
	return Outcome{Kind: KindSuccess}
}

// ClassifyError maps a transport error to timeout or error. Both are retryable.
func (c *Classifier) ClassifyError(err error) Outcome {
	if err == nil {
		return Outcome{Kind: KindError, Retryable: true, Message: "unknown error"}
	}
	if isTimeout(err) {
		return Outcome{Kind: KindTimeout, Retryable: true, UseSnippet: true, Message: err.Error()}
	}
	return Outcome{Kind: KindError, Retryable: true, UseSnippet: true, Message: err.Error()}
}

// FromKind rebuilds the outcome recorded for kind, e.g. from a cached page status.
// Unknown kinds become a retryable error.
func FromKind(kind Kind, message string) Outcome {
	o := Outcome{Kind: kind, Message: message}
	switch kind {
	case KindSuccess:
	case KindBlocked, KindAuthRequired, KindPaywall, KindInsufficientContent:
		o.UseSnippet = true
	case KindCaptcha, KindTimeout:
		o.Retryable, o.UseSnippet = true, true
	case KindSPAShell:
		o.Retryable = true
	default:
		o.Kind, o.Retryable, o.UseSnippet = KindError, true, true
	}
	return o
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func visibleTextLength(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return len(bytes.TrimSpace(body))
	}
	doc.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(doc.Text()), " "))
}

func containsAny(body []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(body, m) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter of body.
// body must already be lowercased.
func scriptDensityHigh(lower []byte) bool {
	total := len(lower)
	if total == 0 {
		return false
	}
	openTag := []byte("<script")
	closeTag := []byte("</script>")
	coverage := 0
	pos := 0
	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := bytes.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := bytes.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
