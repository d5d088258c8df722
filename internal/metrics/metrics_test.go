package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveInitializesLazily(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(fetchOutcomesTotal.WithLabelValues("wine.example", "direct", "success"))
	ObserveFetch("https://Wine.example/review", "direct", "success", 512)
	after := testutil.ToFloat64(fetchOutcomesTotal.WithLabelValues("wine.example", "direct", "success"))
	if after-before != 1 {
		t.Errorf("expected fetch outcome counter to grow by 1, got %f", after-before)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("wine.example")); val < 512 {
		t.Errorf("expected at least 512 bytes recorded, got %f", val)
	}

	ObserveSession("completed", 0.7)
	if val := testutil.ToFloat64(sessionsTotal.WithLabelValues("completed")); val < 1 {
		t.Errorf("expected a completed session, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://decanter.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
