package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/classify"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/document"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch"
	"github.com/JakeFAU/wine-rating-discovery/internal/orchestrator"
	"github.com/JakeFAU/wine-rating-discovery/internal/provider"
)

type fakeSearcher struct {
	gotName    string
	gotVintage int
	err        error
}

func (f *fakeSearcher) SearchWineRatings(_ context.Context, name string, vintage int, country, _ string) (*discovery.SearchResponse, error) {
	f.gotName, f.gotVintage = name, vintage
	if f.err != nil {
		return nil, f.err
	}
	return &discovery.SearchResponse{
		Query:      name,
		Country:    country,
		Results:    []discovery.SearchResult{{Title: name, URL: "https://veritas.co.za/r/1"}},
		StopReason: string(budget.StopCompleted),
	}, nil
}

type fakeAdapter struct {
	id     string
	rating *discovery.RatingRecord
	err    error
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) FetchRating(_ context.Context, b *budget.Budget, _ provider.RatingRequest) (*discovery.RatingRecord, error) {
	if b == nil {
		return nil, errors.New("missing budget")
	}
	return f.rating, f.err
}

type fakeDocuments struct {
	res document.Result
	err error
}

func (f *fakeDocuments) Fetch(_ context.Context, _ *budget.Budget, rawURL string) (document.Result, error) {
	res := f.res
	res.URL = rawURL
	return res, f.err
}

type fakePages struct {
	gotReq fetch.Request
}

func (f *fakePages) Fetch(_ context.Context, _ *budget.Budget, req fetch.Request) (fetch.Result, error) {
	f.gotReq = req
	return fetch.Result{
		URL:        req.URL,
		Content:    []byte("<html>ok</html>"),
		StatusCode: http.StatusOK,
		Outcome:    classify.Outcome{Kind: classify.KindSuccess},
		Via:        classify.ViaDirect,
		Attempts:   1,
	}, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T, cfg Config, deps Deps) http.Handler {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = fixedClock{now: time.Unix(1_700_000_000, 0)}
	}
	return NewServer(cfg, deps).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Config{}, Deps{})
	rec := do(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	failing := newTestServer(t, Config{}, Deps{Ready: []ReadinessCheck{
		func(context.Context) error { return errors.New("db down") },
	}})
	require.Equal(t, http.StatusServiceUnavailable, do(t, failing, http.MethodGet, "/readyz", nil, nil).Code)
}

func TestServer_SearchRatings(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{}
	h := newTestServer(t, Config{}, Deps{Search: searcher})

	rec := do(t, h, http.MethodPost, "/v1/ratings/search", searchRequest{Name: "Kanonkop Kadette", Vintage: 2019, Country: "South Africa"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Kanonkop Kadette", searcher.gotName)
	require.Equal(t, 2019, searcher.gotVintage)

	var resp discovery.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "completed", resp.StopReason)
	require.Len(t, resp.Results, 1)
}

func TestServer_SearchRatingsErrors(t *testing.T) {
	t.Parallel()

	empty := newTestServer(t, Config{}, Deps{Search: &fakeSearcher{err: orchestrator.ErrEmptyName}})
	require.Equal(t, http.StatusBadRequest, do(t, empty, http.MethodPost, "/v1/ratings/search", searchRequest{}, nil).Code)

	broken := newTestServer(t, Config{}, Deps{Search: &fakeSearcher{err: errors.New("boom")}})
	require.Equal(t, http.StatusInternalServerError, do(t, broken, http.MethodPost, "/v1/ratings/search", searchRequest{Name: "x"}, nil).Code)

	bad := do(t, empty, http.MethodPost, "/v1/ratings/search", map[string]any{"unknown": true}, nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)

	unconfigured := newTestServer(t, Config{}, Deps{})
	require.Equal(t, http.StatusNotImplemented, do(t, unconfigured, http.MethodPost, "/v1/ratings/search", searchRequest{Name: "x"}, nil).Code)
}

func TestServer_ProviderRating(t *testing.T) {
	t.Parallel()

	found := &fakeAdapter{id: "decanter", rating: &discovery.RatingRecord{SourceID: "decanter", Score: 95, RawScale: 100}}
	missing := &fakeAdapter{id: "tim_atkin", err: provider.ErrNoMatch}
	reg, err := provider.NewRegistry(found, missing)
	require.NoError(t, err)
	h := newTestServer(t, Config{}, Deps{Providers: reg})

	rec := do(t, h, http.MethodPost, "/v1/providers/decanter/rating", providerRequest{Name: "Kanonkop Paul Sauer", Vintage: 2018}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		SourceID   string                  `json:"source_id"`
		Rating     *discovery.RatingRecord `json:"rating"`
		StopReason string                  `json:"stop_reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "decanter", body.SourceID)
	require.NotNil(t, body.Rating)
	require.InDelta(t, 95, body.Rating.Score, 0.001)
	require.Equal(t, "completed", body.StopReason)

	rec = do(t, h, http.MethodPost, "/v1/providers/tim_atkin/rating", providerRequest{Name: "Kanonkop Paul Sauer"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"rating":null`)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/providers/nope/rating", providerRequest{Name: "x"}, nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/providers/decanter/rating", providerRequest{Name: " "}, nil).Code)
}

func TestServer_ExtractDocument(t *testing.T) {
	t.Parallel()

	docs := &fakeDocuments{res: document.Result{Kind: document.KindPDF, Bytes: 1024, Awards: []discovery.Award{{Medal: "Gold"}}}}
	h := newTestServer(t, Config{}, Deps{Documents: docs})

	rec := do(t, h, http.MethodPost, "/v1/documents/extract", urlRequest{URL: "https://example.com/results.pdf"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res document.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "https://example.com/results.pdf", res.URL)
	require.Len(t, res.Awards, 1)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/documents/extract", urlRequest{URL: "ftp://x"}, nil).Code)

	cases := map[error]int{
		fmt.Errorf("wrap: %w", document.ErrTooLarge): http.StatusRequestEntityTooLarge,
		document.ErrZipBomb:                          http.StatusUnprocessableEntity,
		errors.New("status 500"):                     http.StatusBadGateway,
	}
	for err, want := range cases {
		failing := newTestServer(t, Config{}, Deps{Documents: &fakeDocuments{err: err}})
		got := do(t, failing, http.MethodPost, "/v1/documents/extract", urlRequest{URL: "https://example.com/a.docx"}, nil)
		require.Equal(t, want, got.Code, err.Error())
	}
}

func TestServer_FetchPage(t *testing.T) {
	t.Parallel()

	pages := &fakePages{}
	h := newTestServer(t, Config{}, Deps{Pages: pages})

	rec := do(t, h, http.MethodPost, "/v1/pages/fetch", urlRequest{URL: "https://www.decanter.com/w/1", SourceID: "decanter", Via: classify.ViaUnblock}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "decanter", pages.gotReq.SourceID)
	require.Equal(t, classify.ViaUnblock, pages.gotReq.Via)

	var res pageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, len("<html>ok</html>"), res.Bytes)
	require.Equal(t, classify.ViaDirect, res.Via)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Config{AuthEnabled: true, APIKey: "secret"}, Deps{Search: &fakeSearcher{}})

	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/ratings/search", searchRequest{Name: "x"}, nil).Code)
	ok := do(t, h, http.MethodPost, "/v1/ratings/search", searchRequest{Name: "x"}, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, ok.Code)
	// Probes stay open.
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, Config{}, Deps{Search: panicSearcher{}})
	rec := do(t, h, http.MethodPost, "/v1/ratings/search", searchRequest{Name: "x"}, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicSearcher struct{}

func (panicSearcher) SearchWineRatings(context.Context, string, int, string, string) (*discovery.SearchResponse, error) {
	panic("boom")
}
