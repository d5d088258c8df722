package fetch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/cache"
	"github.com/JakeFAU/wine-rating-discovery/internal/classify"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch/direct"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubFetcher struct {
	mu       sync.Mutex
	calls    int
	requests []discovery.FetchRequest
	respond  func(discovery.FetchRequest) (discovery.FetchResponse, error)
}

func (s *stubFetcher) Fetch(_ context.Context, req discovery.FetchRequest) (discovery.FetchResponse, error) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.respond(req)
}

func (s *stubFetcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func respondWith(status int, body string, headers http.Header) func(discovery.FetchRequest) (discovery.FetchResponse, error) {
	return func(req discovery.FetchRequest) (discovery.FetchResponse, error) {
		return discovery.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(body), Headers: headers}, nil
	}
}

type stubCredentials struct {
	mu      sync.Mutex
	has     bool
	updates map[string]string
}

func (s *stubCredentials) HasCredentials(context.Context, string) (bool, error) {
	return s.has, nil
}

func (s *stubCredentials) UpdateStatus(_ context.Context, sourceID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = map[string]string{}
	}
	s.updates[sourceID] = status
	return nil
}

var articleBody = "<html><body><article>" + strings.Repeat("Deep ruby, firm tannins, long finish. ", 40) + "</article></body></html>"

func newFixture(t *testing.T) (*fakeClock, *cache.MemoryStore, *budget.Budget) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := cache.NewMemoryStore(cache.NewTTLPolicy(cache.DefaultTTLConfig()), clock, time.Hour)
	return clock, store, newSessionBudget(t, clock)
}

// newSessionBudget starts a session at the clock's current time.
func newSessionBudget(t *testing.T, clock discovery.Clock) *budget.Budget {
	t.Helper()
	b, err := budget.New("session", budget.Limits{
		MaxSerpCalls:       5,
		MaxDocumentFetches: 2,
		MaxTotalBytes:      1 << 20,
		MaxWallClock:       time.Minute,
	}, clock)
	require.NoError(t, err)
	return b
}

func newPageFetcher(t *testing.T, deps Deps) *PageFetcher {
	t.Helper()
	deps.Classifier = classify.New(classify.Config{})
	f, err := New(Config{}, deps)
	require.NoError(t, err)
	return f
}

func TestNew_RequiresAPath(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{Classifier: classify.New(classify.Config{})})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Direct: &stubFetcher{}})
	require.Error(t, err)
}

func TestFetch_FreshCacheSkipsNetwork(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	content := []byte(articleBody + "\x00\xff")
	require.NoError(t, store.CachePage(context.Background(), discovery.CachedPage{
		URL: "https://critic.example/w", Content: content, Status: "success", StatusCode: 200,
	}))
	primary := &stubFetcher{respond: respondWith(200, "fresh", nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w"})
	require.NoError(t, err)
	require.Zero(t, primary.Calls())
	require.True(t, res.FromCache)
	require.Equal(t, content, res.Content)
	require.True(t, res.Outcome.OK())
	require.Zero(t, b.Snapshot().TotalBytes)
}

func TestFetch_FreshFailureReturnsRecordedOutcome(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	require.NoError(t, store.CachePage(context.Background(), discovery.CachedPage{
		URL: "https://critic.example/w", Status: "blocked", StatusCode: 403, Error: "origin returned 403",
	}))
	primary := &stubFetcher{respond: respondWith(200, articleBody, nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w"})
	require.NoError(t, err)
	require.Zero(t, primary.Calls())
	require.Equal(t, classify.KindBlocked, res.Outcome.Kind)
	require.True(t, res.Outcome.UseSnippet)
}

func TestFetch_StaleEntryRevalidatedBy304(t *testing.T) {
	t.Parallel()

	clock, store, _ := newFixture(t)
	prior := []byte(articleBody)
	require.NoError(t, store.CachePage(context.Background(), discovery.CachedPage{
		URL: "https://critic.example/w", Content: prior, Status: "success", StatusCode: 200,
		ETag: `"v1"`, LastModified: "Wed, 01 May 2024 10:00:00 GMT",
	}))
	clock.Advance(8 * 24 * time.Hour)
	// The session starts after the entry went stale.
	b := newSessionBudget(t, clock)

	page, err := store.GetCachedPage(context.Background(), "https://critic.example/w", true)
	require.NoError(t, err)
	require.True(t, page.IsStale)

	primary := &stubFetcher{respond: respondWith(http.StatusNotModified, "", nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w"})
	require.NoError(t, err)
	require.Equal(t, 1, primary.Calls())
	require.Equal(t, `"v1"`, primary.requests[0].Headers.Get("If-None-Match"))
	require.Equal(t, "Wed, 01 May 2024 10:00:00 GMT", primary.requests[0].Headers.Get("If-Modified-Since"))
	require.True(t, res.Revalidated)
	require.Equal(t, prior, res.Content)

	page, err = store.GetCachedPage(context.Background(), "https://critic.example/w", false)
	require.NoError(t, err)
	require.NotNil(t, page)
	require.False(t, page.IsStale)
	require.Equal(t, prior, page.Content)
}

func TestFetch_StaleProviderPageRevalidatedThroughUnblock(t *testing.T) {
	t.Parallel()

	clock, store, _ := newFixture(t)
	prior := []byte(articleBody)
	require.NoError(t, store.CachePage(context.Background(), discovery.CachedPage{
		URL: "https://critic.example/p", Content: prior, Status: "success", StatusCode: 200, ETag: `"v1"`,
	}))
	clock.Advance(8 * 24 * time.Hour)
	b := newSessionBudget(t, clock)

	proxy := &stubFetcher{respond: respondWith(http.StatusNotModified, "", nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: &stubFetcher{}, Unblock: proxy})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/p", Via: classify.ViaUnblock})
	require.NoError(t, err)
	require.Equal(t, 1, proxy.Calls())
	require.Equal(t, `"v1"`, proxy.requests[0].Headers.Get("If-None-Match"))
	require.True(t, res.Revalidated)
	require.Equal(t, prior, res.Content)
}

func TestFetch_SPAShellFallsBackToHeadless(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	primary := &stubFetcher{respond: respondWith(200, `<html><body><div id="root"></div></body></html>`, nil)}
	headless := &stubFetcher{respond: respondWith(200, articleBody, nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary, Headless: headless})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://spa.example/w"})
	require.NoError(t, err)
	require.Equal(t, 1, primary.Calls())
	require.Equal(t, 1, headless.Calls())
	require.Equal(t, classify.ViaHeadless, res.Via)
	require.True(t, res.Outcome.OK())
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, 45*time.Second, headless.requests[0].Timeout)

	page, err := store.GetCachedPage(context.Background(), "https://spa.example/w", false)
	require.NoError(t, err)
	require.Equal(t, "success", page.Status)
}

func TestFetch_BlockedFallsBackOnceToUnblock(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	primary := &stubFetcher{respond: respondWith(http.StatusForbidden, "denied", nil)}
	unblock := &stubFetcher{respond: respondWith(http.StatusForbidden, "still denied", nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary, Unblock: unblock})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w"})
	require.NoError(t, err)
	require.Equal(t, 1, primary.Calls())
	require.Equal(t, 1, unblock.Calls())
	require.Equal(t, classify.KindBlocked, res.Outcome.Kind)
	require.Nil(t, res.Content)

	page, err := store.GetCachedPage(context.Background(), "https://critic.example/w", false)
	require.NoError(t, err)
	require.Equal(t, "blocked", page.Status)
	require.Empty(t, page.Content)
}

func TestFetch_NoFallbackWhenPrimaryIsFallbackPath(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	unblock := &stubFetcher{respond: func(discovery.FetchRequest) (discovery.FetchResponse, error) {
		return discovery.FetchResponse{}, errors.New("proxy unavailable")
	}}
	f := newPageFetcher(t, Deps{Cache: store, Unblock: unblock})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w", Via: classify.ViaUnblock})
	require.NoError(t, err)
	require.Equal(t, 1, unblock.Calls())
	require.Equal(t, classify.KindError, res.Outcome.Kind)
	require.Equal(t, 60*time.Second, unblock.requests[0].Timeout)
}

func TestFetch_RobotsDisallowedIsBlockedWithoutFallback(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	disallowed := &stubFetcher{respond: func(discovery.FetchRequest) (discovery.FetchResponse, error) {
		return discovery.FetchResponse{}, direct.ErrRobotsDisallowed
	}}
	unblock := &stubFetcher{respond: respondWith(200, articleBody, nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: disallowed, Unblock: unblock})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w", NoFallback: true})
	require.NoError(t, err)
	require.Equal(t, classify.KindBlocked, res.Outcome.Kind)
	require.Equal(t, 1, disallowed.Calls())
	require.Zero(t, unblock.Calls())
}

func TestFetch_AuthRequiredMarksCredentials(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	creds := &stubCredentials{has: true}
	primary := &stubFetcher{respond: respondWith(http.StatusUnauthorized, "", nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary, Credentials: creds})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w", SourceID: "critic"})
	require.NoError(t, err)
	require.Equal(t, classify.KindAuthRequired, res.Outcome.Kind)
	require.Equal(t, discovery.CredentialStatusAuthFailed, creds.updates["critic"])
}

func TestFetch_AuthRequiredWithoutCredentialsLeavesStore(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	creds := &stubCredentials{}
	primary := &stubFetcher{respond: respondWith(http.StatusUnauthorized, "", nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary, Credentials: creds})

	_, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w", SourceID: "critic"})
	require.NoError(t, err)
	require.Empty(t, creds.updates)
}

func TestFetch_CanceledContextMakesNoCall(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	primary := &stubFetcher{respond: respondWith(200, articleBody, nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, b, Request{URL: "https://critic.example/w"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, primary.Calls())
}

func TestFetch_ChargesBytesAndCapsBody(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	primary := &stubFetcher{respond: respondWith(200, articleBody, nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary})

	_, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w"})
	require.NoError(t, err)
	require.Equal(t, int64(len(articleBody)), b.Snapshot().TotalBytes)
	require.Equal(t, int64(5<<20), f.cfg.MaxPageBytes)
	require.Equal(t, int64(1<<20), primary.requests[0].MaxBytes)
}

func TestFetch_ExhaustedByteBudgetSkips(t *testing.T) {
	t.Parallel()

	_, store, b := newFixture(t)
	require.False(t, b.RecordBytes(2<<20))
	primary := &stubFetcher{respond: respondWith(200, articleBody, nil)}
	f := newPageFetcher(t, Deps{Cache: store, Direct: primary})

	res, err := f.Fetch(context.Background(), b, Request{URL: "https://critic.example/w"})
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Zero(t, primary.Calls())
}
