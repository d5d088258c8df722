package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer fetcher.Close()
	require.Equal(t, 2, cap(fetcher.limiter))
	require.Equal(t, 45*time.Second, fetcher.cfg.NavigationTimeout)
	require.Equal(t, 500*time.Millisecond, fetcher.cfg.SettleDelay)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-Multi": {"a", "b"}, "X-One": {"c"}, "X-None": {}})
	require.Equal(t, []string{"a", "b"}, got["X-Multi"])
	require.Equal(t, "c", got["X-One"])
	require.NotContains(t, got, "X-None")
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			URL:     "https://critic.example/wine",
			Status:  403,
			Headers: network.Headers{"Server": "edge"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{URL: "https://ads.example/frame", Status: 200},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{URL: "https://critic.example/app.js", Status: 200},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://critic.example/wine", "")
	require.Equal(t, 403, status)
	require.Equal(t, "edge", headers.Get("Server"))
	require.Equal(t, "https://critic.example/wine", url)
}

func TestSnapshotFallbacks(t *testing.T) {
	t.Parallel()

	status, _, url := newResponseMeta().snapshotWithFallbacks("https://a.example", "https://a.example/final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://a.example/final", url)
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	f := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.acquire(ctx), context.Canceled)

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}
