// Package unblock wraps a paid unblocking proxy API that fetches pages on the
// caller's behalf.
package unblock

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
)

// ErrNotConfigured is returned when no proxy endpoint or key is set.
var ErrNotConfigured = errors.New("unblock: proxy not configured")

// Config holds the proxy endpoint and credentials. Values come from the environment.
type Config struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	Zone         string        `mapstructure:"zone"`
	Format       string        `mapstructure:"format"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	// StatusHeader carries the origin status when the proxy answers 200 itself.
	StatusHeader string `mapstructure:"status_header"`
	// ForwardConditional passes If-None-Match and If-Modified-Since through to
	// the origin. Enable only for proxies that forward request headers.
	ForwardConditional bool `mapstructure:"forward_conditional"`
}

// Client implements discovery.UnblockClient.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client. hc may be nil.
func New(cfg Config, hc *http.Client, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	if cfg.Format == "" {
		cfg.Format = "raw"
	}
	if cfg.StatusHeader == "" {
		cfg.StatusHeader = "X-Origin-Status"
	}
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: hc, logger: logger.Named("unblock")}
}

// Enabled reports whether the proxy can be used.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Endpoint != "" && c.cfg.APIKey != ""
}

type proxyRequest struct {
	Zone    string            `json:"zone"`
	URL     string            `json:"url"`
	Format  string            `json:"format"`
	Headers map[string]string `json:"headers,omitempty"`
}

// originHeaders are the proxied response headers worth keeping.
var originHeaders = []string{"ETag", "Last-Modified", "Content-Type"}

// Fetch asks the proxy for url and returns the origin status and body.
func (c *Client) Fetch(ctx context.Context, url string, opts discovery.UnblockOptions) (discovery.UnblockResponse, error) {
	return c.fetch(ctx, url, opts, c.cfg.MaxBodyBytes, c.cfg.Timeout)
}

func (c *Client) fetch(ctx context.Context, url string, opts discovery.UnblockOptions, maxBytes int64, timeout time.Duration) (discovery.UnblockResponse, error) {
	if !c.Enabled() {
		return discovery.UnblockResponse{}, ErrNotConfigured
	}
	zone := opts.Zone
	if zone == "" {
		zone = c.cfg.Zone
	}
	format := opts.Format
	if format == "" {
		format = c.cfg.Format
	}
	payload, err := json.Marshal(proxyRequest{Zone: zone, URL: url, Format: format, Headers: opts.Headers})
	if err != nil {
		return discovery.UnblockResponse{}, fmt.Errorf("encode unblock request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return discovery.UnblockResponse{}, fmt.Errorf("build unblock request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := c.http.Do(req)
	if err != nil {
		return discovery.UnblockResponse{}, fmt.Errorf("unblock request: %w", err)
	}
	body, err := readBody(resp, maxBytes)
	if err != nil {
		return discovery.UnblockResponse{}, err
	}

	status := resp.StatusCode
	if raw := resp.Header.Get(c.cfg.StatusHeader); raw != "" {
		if origin, convErr := strconv.Atoi(raw); convErr == nil {
			status = origin
		}
	}
	c.logger.Debug("unblock fetch",
		zap.String("url", url),
		zap.String("zone", zone),
		zap.Int("status", status),
		zap.Int("bytes", len(body)),
	)
	headers := http.Header{}
	for _, name := range originHeaders {
		if v := resp.Header.Get(name); v != "" {
			headers.Set(name, v)
		}
	}
	return discovery.UnblockResponse{Status: status, Headers: headers, Body: body}, nil
}

// readBody decodes the response and truncates it at maxBytes.
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Fetcher adapts an UnblockClient to discovery.Fetcher.
type Fetcher struct {
	client *Client
	opts   discovery.UnblockOptions
}

// NewFetcher wraps client. opts override the configured zone and format.
func NewFetcher(client *Client, opts discovery.UnblockOptions) *Fetcher {
	return &Fetcher{client: client, opts: opts}
}

// Fetch implements discovery.Fetcher. Only conditional request headers are
// forwarded, and only when the client is configured to do so.
func (f *Fetcher) Fetch(ctx context.Context, request discovery.FetchRequest) (discovery.FetchResponse, error) {
	maxBytes := f.client.cfg.MaxBodyBytes
	if request.MaxBytes > 0 && request.MaxBytes < maxBytes {
		maxBytes = request.MaxBytes
	}
	timeout := f.client.cfg.Timeout
	if request.Timeout > 0 {
		timeout = request.Timeout
	}
	opts := f.opts
	if f.client.cfg.ForwardConditional {
		opts.Headers = conditional(request.Headers)
	}
	start := time.Now()
	resp, err := f.client.fetch(ctx, request.URL, opts, maxBytes, timeout)
	if err != nil {
		return discovery.FetchResponse{}, err
	}
	return discovery.FetchResponse{
		URL:        request.URL,
		StatusCode: resp.Status,
		Headers:    resp.Headers,
		Body:       resp.Body,
		Duration:   time.Since(start),
	}, nil
}

func conditional(h http.Header) map[string]string {
	var out map[string]string
	for _, name := range []string{"If-None-Match", "If-Modified-Since"} {
		if v := h.Get(name); v != "" {
			if out == nil {
				out = map[string]string{}
			}
			out[name] = v
		}
	}
	return out
}
