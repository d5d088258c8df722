package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/metrics"
)

// Config controls document downloads.
type Config struct {
	MaxBytes    int64         `mapstructure:"max_bytes"`
	ChunkSize   int           `mapstructure:"chunk_size"`
	HeadTimeout time.Duration `mapstructure:"head_timeout"`
	GetTimeout  time.Duration `mapstructure:"get_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	Zip         ZipLimits     `mapstructure:"zip"`
}

// Result is the outcome of a document fetch.
type Result struct {
	URL         string            `json:"url"`
	Kind        Kind              `json:"kind"`
	URLCacheID  string            `json:"url_cache_id,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
	Bytes       int64             `json:"bytes"`
	Text        string            `json:"text,omitempty"`
	Awards      []discovery.Award `json:"awards"`
	// FromCache is set when the extraction was reused for unchanged content.
	FromCache   bool `json:"from_cache"`
	NotModified bool `json:"not_modified"`
	// Skipped is set when the document budget was already spent.
	Skipped bool `json:"skipped"`
}

// Limiter waits for permission to call a host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher downloads and extracts documents.
type Fetcher struct {
	cfg     Config
	http    *http.Client
	cache   discovery.CacheStore
	hasher  discovery.Hasher
	limiter Limiter
	log     *zap.Logger
}

// NewFetcher creates a Fetcher. hc, cache and limiter may be nil.
func NewFetcher(cfg Config, hc *http.Client, cache discovery.CacheStore, hasher discovery.Hasher, limiter Limiter, logger *zap.Logger) (*Fetcher, error) {
	if hasher == nil {
		return nil, fmt.Errorf("document hasher is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 << 10
	}
	if cfg.HeadTimeout <= 0 {
		cfg.HeadTimeout = 10 * time.Second
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = 60 * time.Second
	}
	cfg.Zip = cfg.Zip.withDefaults()
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		http:    hc,
		cache:   cache,
		hasher:  hasher,
		limiter: limiter,
		log:     logger.Named("document"),
	}, nil
}

// Fetch downloads rawURL and returns its awards. A spent document budget gives
// a skipped result; size violations return ErrTooLarge and archive violations
// ErrZipBomb. Bytes read before an abort stay charged to b.
func (f *Fetcher) Fetch(ctx context.Context, b *budget.Budget, rawURL string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("document fetch: %w", err)
	}
	res := Result{URL: rawURL, Kind: DetectKind(rawURL, "")}
	if !b.ReserveDocumentFetch() {
		metrics.ObserveDocument(string(res.Kind), "skipped")
		res.Skipped = true
		return res, nil
	}

	prior := f.priorRecord(ctx, rawURL)

	if err := f.head(ctx, b, rawURL); err != nil {
		f.observe(res.Kind, err)
		return res, err
	}

	resp, err := f.get(ctx, rawURL, prior)
	if err != nil {
		f.observe(res.Kind, err)
		return res, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && prior != nil {
		return f.notModified(ctx, res, prior, resp), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.recordURL(ctx, discovery.URLCacheRecord{URL: rawURL, Status: "error", StatusCode: resp.StatusCode})
		metrics.ObserveDocument(string(res.Kind), "error")
		return res, fmt.Errorf("fetch document %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := f.stream(ctx, b, resp.Body)
	res.Bytes = int64(len(data))
	if err != nil {
		f.observe(res.Kind, err)
		return res, err
	}

	contentType := resp.Header.Get("Content-Type")
	res.Kind = DetectKind(rawURL, contentType)
	hash, err := f.hasher.Hash(data)
	if err != nil {
		return res, fmt.Errorf("hash document: %w", err)
	}
	res.ContentHash = hash
	res.URLCacheID = f.recordURL(ctx, discovery.URLCacheRecord{
		URL:          rawURL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  contentType,
		ContentHash:  hash,
		ByteSize:     res.Bytes,
		Status:       "success",
		StatusCode:   resp.StatusCode,
	})

	if cached := f.cachedExtraction(ctx, res.URLCacheID, hash); cached != nil {
		res.Text, res.Awards, res.FromCache = cached.Text, cached.Awards, true
		metrics.ObserveDocument(string(res.Kind), "cache_hit")
		return res, nil
	}

	if res.Kind == KindUnknown {
		metrics.ObserveDocument(string(res.Kind), "unsupported")
		return res, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
	}
	text, err := Extract(res.Kind, data, f.cfg.Zip)
	if err != nil {
		f.observe(res.Kind, err)
		return res, fmt.Errorf("extract %s: %w", rawURL, err)
	}
	res.Text = text
	res.Awards = ExtractAwards(text)
	if res.Awards == nil {
		res.Awards = []discovery.Award{}
	}

	if f.cache != nil && res.URLCacheID != "" {
		err := f.cache.CachePublicExtraction(ctx, discovery.DocumentExtraction{
			URLCacheID:  res.URLCacheID,
			URL:         rawURL,
			ContentHash: hash,
			Kind:        string(res.Kind),
			Text:        text,
			Awards:      res.Awards,
			ExtractedAt: time.Now().UTC(),
		})
		if err != nil {
			f.log.Warn("extraction cache write failed", zap.String("url", rawURL), zap.Error(err))
		}
	}
	metrics.ObserveDocument(string(res.Kind), "extracted")
	return res, nil
}

// head rejects documents whose declared length cannot fit. Servers that refuse
// HEAD fall through to the streamed GET, which enforces the same limits.
func (f *Fetcher) head(ctx context.Context, b *budget.Budget, rawURL string) error {
	if err := f.wait(ctx, rawURL); err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, f.cfg.HeadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(hctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build head request: %w", err)
	}
	f.setHeaders(req)
	resp, err := f.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("document head: %w", ctx.Err())
		}
		f.log.Debug("head failed", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	_ = resp.Body.Close()
	if resp.ContentLength > f.cfg.MaxBytes {
		return fmt.Errorf("%w: declared %d bytes, ceiling %d", ErrTooLarge, resp.ContentLength, f.cfg.MaxBytes)
	}
	if resp.ContentLength > 0 && !b.CanConsumeBytes(resp.ContentLength) {
		return fmt.Errorf("%w: declared %d bytes, %d left in budget", ErrTooLarge, resp.ContentLength, b.RemainingBytes())
	}
	return nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string, prior *discovery.URLCacheRecord) (*http.Response, error) {
	if err := f.wait(ctx, rawURL); err != nil {
		return nil, err
	}
	// The timeout covers the whole body read, so the cancel rides on the body.
	gctx, cancel := context.WithTimeout(ctx, f.cfg.GetTimeout)
	req, err := http.NewRequestWithContext(gctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build get request: %w", err)
	}
	f.setHeaders(req)
	if prior != nil && prior.ContentHash != "" {
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}
		if prior.LastModified != "" {
			req.Header.Set("If-Modified-Since", prior.LastModified)
		}
	}
	resp, err := f.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// stream reads body chunk by chunk, charging each chunk before the next read.
func (f *Fetcher) stream(ctx context.Context, b *budget.Budget, body io.Reader) ([]byte, error) {
	buf := make([]byte, f.cfg.ChunkSize)
	var data []byte
	for {
		if err := ctx.Err(); err != nil {
			return data, fmt.Errorf("document stream: %w", err)
		}
		n, err := body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if !b.RecordBytes(int64(n)) {
				return data, fmt.Errorf("%w: byte budget exhausted after %d bytes", ErrTooLarge, len(data))
			}
			if int64(len(data)) > f.cfg.MaxBytes {
				return data, fmt.Errorf("%w: body passed %d bytes", ErrTooLarge, f.cfg.MaxBytes)
			}
		}
		if errors.Is(err, io.EOF) {
			return data, nil
		}
		if err != nil {
			return data, fmt.Errorf("read document body: %w", err)
		}
	}
}

func (f *Fetcher) notModified(ctx context.Context, res Result, prior *discovery.URLCacheRecord, resp *http.Response) Result {
	refreshed := *prior
	refreshed.StatusCode = resp.StatusCode
	if etag := resp.Header.Get("ETag"); etag != "" {
		refreshed.ETag = etag
	}
	res.URLCacheID = f.recordURL(ctx, refreshed)
	if res.URLCacheID == "" {
		res.URLCacheID = prior.ID
	}
	res.ContentHash = prior.ContentHash
	res.Bytes = prior.ByteSize
	res.NotModified = true
	if k := DetectKind(res.URL, prior.ContentType); k != KindUnknown {
		res.Kind = k
	}
	if cached := f.cachedExtraction(ctx, res.URLCacheID, prior.ContentHash); cached != nil {
		res.Text, res.Awards, res.FromCache = cached.Text, cached.Awards, true
	}
	metrics.ObserveDocument(string(res.Kind), "not_modified")
	return res
}

func (f *Fetcher) priorRecord(ctx context.Context, rawURL string) *discovery.URLCacheRecord {
	if f.cache == nil {
		return nil
	}
	rec, err := f.cache.GetPublicURLCache(ctx, rawURL)
	if err != nil {
		f.log.Warn("url cache read failed", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	return rec
}

func (f *Fetcher) recordURL(ctx context.Context, rec discovery.URLCacheRecord) string {
	if f.cache == nil {
		return ""
	}
	id, err := f.cache.UpsertPublicURLCache(ctx, rec)
	if err != nil {
		f.log.Warn("url cache write failed", zap.String("url", rec.URL), zap.Error(err))
		return ""
	}
	return id
}

func (f *Fetcher) cachedExtraction(ctx context.Context, urlCacheID, hash string) *discovery.DocumentExtraction {
	if f.cache == nil || urlCacheID == "" || hash == "" {
		return nil
	}
	ext, err := f.cache.GetPublicExtraction(ctx, urlCacheID, hash)
	if err != nil {
		f.log.Warn("extraction cache read failed", zap.String("url_cache_id", urlCacheID), zap.Error(err))
		return nil
	}
	return ext
}

func (f *Fetcher) wait(ctx context.Context, rawURL string) error {
	if f.limiter == nil {
		return nil
	}
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("rate limit %s: %w", rawURL, err)
	}
	return nil
}

func (f *Fetcher) setHeaders(req *http.Request) {
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
}

func (f *Fetcher) observe(kind Kind, err error) {
	result := "error"
	switch {
	case errors.Is(err, ErrTooLarge):
		result = "too_large"
	case errors.Is(err, ErrZipBomb):
		result = "zip_bomb"
	case errors.Is(err, ErrUnsupported):
		result = "unsupported"
	}
	metrics.ObserveDocument(string(kind), result)
	f.log.Debug("document rejected", zap.String("kind", string(kind)), zap.String("result", result), zap.Error(err))
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

