package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/wine-rating-discovery/internal/budget"
	"github.com/JakeFAU/wine-rating-discovery/internal/classify"
	"github.com/JakeFAU/wine-rating-discovery/internal/discovery"
	"github.com/JakeFAU/wine-rating-discovery/internal/document"
	"github.com/JakeFAU/wine-rating-discovery/internal/fetch"
	"github.com/JakeFAU/wine-rating-discovery/internal/metrics"
	"github.com/JakeFAU/wine-rating-discovery/internal/orchestrator"
	"github.com/JakeFAU/wine-rating-discovery/internal/provider"
)

const maxRequestBody = 64 << 10

// Config controls HTTP behavior.
type Config struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AuthEnabled    bool          `mapstructure:"auth_enabled"`
	APIKey         string        `mapstructure:"api_key"`
}

// RatingSearcher runs a discovery session.
type RatingSearcher interface {
	SearchWineRatings(ctx context.Context, wineName string, vintage int, country, style string) (*discovery.SearchResponse, error)
}

// Providers looks up provider adapters by source ID.
type Providers interface {
	Get(id string) (provider.Adapter, bool)
}

// DocumentFetcher fetches and extracts one public document.
type DocumentFetcher interface {
	Fetch(ctx context.Context, b *budget.Budget, rawURL string) (document.Result, error)
}

// PageFetcher fetches and classifies one page.
type PageFetcher interface {
	Fetch(ctx context.Context, b *budget.Budget, req fetch.Request) (fetch.Result, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the handlers' collaborators. Nil fetchers disable their routes.
type Deps struct {
	Search    RatingSearcher
	Providers Providers
	Documents DocumentFetcher
	Pages     PageFetcher
	Limits    budget.Limits
	IDs       discovery.IDGenerator
	Clock     discovery.Clock
	Ready     []ReadinessCheck
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the discovery components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/ratings/search", s.searchRatings)
		r.Post("/providers/{source_id}/rating", s.providerRating)
		r.Post("/documents/extract", s.extractDocument)
		r.Post("/pages/fetch", s.fetchPage)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range s.deps.Ready {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type searchRequest struct {
	Name    string `json:"name"`
	Vintage int    `json:"vintage"`
	Country string `json:"country"`
	Style   string `json:"style"`
}

func (s *Server) searchRatings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		writeError(w, http.StatusNotImplemented, "rating search is not configured")
		return
	}
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.deps.Search.SearchWineRatings(r.Context(), req.Name, req.Vintage, req.Country, req.Style)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyName):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("rating search failed", zap.String("wine", req.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rating search failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type providerRequest struct {
	Name    string `json:"name"`
	Vintage int    `json:"vintage"`
	Country string `json:"country"`
}

func (s *Server) providerRating(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if s.deps.Providers == nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	adapter, ok := s.deps.Providers.Get(sourceID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	var req providerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	b, err := s.newBudget()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "budget unavailable")
		return
	}
	rating, err := adapter.FetchRating(r.Context(), b, provider.RatingRequest{
		WineName: req.Name,
		Vintage:  req.Vintage,
		Country:  req.Country,
	})
	switch {
	case errors.Is(err, provider.ErrNoMatch):
		writeJSON(w, http.StatusOK, map[string]any{"source_id": sourceID, "rating": nil, "stop_reason": stopReason(b)})
		return
	case err != nil:
		s.logger.Warn("provider rating failed", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "provider rating failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": sourceID, "rating": rating, "stop_reason": stopReason(b)})
}

type urlRequest struct {
	URL      string       `json:"url"`
	SourceID string       `json:"source_id,omitempty"`
	Via      classify.Via `json:"via,omitempty"`
}

func (s *Server) extractDocument(w http.ResponseWriter, r *http.Request) {
	if s.deps.Documents == nil {
		writeError(w, http.StatusNotImplemented, "document extraction is not configured")
		return
	}
	req, ok := s.decodeURL(w, r)
	if !ok {
		return
	}
	b, err := s.newBudget()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "budget unavailable")
		return
	}
	res, err := s.deps.Documents.Fetch(r.Context(), b, req.URL)
	switch {
	case errors.Is(err, document.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, document.ErrZipBomb), errors.Is(err, document.ErrUnsupported):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		s.logger.Warn("document fetch failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, "document fetch failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type pageResponse struct {
	URL         string           `json:"url"`
	StatusCode  int              `json:"status_code"`
	Outcome     classify.Outcome `json:"outcome"`
	Via         classify.Via     `json:"via,omitempty"`
	FromCache   bool             `json:"from_cache"`
	Revalidated bool             `json:"revalidated"`
	Skipped     bool             `json:"skipped"`
	Attempts    int              `json:"attempts"`
	Bytes       int              `json:"bytes"`
}

func (s *Server) fetchPage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pages == nil {
		writeError(w, http.StatusNotImplemented, "page fetch is not configured")
		return
	}
	req, ok := s.decodeURL(w, r)
	if !ok {
		return
	}
	b, err := s.newBudget()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "budget unavailable")
		return
	}
	res, err := s.deps.Pages.Fetch(r.Context(), b, fetch.Request{URL: req.URL, SourceID: req.SourceID, Via: req.Via})
	if err != nil {
		s.logger.Warn("page fetch failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, "page fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{
		URL:         res.URL,
		StatusCode:  res.StatusCode,
		Outcome:     res.Outcome,
		Via:         res.Via,
		FromCache:   res.FromCache,
		Revalidated: res.Revalidated,
		Skipped:     res.Skipped,
		Attempts:    res.Attempts,
		Bytes:       len(res.Content),
	})
}

func (s *Server) decodeURL(w http.ResponseWriter, r *http.Request) (urlRequest, bool) {
	var req urlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		writeError(w, http.StatusBadRequest, "url must be absolute http(s)")
		return req, false
	}
	return req, true
}

func (s *Server) newBudget() (*budget.Budget, error) {
	id := uuid.NewString()
	if s.deps.IDs != nil {
		next, err := s.deps.IDs.NewID()
		if err != nil {
			return nil, fmt.Errorf("budget id: %w", err)
		}
		id = next
	}
	limits := s.deps.Limits
	if limits == (budget.Limits{}) {
		limits = budget.DefaultLimits()
	}
	b, err := budget.New(id, limits, s.deps.Clock)
	if err != nil {
		s.logger.Error("create request budget", zap.Error(err))
		return nil, err
	}
	return b, nil
}

func stopReason(b *budget.Budget) string {
	if r := b.StopReason(); r != budget.StopNone {
		return string(r)
	}
	return string(budget.StopCompleted)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
