// Package main hosts the rating discovery service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, rating search, single-provider rating, document
//     extraction and page fetch endpoints. Every request runs under its own budget.
//   - Orchestrator: a search session plans targeted and broad SERP queries from the source registry, hedges a
//     producer-site search behind the targeted results, and runs variation queries when coverage is thin. Results
//     are deduplicated, scored for relevance and ranked by the identity ranker.
//   - Fetch pipeline: page fetches are cache-first with conditional revalidation, then direct (Colly), the unblocking
//     proxy or headless Chrome, with one classified fallback. Public documents (PDF, DOCX, XLSX) stream through a
//     separate budgeted fetcher that extracts award mentions.
//   - Persistence: SERP results, pages, document URLs and extractions live in the in-memory cache or Postgres.
//     Provider credential status lives in the same database when the postgres backend is selected.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Quick checklist:
//   - Configure env vars: DISCOVERY_SERVER_PORT, DISCOVERY_SERP_API_KEY, DISCOVERY_UNBLOCK_ENDPOINT and
//     DISCOVERY_UNBLOCK_API_KEY, DISCOVERY_CACHE_BACKEND=postgres with DISCOVERY_CACHE_POSTGRES_DSN when the cache
//     should outlive the process.
//   - Run locally: go run ./cmd/discoveryd -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM by draining in-flight requests within server.shutdown_timeout.
package main
