// Package api hosts the HTTP server, middleware, and REST handlers the host
// application calls. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/ratings/search to run a rating discovery session.
//   - POST /v1/providers/{source_id}/rating to ask one provider adapter.
//   - POST /v1/documents/extract and /v1/pages/fetch for single fetches under
//     a per-request budget.
package api
