// Package discovery holds the domain types and collaborator interfaces shared by
// the rating discovery engine. Concrete implementations live in sibling packages:
//   - internal/budget tracks per-session SERP, document, byte and wall-clock limits.
//   - internal/query builds search queries and locale parameters for a wine.
//   - internal/classify turns fetch responses into outcome classes.
//   - internal/fetch, internal/document and internal/provider perform network work.
//   - internal/orchestrator runs the search strategies and merges results.
package discovery
