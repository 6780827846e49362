// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawl session presentation layer. Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - POST /v1/crawl, /v1/crawl/resume and /v1/crawl/cancel drive the current
//     session; GET /v1/crawl returns its snapshot with the loading flag.
//   - GET /v1/crawl/blocks/{index} downloads one result block as markdown and
//     POST /v1/crawl/export writes every block to blob storage.
//   - GET /v1/busy reports the process busy indicator.
//   - GET /v1/sessions and /v1/sessions/{session_id} read session history.
package api
