// Command crawlstream submits crawls to a crawl backend and streams their
// results.
//
// Architecture overview:
//   - Session orchestrator: internal/session owns the current session. Submitting cancels the previous
//     one, posts the crawl request and either fetches the single result directly or follows the backend's
//     per-crawl result stream, fetching documents concurrently while appending them in arrival order.
//   - Socket manager: internal/socket keeps one websocket per crawl id with keepalive pings and bounded
//     reconnects; it holds the busy indicator while dialing.
//   - Busy indicator: internal/busy counts outstanding operations and broadcasts idle/busy edges; every
//     backend HTTP call is bracketed by busy.Transport.
//   - Persistence & fanout: session lifecycle events flow through the progress hub to the log, Prometheus,
//     history store (memory or Postgres) and optional Pub/Sub sinks. Result blocks can be exported as markdown
//     reports to memory, local disk or GCS.
//   - Configuration & plumbing: Viper loads config from file and CRAWLSTREAM_* env vars; zap provides
//     structured logging; the chi API exposes the session surface and /metrics.
//
// Run locally: go run . serve --config config.yaml, or go run . crawl --url https://example.com --mode single.
package main

import "github.com/JakeFAU/crawlstream/cmd"

func main() {
	cmd.Execute()
}
