// Package progress carries crawl session lifecycle events from the orchestrator
// to pluggable sinks. Emit never blocks; a background goroutine batches events
// and hands each batch to every sink in registration order.
package progress
