// Package sinks implements consumers of crawl session events: structured
// logging, Prometheus collectors, history persistence and a publisher for
// finished sessions.
package sinks
