package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlstream/internal/metrics"
	"github.com/JakeFAU/crawlstream/internal/progress"
)

// PrometheusSink exports session lifecycle metrics.
type PrometheusSink struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsRunning  prometheus.Gauge
	sessionRuntime   *prometheus.HistogramVec

	blocksAppended *prometheus.CounterVec
	fetchFailures  *prometheus.CounterVec
	fetchDuration  prometheus.Histogram

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_sessions_started_total",
			Help: "Crawl sessions started, partitioned by mode.",
		}, []string{"mode"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_sessions_finished_total",
			Help: "Crawl sessions finished, partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_sessions_running",
			Help: "Crawl sessions currently in flight.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawl_session_runtime_seconds",
			Help:    "Wall time per finished session.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"result"}),
		blocksAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_result_blocks_total",
			Help: "Result blocks appended, partitioned by target site.",
		}, []string{"site"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_result_fetch_failures_total",
			Help: "Result fetches that failed, partitioned by target site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawl_result_fetch_duration_seconds",
			Help:    "Latency of successful result fetches.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsFinished,
		s.sessionsRunning,
		s.sessionRuntime,
		s.blocksAppended,
		s.fetchFailures,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register session collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		mode := evt.Mode
		if mode == "" {
			mode = "unknown"
		}
		s.sessionsStarted.WithLabelValues(mode).Inc()
		if s.tracker.start(evt.SessionID, evt.TargetURL) {
			s.sessionsRunning.Inc()
		}
	case progress.StageBlockAppended:
		s.blocksAppended.WithLabelValues(s.tracker.site(evt)).Inc()
		if evt.Dur > 0 {
			s.fetchDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageFetchError:
		s.fetchFailures.WithLabelValues(s.tracker.site(evt)).Inc()
	case progress.StageSessionDone:
		s.finish(evt, "completed")
	case progress.StageSessionFailed:
		s.finish(evt, "failed")
	case progress.StageSessionCanceled:
		s.finish(evt, "canceled")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.sessionsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// sessionTracker remembers which sessions are running and their site label.
type sessionTracker struct {
	mu      sync.Mutex
	running map[[16]byte]string
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[[16]byte]string)}
}

func (t *sessionTracker) start(id [16]byte, target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = metrics.SanitizeSite(target)
	return true
}

func (t *sessionTracker) site(evt progress.Event) string {
	if evt.TargetURL != "" {
		return metrics.SanitizeSite(evt.TargetURL)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if site, ok := t.running[evt.SessionID]; ok {
		return site
	}
	return "unknown"
}

func (t *sessionTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
