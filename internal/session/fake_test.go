package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlstream/internal/busy"
	"github.com/JakeFAU/crawlstream/internal/crawlapi"
	iduuid "github.com/JakeFAU/crawlstream/internal/id/uuid"
	"github.com/JakeFAU/crawlstream/internal/progress"
	"github.com/JakeFAU/crawlstream/internal/socket"
	"github.com/JakeFAU/crawlstream/internal/store"
)

type submitFunc func(context.Context, crawlapi.SubmitRequest) (crawlapi.SubmitResponse, error)

func (f submitFunc) Submit(ctx context.Context, req crawlapi.SubmitRequest) (crawlapi.SubmitResponse, error) {
	return f(ctx, req)
}

func respondWith(resp crawlapi.SubmitResponse) submitFunc {
	return func(context.Context, crawlapi.SubmitRequest) (crawlapi.SubmitResponse, error) {
		return resp, nil
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	content map[string]string
	errs    map[string]error
	gates   map[string]chan struct{}
	calls   []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		content: make(map[string]string),
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
	}
}

func (f *fakeFetcher) set(path, content string) *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content[path] = content
	return f
}

func (f *fakeFetcher) fail(path string, err error) *fakeFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[path] = err
	return f
}

// gate blocks fetches of path until the returned func is called.
func (f *fakeFetcher) gate(path string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[path] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeFetcher) called(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == path {
			return true
		}
	}
	return false
}

func (f *fakeFetcher) FetchMarkdown(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	gate := f.gates[path]
	content, err := f.content[path], f.errs[path]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// scriptConn replays frames pushed by the test. Closing frames ends the
// stream normally.
type scriptConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *scriptConn) WriteJSON(any) error { return nil }

func (c *scriptConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type scriptDialer struct {
	mu    sync.Mutex
	conns map[string]*scriptConn
	fail  bool
}

func newScriptDialer() *scriptDialer {
	return &scriptDialer{conns: make(map[string]*scriptConn)}
}

func (d *scriptDialer) conn(crawlID string) *scriptConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[crawlID]
	if !ok {
		c = &scriptConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
		d.conns[crawlID] = c
	}
	return c
}

func (d *scriptDialer) Dial(_ context.Context, url string) (socket.Conn, error) {
	if d.fail {
		return nil, errors.New("connection refused")
	}
	return d.conn(url[strings.LastIndex(url, "/")+1:]), nil
}

func (d *scriptDialer) push(t *testing.T, crawlID string, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	d.conn(crawlID).frames <- data
}

func (d *scriptDialer) end(crawlID string) {
	close(d.conn(crawlID).frames)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	counter *busy.Counter
	dialer  *scriptDialer
	streams *socket.Manager
	fetcher *fakeFetcher
	events  *recordingEmitter
}

type harnessOption func(*Config, *Deps, *socket.Config)

func withHistory(repo store.SessionRepository) harnessOption {
	return func(_ *Config, d *Deps, _ *socket.Config) { d.History = repo }
}

func withPolicy(p FailedFetchPolicy) harnessOption {
	return func(c *Config, _ *Deps, _ *socket.Config) { c.FailedFetchPolicy = p }
}

func withMaxReconnects(n int) harnessOption {
	return func(_ *Config, _ *Deps, s *socket.Config) { s.MaxReconnects = n }
}

func newHarness(t *testing.T, submitter Submitter, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		counter: busy.New(),
		dialer:  newScriptDialer(),
		fetcher: newFakeFetcher(),
		events:  &recordingEmitter{},
	}
	cfg := Config{FetchConcurrency: 4}
	sockCfg := socket.Config{
		BaseURL:        "http://crawl.test",
		PingInterval:   time.Hour,
		ReconnectDelay: 5 * time.Millisecond,
	}
	deps := Deps{
		Submitter: submitter,
		Fetcher:   h.fetcher,
		Busy:      h.counter,
		Events:    h.events,
		IDs:       iduuid.New(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps, &sockCfg)
	}
	streams, err := socket.NewManager(sockCfg, h.dialer, h.counter)
	require.NoError(t, err)
	h.streams = streams
	deps.Streams = streams

	orch, err := New(cfg, deps)
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() {
		require.NoError(t, orch.Close(context.Background()))
		streams.Shutdown()
	})
	return h
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}
