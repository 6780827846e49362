package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/busy"
	"github.com/JakeFAU/crawlstream/internal/crawlapi"
	iduuid "github.com/JakeFAU/crawlstream/internal/id/uuid"
	"github.com/JakeFAU/crawlstream/internal/session"
	"github.com/JakeFAU/crawlstream/internal/socket"
	"github.com/JakeFAU/crawlstream/internal/storage/memory"
	"github.com/JakeFAU/crawlstream/internal/store"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_SubmitSingleCrawl(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","crawl_mode":"single","enable_md":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Session session.Snapshot `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, session.ModeSingle, body.Session.Mode)
	require.Equal(t, "https://example.com", body.Session.Form.URL)

	env.waitBlocks(t, 1)
	current := env.do(t, http.MethodGet, "/v1/crawl", "")
	require.Equal(t, http.StatusOK, current.Code)
	require.Contains(t, current.Body.String(), "# Hello")
	require.Contains(t, current.Body.String(), `"busy":false`)
}

func TestServer_SubmitValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		body  string
		field string
		msg   string
	}{
		{name: "missing url", body: `{"crawl_mode":"single"}`, field: "url", msg: session.MsgEnterURL},
		{name: "missing mode", body: `{"url":"https://example.com"}`, field: "crawl_mode", msg: session.MsgSelectMode},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			rec := env.do(t, http.MethodPost, "/v1/crawl", tc.body)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tc.msg, body["error"])
			require.Equal(t, tc.field, body["field"])

			require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/crawl", "").Code)
		})
	}
}

func TestServer_SubmitInvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/crawl", "{invalid")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitAfterClose(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.orch.Close(context.Background()))

	rec := env.do(t, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","crawl_mode":"single"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_CurrentWithoutSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/crawl", "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/crawl/cancel", "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/crawl/blocks/0", "").Code)
}

func TestServer_ResumeWithoutHistory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/crawl/resume", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ResumeFetchesStoredResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	prevID := uuid.New()
	require.NoError(t, env.history.StartSession(context.Background(), store.SessionRecord{
		ID:         prevID,
		TargetURL:  "https://example.com",
		Mode:       "single",
		ResultPath: "results/a.md",
		Status:     store.SessionCompleted,
		StartedAt:  time.Now(),
	}))
	require.NoError(t, env.history.RecordSubmission(context.Background(), prevID, "crawl-1", "results/a.md", time.Now()))

	rec := env.do(t, http.MethodPost, "/v1/crawl/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.waitBlocks(t, 1)
	require.Zero(t, env.submitter.calls())
}

func TestServer_CancelMarksSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.fetcher.block()
	rec := env.do(t, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","crawl_mode":"single"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	cancelRec := env.do(t, http.MethodPost, "/v1/crawl/cancel", "")
	require.Equal(t, http.StatusOK, cancelRec.Code)
	require.Contains(t, cancelRec.Body.String(), `"canceled":true`)

	sess := env.orch.Current()
	require.NotNil(t, sess)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Wait(ctx))
	require.Empty(t, sess.Blocks())
}

func TestServer_DownloadBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","crawl_mode":"single"}`)
	env.waitBlocks(t, 1)

	rec := env.do(t, http.MethodGet, "/v1/crawl/blocks/0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "# Hello", rec.Body.String())
	require.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename=report_1.md`, rec.Header().Get("Content-Disposition"))

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/crawl/blocks/1", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/crawl/blocks/abc", "").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/crawl/blocks/-1", "").Code)
}

func TestServer_Export(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","crawl_mode":"single"}`)
	env.waitBlocks(t, 1)

	rec := env.do(t, http.MethodPost, "/v1/crawl/export", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SessionID string   `json:"session_id"`
		URIs      []string `json:"uris"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"memory://" + body.SessionID + "/report_1.md"}, body.URIs)
	require.Equal(t, [][]string{{"# Hello"}}, env.exporter.exported())
}

func TestServer_ExportFailures(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/crawl/export", "").Code)

	env.do(t, http.MethodPost, "/v1/crawl", `{"url":"https://example.com","crawl_mode":"single"}`)
	env.waitBlocks(t, 1)
	env.exporter.fail(errors.New("bucket gone"))
	require.Equal(t, http.StatusBadGateway, env.do(t, http.MethodPost, "/v1/crawl/export", "").Code)

	noExport := NewServer(env.orch, env.busy, nil, env.history, zap.NewNop())
	rec := httptest.NewRecorder()
	noExport.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/crawl/export", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Busy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	release := env.busy.Hold()
	rec := env.do(t, http.MethodGet, "/v1/busy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"busy":true,"count":1}`, rec.Body.String())

	release()
	rec = env.do(t, http.MethodGet, "/v1/busy", "")
	require.JSONEq(t, `{"busy":false,"count":0}`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

type testEnv struct {
	server    *Server
	orch      *session.Orchestrator
	busy      *busy.Counter
	history   *memory.SessionStore
	submitter *stubSubmitter
	fetcher   *stubFetcher
	exporter  *stubExporter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		busy:      busy.New(),
		history:   memory.NewSessionStore(),
		submitter: &stubSubmitter{},
		fetcher:   &stubFetcher{release: make(chan struct{})},
		exporter:  &stubExporter{},
	}
	orch, err := session.New(session.Config{}, session.Deps{
		Submitter: env.submitter,
		Fetcher:   env.fetcher,
		Streams:   noStreams{},
		Busy:      env.busy,
		History:   env.history,
		IDs:       iduuid.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		env.fetcher.unblock()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	env.orch = orch
	env.server = NewServer(orch, env.busy, env.exporter, env.history, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) waitBlocks(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := e.orch.Snapshot()
		return ok && snap.Status == session.StatusCompleted && len(snap.Blocks) == n
	}, 2*time.Second, 5*time.Millisecond)
}

type stubSubmitter struct {
	mu sync.Mutex
	n  int
}

func (s *stubSubmitter) Submit(_ context.Context, req crawlapi.SubmitRequest) (crawlapi.SubmitResponse, error) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return crawlapi.SubmitResponse{
		Status:     crawlapi.StatusCompleted,
		CrawlID:    "crawl-1",
		ResultPath: "results/" + req.CrawlMode + ".md",
	}, nil
}

func (s *stubSubmitter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type stubFetcher struct {
	mu      sync.Mutex
	gated   bool
	release chan struct{}
	once    sync.Once
}

func (f *stubFetcher) block() {
	f.mu.Lock()
	f.gated = true
	f.mu.Unlock()
}

func (f *stubFetcher) unblock() {
	f.once.Do(func() { close(f.release) })
}

func (f *stubFetcher) FetchMarkdown(ctx context.Context, _ string) (string, error) {
	f.mu.Lock()
	gated := f.gated
	f.mu.Unlock()
	if gated {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "# Hello", nil
}

type noStreams struct{}

func (noStreams) Open(string) *socket.Stream { return nil }
func (noStreams) Close(string)               {}

type stubExporter struct {
	mu     sync.Mutex
	err    error
	blocks [][]string
}

func (e *stubExporter) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *stubExporter) Export(_ context.Context, id uuid.UUID, blocks []string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.blocks = append(e.blocks, append([]string(nil), blocks...))
	uris := make([]string, 0, len(blocks))
	for i := range blocks {
		uris = append(uris, fmt.Sprintf("memory://%s/report_%d.md", id, i+1))
	}
	return uris, nil
}

func (e *stubExporter) exported() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.blocks...)
}
