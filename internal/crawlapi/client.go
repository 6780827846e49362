// Package crawlapi is the HTTP client for the crawl backend: it submits crawl
// requests and fetches rendered result content.
package crawlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/metrics"
)

const (
	defaultSubmitPath   = "/crawler"
	defaultContentPath  = "/crawl/get/content"
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 3
	defaultRetryInitial = 250 * time.Millisecond
	maxErrorBody        = 4 << 10
	maxContentBody      = 32 << 20
)

// Accepted submission statuses.
const (
	StatusCompleted = "completed"
	StatusQueued    = "queued"
)

// ErrRejected is returned when the backend refuses a crawl submission.
var ErrRejected = errors.New("crawl request rejected")

// Config configures the Client.
type Config struct {
	BaseURL     string
	SubmitPath  string
	ContentPath string
	Timeout     time.Duration
	// MaxRetries bounds retries of a content fetch after a 5xx or transport error.
	MaxRetries   uint64
	RetryInitial time.Duration
	Logger       *zap.Logger
}

// SubmitRequest is the crawl form sent to the backend.
type SubmitRequest struct {
	URL        string `json:"url"`
	CrawlMode  string `json:"crawl_mode"`
	EnableMD   bool   `json:"enable_md"`
	EnableHTML bool   `json:"enable_html"`
	EnableSS   bool   `json:"enable_ss"`
	EnableSEO  bool   `json:"enable_seo"`
}

// SubmitResponse is the normalised initiating response.
type SubmitResponse struct {
	Status  string
	CrawlID string
	// ResultPath is set when the backend finished a single-page crawl inline.
	ResultPath string
}

// Accepted reports whether the status is completed or queued.
func (r SubmitResponse) Accepted() bool {
	return r.Status == StatusCompleted || r.Status == StatusQueued
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the crawl backend.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. transport may be nil; pass a busy.Transport to bracket
// every request with a busy hold.
func New(cfg Config, transport http.RoundTripper) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api base url scheme must be http or https, got %q", base.Scheme)
	}
	if base.Host == "" {
		return nil, errors.New("api base url host is required")
	}
	if cfg.SubmitPath == "" {
		cfg.SubmitPath = defaultSubmitPath
	}
	if cfg.ContentPath == "" {
		cfg.ContentPath = defaultContentPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaultRetryInitial
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: logger.Named("crawlapi"),
	}, nil
}

type submitPayload struct {
	Status       string `json:"status"`
	CrawlID      string `json:"crawl_id"`
	MarkdownPath string `json:"markdown_path"`
	ResultPath   string `json:"result_path"`
}

// Submit posts a crawl request. It is not retried: the backend is not
// idempotent and a duplicate would start a second crawl.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (resp SubmitResponse, err error) {
	start := time.Now()
	defer func() { metrics.ObserveAPICall("submit", err, time.Since(start)) }()

	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("encode submit request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.SubmitPath, nil), bytes.NewReader(body))
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	data, err := c.do(httpReq, "submit", maxErrorBody*16)
	if err != nil {
		return SubmitResponse{}, err
	}
	var payload submitPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return SubmitResponse{}, fmt.Errorf("decode submit response: %w", err)
	}
	resp = SubmitResponse{
		Status:     payload.Status,
		CrawlID:    payload.CrawlID,
		ResultPath: firstNonEmpty(payload.MarkdownPath, payload.ResultPath),
	}
	c.logger.Debug("crawl submitted",
		zap.String("status", resp.Status),
		zap.String("crawl_id", resp.CrawlID),
		zap.String("result_path", resp.ResultPath))
	return resp, nil
}

// FetchMarkdown fetches the content stored at path. Server errors are retried
// with exponential backoff; client errors are returned immediately.
func (c *Client) FetchMarkdown(ctx context.Context, path string) (content string, err error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("result path is required")
	}
	start := time.Now()
	defer func() { metrics.ObserveAPICall("fetch", err, time.Since(start)) }()

	target := c.endpoint(c.cfg.ContentPath, url.Values{"file_path": {path}})
	var data []byte
	operation := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if reqErr != nil {
			return backoff.Permanent(fmt.Errorf("build fetch request: %w", reqErr))
		}
		req.Header.Set("Accept", "application/json, text/plain;q=0.9, */*;q=0.5")
		body, doErr := c.do(req, "fetch", maxContentBody)
		if doErr == nil {
			data = body
			return nil
		}
		var httpErr *HTTPError
		if errors.As(doErr, &httpErr) && !httpErr.Temporary() {
			return backoff.Permanent(doErr)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(doErr)
		}
		return doErr
	}
	notify := func(retryErr error, wait time.Duration) {
		c.logger.Warn("result fetch failed, retrying",
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(retryErr))
	}
	if err := backoff.RetryNotify(operation, c.retryPolicy(ctx), notify); err != nil {
		return "", err
	}
	return normalizeContent(data), nil
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryInitial
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, c.cfg.MaxRetries), ctx)
}

func (c *Client) do(req *http.Request, op string, limit int64) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	return data, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// normalizeContent resolves the content response union into one string:
// {"markdown": "..."} yields the markdown, a JSON string yields its value, and
// anything else is returned verbatim.
func normalizeContent(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '{':
		var obj struct {
			Markdown *string `json:"markdown"`
		}
		if err := json.Unmarshal(trimmed, &obj); err == nil && obj.Markdown != nil {
			return *obj.Markdown
		}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
