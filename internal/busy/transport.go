package busy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// SuppressHeader marks a request whose busy hold must survive completion.
	SuppressHeader = "NoToStopLoader"
	// SuppressValue is the only value of SuppressHeader that opts in.
	SuppressValue = "TRUE"

	defaultInspectLimit = 1 << 20
)

// Transport brackets every HTTP round trip with a busy hold.
//
// Unmarked requests release when the response body is closed (or the round
// trip fails). Requests carrying SuppressHeader=TRUE keep their hold unless the
// JSON response body has a "status" that is not the literal true; a successful
// marked request leaves the release to application code via Counter.Release.
type Transport struct {
	// Base performs the request; http.DefaultTransport when nil.
	Base http.RoundTripper
	// Counter receives the holds. A nil Counter disables tracking.
	Counter *Counter
	// ReleaseDelay defers each release, keeping the indicator visible briefly.
	ReleaseDelay time.Duration
	// InspectLimit caps how much of a marked response body is buffered.
	InspectLimit int64
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Counter == nil {
		return base.RoundTrip(req)
	}

	release := t.delayed(t.Counter.Hold())
	suppressed := req.Header.Get(SuppressHeader) == SuppressValue
	if suppressed {
		req = req.Clone(req.Context())
		req.Header.Del(SuppressHeader)
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		if !suppressed {
			release()
		}
		return nil, err //nolint:wrapcheck // RoundTripper errors must pass through unchanged
	}

	if !suppressed {
		resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
		return resp, nil
	}

	body, readErr := t.buffer(resp)
	if readErr != nil {
		release()
		return nil, readErr
	}
	if !statusIsTrue(body) {
		release()
	}
	return resp, nil
}

func (t *Transport) delayed(release func()) func() {
	if t.ReleaseDelay <= 0 {
		return release
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			time.AfterFunc(t.ReleaseDelay, release)
		})
	}
}

func (t *Transport) buffer(resp *http.Response) ([]byte, error) {
	limit := t.InspectLimit
	if limit <= 0 {
		limit = defaultInspectLimit
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return data, nil
}

// statusIsTrue mirrors `body.status === true`: anything other than a JSON
// object whose status is the boolean true is treated as not-true.
func statusIsTrue(body []byte) bool {
	var payload struct {
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return string(bytes.TrimSpace(payload.Status)) == "true"
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err //nolint:wrapcheck // body close error is surfaced as-is
}
