package socket

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlstream/internal/busy"
)

const pingJSON = `{"type":"ping"}`

func newTestManager(t *testing.T, d Dialer, tracker Tracker, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		BaseURL:        "http://crawler.test",
		PingInterval:   time.Hour,
		ReconnectDelay: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg, d, tracker)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func receive(t *testing.T, s *Stream) Message {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		require.True(t, ok, "stream closed early")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func waitDone(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to end")
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		base string
		id   string
		want string
	}{
		{"http://crawler.test", "abc", "ws://crawler.test/ws/crawl/abc"},
		{"https://crawler.test:8443", "abc", "wss://crawler.test:8443/ws/crawl/abc"},
		{"https://crawler.test/api/", "abc", "wss://crawler.test/api/ws/crawl/abc"},
		{"ws://crawler.test", "a b", "ws://crawler.test/ws/crawl/a%20b"},
	}
	for _, tc := range cases {
		m, err := NewManager(Config{BaseURL: tc.base}, newFakeDialer(), nil)
		require.NoError(t, err)
		require.Equal(t, tc.want, m.Endpoint(tc.id))
	}
}

func TestNewManagerRejectsBadBase(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"ftp://crawler.test", "http://", "::not a url"} {
		_, err := NewManager(Config{BaseURL: base}, newFakeDialer(), nil)
		require.Error(t, err, base)
	}
	_, err := NewManager(Config{BaseURL: "http://crawler.test"}, nil, nil)
	require.Error(t, err)
}

func TestOpenReusesLiveConnection(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, nil)

	first := m.Open("crawl-1")
	second := m.Open("crawl-1")
	require.Same(t, first, second)

	nextConn(t, d)
	require.Eventually(t, func() bool { return m.Status("crawl-1") == StatusOpen }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, d.dialCount())
	require.Equal(t, []string{"ws://crawler.test/ws/crawl/crawl-1"}, d.urls)
}

func TestMessagesArriveInOrder(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, nil)
	stream := m.Open("crawl-1")
	conn := nextConn(t, d)

	conn.inbox <- []byte(`{"file_path":"a.md"}`)
	conn.inbox <- []byte(`not json`)
	conn.inbox <- []byte(`[1,2]`)
	conn.inbox <- []byte(`{"file_path":"b.md"}`)
	conn.inbox <- []byte(`{"type":"crawl_completed"}`)

	require.Equal(t, "a.md", receive(t, stream).String("file_path"))
	require.Equal(t, "b.md", receive(t, stream).String("file_path"))
	last := receive(t, stream)
	require.Equal(t, "crawl_completed", last.Type)
	require.False(t, last.Has("file_path"))
}

func TestNormalCloseEndsStream(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, nil)
	stream := m.Open("crawl-1")
	conn := nextConn(t, d)

	conn.readErr <- io.EOF
	waitDone(t, stream)

	_, ok := <-stream.Messages()
	require.False(t, ok)
	require.NoError(t, stream.Err())
	require.Equal(t, StatusClosed, m.Status("crawl-1"))
	require.True(t, conn.isClosed())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, d.dialCount())
}

func TestReconnectKeepsStream(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, nil)
	stream := m.Open("crawl-1")

	first := nextConn(t, d)
	first.inbox <- []byte(`{"file_path":"a.md"}`)
	require.Equal(t, "a.md", receive(t, stream).String("file_path"))

	first.readErr <- errors.New("connection reset")
	second := nextConn(t, d)
	require.True(t, first.isClosed())

	second.inbox <- []byte(`{"file_path":"b.md"}`)
	require.Equal(t, "b.md", receive(t, stream).String("file_path"))
	require.Equal(t, StatusOpen, m.Status("crawl-1"))
	require.Same(t, stream, m.Open("crawl-1"))
}

func TestReconnectAfterDialFailures(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.failFirst = 2
	m := newTestManager(t, d, nil, nil)
	stream := m.Open("crawl-1")

	conn := nextConn(t, d)
	require.Equal(t, 3, d.dialCount())
	select {
	case <-stream.Ready():
	case <-time.After(time.Second):
		t.Fatal("stream never became ready")
	}
	conn.inbox <- []byte(`{"file_path":"a.md"}`)
	require.Equal(t, "a.md", receive(t, stream).String("file_path"))
}

func TestReconnectsExhausted(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.failAlways = true
	m := newTestManager(t, d, nil, func(cfg *Config) { cfg.MaxReconnects = 2 })
	stream := m.Open("crawl-1")

	waitDone(t, stream)
	require.ErrorIs(t, stream.Err(), ErrReconnectsExhausted)
	require.Equal(t, 3, d.dialCount())
	require.Equal(t, StatusClosed, m.Status("crawl-1"))
}

func TestCloseStopsReconnecting(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.failAlways = true
	m := newTestManager(t, d, nil, nil)
	stream := m.Open("crawl-1")

	require.Eventually(t, func() bool { return d.dialCount() >= 2 }, time.Second, 5*time.Millisecond)
	m.Close("crawl-1")
	waitDone(t, stream)
	require.NoError(t, stream.Err())

	dials := d.dialCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, dials, d.dialCount())

	m.Close("crawl-1")
	m.Close("unknown")
}

func TestCloseClosesSocketAndEndsStream(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, nil)
	stream := m.Open("crawl-1")
	conn := nextConn(t, d)

	m.Close("crawl-1")
	waitDone(t, stream)
	require.NoError(t, stream.Err())
	require.True(t, conn.isClosed())

	reopened := m.Open("crawl-1")
	require.NotSame(t, stream, reopened)
	nextConn(t, d)
}

func TestKeepalivePingsWhileOpen(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, func(cfg *Config) { cfg.PingInterval = 10 * time.Millisecond })
	m.Open("crawl-1")
	conn := nextConn(t, d)

	require.Eventually(t, func() bool { return conn.countWrites(pingJSON) >= 2 }, time.Second, 5*time.Millisecond)

	conn.readErr <- errors.New("connection reset")
	next := nextConn(t, d)
	pings := conn.countWrites(pingJSON)
	require.Eventually(t, func() bool { return next.countWrites(pingJSON) >= 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, pings, conn.countWrites(pingJSON), "old socket must stop pinging")
}

func TestSendWhenOpen(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, nil)
	m.Open("crawl-1")
	conn := nextConn(t, d)
	require.Eventually(t, func() bool { return m.Status("crawl-1") == StatusOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Send("crawl-1", map[string]string{"type": "resync"}))
	require.Equal(t, []string{`{"type":"resync"}`}, conn.written())
	require.NoError(t, m.Send("unknown", map[string]string{"type": "resync"}))
}

func TestSendWhileConnectingDrops(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.gate = make(chan struct{})
	m := newTestManager(t, d, nil, nil)
	m.Open("crawl-1")

	require.ErrorIs(t, m.Send("crawl-1", map[string]string{"type": "resync"}), ErrNotOpen)
	close(d.gate)
	conn := nextConn(t, d)
	require.Eventually(t, func() bool { return m.Status("crawl-1") == StatusOpen }, time.Second, 5*time.Millisecond)
	require.Empty(t, conn.written())
}

func TestSendWhileConnectingQueues(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.gate = make(chan struct{})
	m := newTestManager(t, d, nil, func(cfg *Config) {
		cfg.QueueWhileClosed = true
		cfg.SendQueueSize = 2
	})
	m.Open("crawl-1")

	require.NoError(t, m.Send("crawl-1", map[string]int{"n": 1}))
	require.NoError(t, m.Send("crawl-1", map[string]int{"n": 2}))
	require.ErrorIs(t, m.Send("crawl-1", map[string]int{"n": 3}), ErrQueueFull)

	close(d.gate)
	conn := nextConn(t, d)
	require.Eventually(t, func() bool { return len(conn.written()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{`{"n":1}`, `{"n":2}`}, conn.written())
}

func TestDialHoldsBusy(t *testing.T) {
	t.Parallel()

	counter := busy.New()
	d := newFakeDialer()
	d.gate = make(chan struct{})
	m := newTestManager(t, d, counter, nil)
	m.Open("crawl-1")

	require.Eventually(t, counter.Busy, time.Second, 5*time.Millisecond)
	close(d.gate)
	nextConn(t, d)
	require.Eventually(t, func() bool { return !counter.Busy() }, time.Second, 5*time.Millisecond)
}

func TestShutdownClosesAllAndRejectsOpen(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, d, nil, nil)
	a := m.Open("crawl-a")
	b := m.Open("crawl-b")
	nextConn(t, d)
	nextConn(t, d)

	m.Shutdown()
	waitDone(t, a)
	waitDone(t, b)

	late := m.Open("crawl-c")
	waitDone(t, late)
	require.ErrorIs(t, late.Err(), ErrShutdown)
}
