// Package socket manages the long-lived streaming connection a crawl reports
// results over. One Connection exists per crawl id; it dials, reconnects after
// failures on a fixed delay, keeps the socket alive with pings and feeds every
// inbound frame into a single Stream.
package socket

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPingInterval   = 20 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultSendQueueSize  = 64
	defaultMessageBuffer  = 64
)

var (
	// ErrNotOpen is returned by Send when the connection has no open socket.
	ErrNotOpen = errors.New("socket: connection not open")
	// ErrQueueFull is returned by Send when the pending queue is at capacity.
	ErrQueueFull = errors.New("socket: send queue full")
	// ErrReconnectsExhausted ends a stream whose reconnect budget ran out.
	ErrReconnectsExhausted = errors.New("socket: reconnect attempts exhausted")
	// ErrShutdown ends streams opened after Shutdown.
	ErrShutdown = errors.New("socket: manager shut down")
)

// Config tunes connection behavior.
type Config struct {
	// BaseURL is the service root; http and https map to ws and wss.
	BaseURL        string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed attempts. Zero is unbounded.
	MaxReconnects    int
	QueueWhileClosed bool
	SendQueueSize    int
	MessageBuffer    int
	Logger           *zap.Logger
}

// Tracker is the busy indicator held while dialing.
type Tracker interface {
	Hold() func()
}

type noopTracker struct{}

func (noopTracker) Hold() func() { return func() {} }

// Manager is the registry of live connections keyed by crawl id.
type Manager struct {
	cfg     Config
	base    *url.URL
	dialer  Dialer
	tracker Tracker
	logger  *zap.Logger

	mu       sync.Mutex
	conns    map[string]*connection
	shutdown bool
}

// NewManager validates cfg and returns an empty Manager.
func NewManager(cfg Config, dialer Dialer, tracker Tracker) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("socket: dialer is required")
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = defaultMessageBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = noopTracker{}
	}
	return &Manager{
		cfg:     cfg,
		base:    base,
		dialer:  dialer,
		tracker: tracker,
		logger:  logger.Named("socket"),
		conns:   make(map[string]*connection),
	}, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("socket: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("socket: unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("socket: base url %q has no host", raw)
	}
	return u, nil
}

// Endpoint returns the stream address for crawlID.
func (m *Manager) Endpoint(crawlID string) string {
	return m.base.JoinPath("ws", "crawl", crawlID).String()
}

// Open returns the stream for crawlID, dialing a new connection unless a live
// one is already registered.
func (m *Manager) Open(crawlID string) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.conns[crawlID]; ok {
		return existing.stream
	}
	if m.shutdown || crawlID == "" {
		s := newStream(crawlID, 0)
		if m.shutdown {
			s.end(ErrShutdown)
		} else {
			s.end(errors.New("socket: empty crawl id"))
		}
		return s
	}

	c := newConnection(m, crawlID)
	m.conns[crawlID] = c
	go c.run()
	return c.stream
}

// Close cancels the connection for crawlID and waits for it to stop. It is
// idempotent and ignores unknown ids.
func (m *Manager) Close(crawlID string) {
	m.mu.Lock()
	c, ok := m.conns[crawlID]
	if ok {
		delete(m.conns, crawlID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	<-c.stream.Done()
}

// Send writes msg on the connection for crawlID. Unknown ids are ignored.
func (m *Manager) Send(crawlID string, msg any) error {
	m.mu.Lock()
	c, ok := m.conns[crawlID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.send(msg)
}

// Status reports the connection status for crawlID; unknown ids are closed.
func (m *Manager) Status(crawlID string) Status {
	m.mu.Lock()
	c, ok := m.conns[crawlID]
	m.mu.Unlock()
	if !ok {
		return StatusClosed
	}
	return c.currentStatus()
}

// Shutdown closes every connection and rejects further opens.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// forget drops c from the registry if it is still the registered connection.
func (m *Manager) forget(crawlID string, c *connection) {
	m.mu.Lock()
	if m.conns[crawlID] == c {
		delete(m.conns, crawlID)
	}
	m.mu.Unlock()
}
