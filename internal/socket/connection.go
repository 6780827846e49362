package socket

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/metrics"
)

var pingFrame = map[string]string{"type": "ping"}

type connection struct {
	crawlID string
	url     string
	cfg     Config
	dialer  Dialer
	tracker Tracker
	logger  *zap.Logger
	owner   *Manager

	ctx    context.Context
	cancel context.CancelFunc
	stream *Stream

	// writeMu serialises writes; a websocket allows one concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	status  Status
	conn    Conn
	pending []any
}

func newConnection(m *Manager, crawlID string) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	endpoint := m.Endpoint(crawlID)
	return &connection{
		crawlID: crawlID,
		url:     endpoint,
		cfg:     m.cfg,
		dialer:  m.dialer,
		tracker: m.tracker,
		logger:  m.logger.With(zap.String("crawl_id", crawlID)),
		owner:   m,
		ctx:     ctx,
		cancel:  cancel,
		stream:  newStream(crawlID, m.cfg.MessageBuffer),
		status:  StatusClosed,
	}
}

func (c *connection) run() {
	var err error
	defer func() {
		c.cancel()
		c.owner.forget(c.crawlID, c)
		c.finish(err)
	}()
	err = c.loop()
}

func (c *connection) loop() error {
	policy := c.reconnectPolicy()
	for attempt := 0; ; attempt++ {
		if c.ctx.Err() != nil {
			return nil
		}
		if attempt == 0 {
			c.setStatus(StatusConnecting)
		} else {
			c.setStatus(StatusReconnecting)
		}

		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			metrics.ObserveDialFailure()
			c.logger.Warn("stream dial failed",
				zap.String("url", c.url),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if !c.wait(policy) {
				return c.stopReason()
			}
			continue
		}

		policy.Reset()
		stopKeepalive := c.attach(conn)
		err = c.read(conn)
		stopKeepalive()
		c.detach(conn)

		if errors.Is(err, io.EOF) {
			c.logger.Debug("stream closed by server")
			return nil
		}
		if c.ctx.Err() != nil {
			return nil
		}
		metrics.ObserveReconnect()
		c.logger.Warn("stream dropped; reconnecting",
			zap.Duration("delay", c.cfg.ReconnectDelay),
			zap.Error(err))
		if !c.wait(policy) {
			return c.stopReason()
		}
	}
}

func (c *connection) reconnectPolicy() backoff.BackOff {
	var policy backoff.BackOff = backoff.NewConstantBackOff(c.cfg.ReconnectDelay)
	if c.cfg.MaxReconnects > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(c.cfg.MaxReconnects))
	}
	return policy
}

// wait sleeps for the next reconnect delay. It returns false when the policy
// is exhausted or the connection was canceled.
func (c *connection) wait(policy backoff.BackOff) bool {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *connection) stopReason() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.logger.Error("giving up on stream", zap.Int("max_reconnects", c.cfg.MaxReconnects))
	return ErrReconnectsExhausted
}

func (c *connection) dial() (Conn, error) {
	release := c.tracker.Hold()
	defer release()
	return c.dialer.Dial(c.ctx, c.url)
}

// attach makes conn current, flushes queued sends ahead of any new Send and
// starts the keepalive loop. The returned func stops the keepalive.
func (c *connection) attach(conn Conn) func() {
	c.writeMu.Lock()
	c.mu.Lock()
	c.conn = conn
	pending := c.pending
	c.pending = nil
	prev := c.status
	c.status = StatusOpen
	c.mu.Unlock()
	c.observeTransition(prev, StatusOpen)
	for _, msg := range pending {
		if err := conn.WriteJSON(msg); err != nil {
			c.logger.Warn("flush queued message failed", zap.Error(err))
			break
		}
	}
	c.writeMu.Unlock()

	metrics.IncOpenSockets()
	c.stream.markReady()
	c.logger.Info("stream open", zap.String("url", c.url), zap.Int("flushed", len(pending)))

	ctx, cancel := context.WithCancel(c.ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(ctx, conn)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *connection) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	metrics.DecOpenSockets()
}

func (c *connection) read(conn Conn) error {
	stop := context.AfterFunc(c.ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := decodeMessage(data)
		if err != nil {
			metrics.ObserveMessage(false)
			c.logger.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		metrics.ObserveMessage(true)
		select {
		case c.stream.messages <- msg:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// keepalive pings conn until ctx ends or conn stops being the open socket.
func (c *connection) keepalive(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn && c.status == StatusOpen
			c.mu.Unlock()
			if !current {
				return
			}
			if err := c.write(conn, pingFrame); err != nil {
				c.logger.Debug("keepalive ping failed", zap.Error(err))
				return
			}
			metrics.ObservePing()
		}
	}
}

func (c *connection) send(msg any) error {
	c.mu.Lock()
	if c.status == StatusOpen && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return c.write(conn, msg)
	}
	defer c.mu.Unlock()
	if !c.cfg.QueueWhileClosed || c.ctx.Err() != nil {
		return ErrNotOpen
	}
	if len(c.pending) >= c.cfg.SendQueueSize {
		return ErrQueueFull
	}
	c.pending = append(c.pending, msg)
	return nil
}

func (c *connection) write(conn Conn, msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *connection) currentStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *connection) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = s
	c.mu.Unlock()
	c.observeTransition(prev, s)
}

func (c *connection) observeTransition(from, to Status) {
	if from == to {
		return
	}
	metrics.ObserveSocketStatus(to.String())
	c.logger.Debug("status change", zap.Stringer("from", from), zap.Stringer("to", to))
}

func (c *connection) finish(err error) {
	c.mu.Lock()
	c.conn = nil
	c.pending = nil
	c.mu.Unlock()
	c.setStatus(StatusClosed)
	if err != nil {
		c.logger.Warn("stream ended", zap.Error(err))
	}
	c.stream.end(err)
}
