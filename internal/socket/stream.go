package socket

import "sync"

// Stream is the consumer side of a connection. Messages arrive in transport
// order across reconnects and the channel is closed when the connection ends.
type Stream struct {
	crawlID  string
	messages chan Message

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func newStream(crawlID string, buffer int) *Stream {
	return &Stream{
		crawlID:  crawlID,
		messages: make(chan Message, buffer),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// CrawlID returns the crawl the stream belongs to.
func (s *Stream) CrawlID() string { return s.crawlID }

// Messages returns the inbound message channel.
func (s *Stream) Messages() <-chan Message { return s.messages }

// Ready is closed after the first successful connect.
func (s *Stream) Ready() <-chan struct{} { return s.ready }

// Done is closed once the connection has ended and Messages is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended. It is nil for a normal close or Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// end must be called exactly once, by the goroutine that sends on messages.
func (s *Stream) end(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.messages)
	close(s.done)
}
