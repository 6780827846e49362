package sinks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/progress"
	"github.com/JakeFAU/crawlstream/internal/publisher"
)

// SessionFinished is the notification published when a session reaches a
// terminal stage.
type SessionFinished struct {
	SessionID   string    `json:"session_id"`
	CrawlID     string    `json:"crawl_id,omitempty"`
	Status      string    `json:"status"`
	Mode        string    `json:"mode,omitempty"`
	TargetURL   string    `json:"target_url,omitempty"`
	Blocks      int       `json:"blocks"`
	FetchErrors int       `json:"fetch_errors"`
	RuntimeMS   int64     `json:"runtime_ms"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}

// Attributes exposes routing attributes for brokers that support filtering.
func (n SessionFinished) Attributes() map[string]string {
	return map[string]string{
		"session_id": n.SessionID,
		"status":     n.Status,
		"mode":       n.Mode,
		"blocks":     strconv.Itoa(n.Blocks),
	}
}

var _ publisher.Attributed = SessionFinished{}

// PublishSink announces finished sessions on a topic.
type PublishSink struct {
	pub    publisher.Publisher
	topic  string
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[[16]byte]progress.Event
}

// NewPublishSink builds a sink publishing to topic via pub.
func NewPublishSink(pub publisher.Publisher, topic string, logger *zap.Logger) (*PublishSink, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{
		pub:      pub,
		topic:    topic,
		logger:   logger,
		sessions: make(map[[16]byte]progress.Event),
	}, nil
}

// Consume remembers session metadata and publishes one message per terminal event.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			s.remember(evt)
			continue
		}
		msg := s.finish(evt)
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish session %s: %w", msg.SessionID, err))
			continue
		}
		s.logger.Debug("session notification published",
			zap.String("session_id", msg.SessionID),
			zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

func (s *PublishSink) remember(evt progress.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.sessions[evt.SessionID]
	if evt.Stage == progress.StageSessionStart {
		seen = evt
	}
	if evt.CrawlID != "" {
		seen.CrawlID = evt.CrawlID
	}
	s.sessions[evt.SessionID] = seen
}

func (s *PublishSink) finish(evt progress.Event) SessionFinished {
	s.mu.Lock()
	seen := s.sessions[evt.SessionID]
	delete(s.sessions, evt.SessionID)
	s.mu.Unlock()

	msg := SessionFinished{
		SessionID:   evt.SessionUUID().String(),
		CrawlID:     firstNonEmpty(evt.CrawlID, seen.CrawlID),
		Mode:        firstNonEmpty(evt.Mode, seen.Mode),
		TargetURL:   firstNonEmpty(evt.TargetURL, seen.TargetURL),
		Blocks:      evt.Blocks,
		FetchErrors: evt.FetchErrors,
		RuntimeMS:   evt.Dur.Milliseconds(),
		FinishedAt:  evt.TS.UTC(),
	}
	switch evt.Stage {
	case progress.StageSessionDone:
		msg.Status = "completed"
	case progress.StageSessionFailed:
		msg.Status = "failed"
		msg.Error = evt.Note
	default:
		msg.Status = "canceled"
	}
	return msg
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
