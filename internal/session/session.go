package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Mode selects the single-result or streaming path.
type Mode string

// Crawl modes, spelled as the backend expects them.
const (
	ModeSingle Mode = "single"
	ModeBatch  Mode = "all"
)

// Status is the session state.
type Status string

// Session states.
const (
	StatusIdle           Status = "idle"
	StatusSubmitting     Status = "submitting"
	StatusAwaitingResult Status = "awaiting_result"
	StatusStreaming      Status = "streaming"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Terminal reports whether no further transitions follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Snapshot is the presentation view of a session.
type Snapshot struct {
	ID          uuid.UUID  `json:"session_id"`
	Mode        Mode       `json:"mode"`
	Status      Status     `json:"status"`
	Form        Form       `json:"form"`
	CrawlID     string     `json:"crawl_id,omitempty"`
	ResultPath  string     `json:"result_path,omitempty"`
	Blocks      []string   `json:"blocks"`
	FetchErrors int        `json:"fetch_errors"`
	Error       string     `json:"error,omitempty"`
	Canceled    bool       `json:"canceled"`
	Loading     bool       `json:"loading"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Session is one submission's lifecycle. Its run goroutine owns every
// transition; readers take snapshots.
type Session struct {
	id   uuid.UUID
	form Form
	mode Mode
	o    *Orchestrator

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	holds  atomic.Int64

	mu          sync.RWMutex
	status      Status
	crawlID     string
	resultPath  string
	streamID    string
	blocks      []string
	fetchErrors int
	lastErr     error
	canceled    bool
	startedAt   time.Time
	finishedAt  time.Time
}

func newSession(o *Orchestrator, id uuid.UUID, form Form) *Session {
	ctx, cancel := context.WithCancel(o.baseCtx)
	return &Session{
		id:        id,
		form:      form,
		mode:      form.Mode(),
		o:         o,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusIdle,
		startedAt: o.now(),
	}
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Mode returns the crawl mode.
func (s *Session) Mode() Mode { return s.mode }

// Form returns the submitted form.
func (s *Session) Form() Form { return s.form }

// Done is closed once the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session finishes or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Blocks returns a copy of the result blocks in arrival order.
func (s *Session) Blocks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.blocks...)
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Loading reports whether any busy hold taken for this session is outstanding.
func (s *Session) Loading() bool {
	return s.holds.Load() > 0
}

// Snapshot returns the presentation view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:          s.id,
		Mode:        s.mode,
		Status:      s.status,
		Form:        s.form,
		CrawlID:     s.crawlID,
		ResultPath:  s.resultPath,
		Blocks:      append([]string{}, s.blocks...),
		FetchErrors: s.fetchErrors,
		Canceled:    s.canceled,
		Loading:     s.Loading(),
		StartedAt:   s.startedAt,
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	if !s.finishedAt.IsZero() {
		finished := s.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}

// Cancel stops the session's outstanding work. Once Cancel returns the
// session's blocks no longer change. Canceling a finished session is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.status.Terminal() || s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	streamID := s.streamID
	s.mu.Unlock()

	s.cancel()
	if streamID != "" {
		s.o.streams.Close(streamID)
	}
}

// hold takes a busy hold counted against both the process and this session.
func (s *Session) hold() func() {
	s.holds.Add(1)
	release := s.o.busy.Hold()
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			s.holds.Add(-1)
		})
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// appendBlock adds content unless the session was canceled, and returns the
// resulting block count.
func (s *Session) appendBlock(content string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return len(s.blocks), false
	}
	s.blocks = append(s.blocks, content)
	return len(s.blocks), true
}

func (s *Session) counts() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks), s.fetchErrors
}
