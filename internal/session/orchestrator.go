// Package session drives crawl submissions. Each submission becomes a Session
// that either fetches one result or streams results from the crawl's
// connection, appending blocks in arrival order. A new submission supersedes
// and cancels the previous session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/crawlapi"
	"github.com/JakeFAU/crawlstream/internal/progress"
	"github.com/JakeFAU/crawlstream/internal/socket"
	"github.com/JakeFAU/crawlstream/internal/store"
)

var (
	// ErrNothingToResume is returned by Resume when no session history exists.
	ErrNothingToResume = errors.New("session: nothing to resume")
	// ErrMissingCrawlID fails a streaming session whose submission returned no crawl id.
	ErrMissingCrawlID = errors.New("session: submission returned no crawl id")
	// ErrMissingResult fails a single session that has neither a result path nor a crawl id.
	ErrMissingResult = errors.New("session: submission returned no result path")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: orchestrator closed")
)

// FailedFetchPolicy decides what a failed result fetch leaves in the blocks.
type FailedFetchPolicy string

// Failed fetch policies.
const (
	FailedFetchMarker FailedFetchPolicy = "marker"
	FailedFetchDrop   FailedFetchPolicy = "drop"
)

const defaultFetchConcurrency = 4

// Submitter issues the initiating crawl request.
type Submitter interface {
	Submit(ctx context.Context, req crawlapi.SubmitRequest) (crawlapi.SubmitResponse, error)
}

// Fetcher loads the content stored at a result path.
type Fetcher interface {
	FetchMarkdown(ctx context.Context, path string) (string, error)
}

// Streams opens and closes per-crawl result streams.
type Streams interface {
	Open(crawlID string) *socket.Stream
	Close(crawlID string)
}

// Tracker is the process busy indicator.
type Tracker interface {
	Hold() func()
}

// IDGenerator mints session ids.
type IDGenerator interface {
	NewSessionID() (uuid.UUID, error)
}

// Config tunes session behavior.
type Config struct {
	// FetchConcurrency bounds in-flight result fetches per session.
	FetchConcurrency  int
	FailedFetchPolicy FailedFetchPolicy
	// ResultFields lists message fields that carry a result path; the first
	// non-empty one wins.
	ResultFields []string
	// CompletionTypes lists message types that end a stream.
	CompletionTypes []string
	Logger          *zap.Logger
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Submitter Submitter
	Fetcher   Fetcher
	Streams   Streams
	Busy      Tracker
	// History is optional; Resume needs it.
	History store.SessionRepository
	// Events is optional; progress.Discard is used when nil.
	Events progress.Emitter
	IDs    IDGenerator
	Now    func() time.Time
}

// Orchestrator owns the current session.
type Orchestrator struct {
	cfg       Config
	submitter Submitter
	fetcher   Fetcher
	streams   Streams
	busy      Tracker
	history   store.SessionRepository
	events    progress.Emitter
	ids       IDGenerator
	now       func() time.Time
	logger    *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	runs       sync.WaitGroup

	submitMu sync.Mutex
	mu       sync.RWMutex
	current  *Session
	closed   bool
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Submitter == nil:
		return nil, errors.New("submitter is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Streams == nil:
		return nil, errors.New("streams are required")
	case deps.Busy == nil:
		return nil, errors.New("busy tracker is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	switch cfg.FailedFetchPolicy {
	case "":
		cfg.FailedFetchPolicy = FailedFetchMarker
	case FailedFetchMarker, FailedFetchDrop:
	default:
		return nil, fmt.Errorf("unknown failed fetch policy %q", cfg.FailedFetchPolicy)
	}
	if len(cfg.ResultFields) == 0 {
		cfg.ResultFields = []string{"file_path"}
	}
	if len(cfg.CompletionTypes) == 0 {
		cfg.CompletionTypes = []string{"crawl_completed"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Discard
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		submitter:  deps.Submitter,
		fetcher:    deps.Fetcher,
		streams:    deps.Streams,
		busy:       deps.Busy,
		history:    deps.History,
		events:     events,
		ids:        deps.IDs,
		now:        now,
		logger:     logger.Named("session"),
		baseCtx:    ctx,
		baseCancel: cancel,
	}, nil
}

// Submit validates form, cancels the current session and starts a new one.
// An invalid form returns *ValidationError and leaves the current session alone.
func (o *Orchestrator) Submit(form Form) (*Session, error) {
	if err := form.Validate(); err != nil {
		return nil, err
	}
	return o.start(form, "")
}

// Resume restarts the most recent session from history. A single crawl with a
// stored result path is fetched directly; anything else is submitted again.
func (o *Orchestrator) Resume(ctx context.Context) (*Session, error) {
	if o.history == nil {
		return nil, ErrNothingToResume
	}
	rec, err := o.history.LatestSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNothingToResume
	}
	if err != nil {
		return nil, fmt.Errorf("load latest session: %w", err)
	}
	form := FormFromRecord(rec.TargetURL, rec.Mode, rec.Options)
	if err := form.Validate(); err != nil {
		return nil, fmt.Errorf("stored session %s: %w", rec.ID, err)
	}
	resultPath := ""
	if form.Mode() == ModeSingle {
		resultPath = rec.ResultPath
	}
	o.logger.Info("resuming session",
		zap.Stringer("previous_session_id", rec.ID),
		zap.String("mode", rec.Mode),
		zap.Bool("direct_fetch", resultPath != ""))
	return o.start(form, resultPath)
}

func (o *Orchestrator) start(form Form, resultPath string) (*Session, error) {
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	o.mu.RLock()
	closed, prev := o.closed, o.current
	o.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if prev != nil {
		prev.Cancel()
	}

	id, err := o.ids.NewSessionID()
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	s := newSession(o, id, form)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		s.cancel()
		return nil, ErrClosed
	}
	o.current = s
	o.runs.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.runs.Done()
		s.run(resultPath)
	}()
	return s, nil
}

// Current returns the current session, or nil before the first submission.
func (o *Orchestrator) Current() *Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Snapshot returns the current session's view.
func (o *Orchestrator) Snapshot() (Snapshot, bool) {
	s := o.Current()
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Loading reports whether the current session has busy holds outstanding.
func (o *Orchestrator) Loading() bool {
	s := o.Current()
	return s != nil && s.Loading()
}

// Cancel cancels the current session.
func (o *Orchestrator) Cancel() {
	if s := o.Current(); s != nil {
		s.Cancel()
	}
}

// Close cancels the current session, rejects further submissions and waits
// for running sessions to finish.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.submitMu.Lock()
	o.mu.Lock()
	o.closed = true
	current := o.current
	o.mu.Unlock()
	o.submitMu.Unlock()

	if current != nil {
		current.Cancel()
	}
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session close wait: %w", ctx.Err())
	}
}
