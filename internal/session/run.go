package session

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlstream/internal/crawlapi"
	"github.com/JakeFAU/crawlstream/internal/progress"
	"github.com/JakeFAU/crawlstream/internal/socket"
)

func (s *Session) run(resultPath string) {
	defer close(s.done)
	defer s.cancel()

	s.emit(progress.Event{
		Stage:     progress.StageSessionStart,
		TargetURL: s.form.URL,
		Options:   s.form.Options(),
	})

	if resultPath != "" {
		s.mu.Lock()
		s.resultPath = resultPath
		s.mu.Unlock()
		s.finish(s.awaitResult(resultPath))
		return
	}

	resp, err := s.submit()
	if err != nil {
		s.finish(err)
		return
	}
	switch {
	case s.mode == ModeSingle && resp.ResultPath != "":
		s.finish(s.awaitResult(resp.ResultPath))
	case resp.CrawlID != "":
		s.finish(s.stream(resp.CrawlID))
	case s.mode == ModeSingle:
		s.finish(ErrMissingResult)
	default:
		s.finish(ErrMissingCrawlID)
	}
}

func (s *Session) submit() (crawlapi.SubmitResponse, error) {
	s.setStatus(StatusSubmitting)
	release := s.hold()
	resp, err := s.o.submitter.Submit(s.ctx, s.form.request())
	release()
	if err != nil {
		return crawlapi.SubmitResponse{}, fmt.Errorf("submit crawl: %w", err)
	}
	if !resp.Accepted() {
		return crawlapi.SubmitResponse{}, fmt.Errorf("%w: status %q", crawlapi.ErrRejected, resp.Status)
	}

	s.mu.Lock()
	s.crawlID = resp.CrawlID
	s.resultPath = resp.ResultPath
	s.mu.Unlock()
	s.emit(progress.Event{
		Stage:   progress.StageSubmitted,
		CrawlID: resp.CrawlID,
		Path:    resp.ResultPath,
	})
	s.o.logger.Info("crawl submitted",
		zap.Stringer("session_id", s.id),
		zap.String("mode", string(s.mode)),
		zap.String("status", resp.Status),
		zap.String("crawl_id", resp.CrawlID))
	return resp, nil
}

func (s *Session) awaitResult(path string) error {
	s.setStatus(StatusAwaitingResult)
	release := s.hold()
	start := s.o.now()
	content, err := s.o.fetcher.FetchMarkdown(s.ctx, path)
	release()
	if err != nil {
		return fmt.Errorf("fetch result %s: %w", path, err)
	}
	if n, ok := s.appendBlock(content); ok {
		s.emit(progress.Event{
			Stage:  progress.StageBlockAppended,
			Path:   path,
			Blocks: n,
			Dur:    s.o.now().Sub(start),
		})
	}
	return nil
}

// slot is one pending fetch, resolved in the order its message arrived.
type slot struct {
	path    string
	done    chan struct{}
	content string
	err     error
	dur     time.Duration
}

func (s *Session) stream(crawlID string) error {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStreaming
	s.crawlID = crawlID
	s.streamID = crawlID
	s.mu.Unlock()

	stream := s.o.streams.Open(crawlID)

	openRelease := s.hold()
	opened := make(chan struct{})
	go func() {
		defer close(opened)
		defer openRelease()
		select {
		case <-stream.Ready():
		case <-stream.Done():
		case <-s.ctx.Done():
		}
		select {
		case <-stream.Ready():
			s.emit(progress.Event{Stage: progress.StageStreamOpen, CrawlID: crawlID})
		default:
		}
	}()

	sem := semaphore.NewWeighted(int64(s.o.cfg.FetchConcurrency))
	pending := make(chan *slot, s.o.cfg.FetchConcurrency*4)
	appended := make(chan struct{})
	go func() {
		defer close(appended)
		for sl := range pending {
			<-sl.done
			s.resolve(sl)
		}
	}()

	err := s.consume(stream, sem, pending)
	close(pending)
	<-appended
	s.o.streams.Close(crawlID)
	<-opened
	return err
}

// consume reads the stream until a completion message, the end of the stream
// or cancellation.
func (s *Session) consume(stream *socket.Stream, sem *semaphore.Weighted, pending chan<- *slot) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case msg, ok := <-stream.Messages():
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("result stream %s: %w", stream.CrawlID(), err)
				}
				return nil
			}
			if path := s.resultField(msg); path != "" {
				if !s.dispatch(path, sem, pending) {
					return nil
				}
			}
			if slices.Contains(s.o.cfg.CompletionTypes, msg.Type) {
				s.o.logger.Debug("stream completion received",
					zap.Stringer("session_id", s.id),
					zap.String("type", msg.Type))
				return nil
			}
		}
	}
}

func (s *Session) resultField(msg socket.Message) string {
	for _, field := range s.o.cfg.ResultFields {
		if v := msg.String(field); v != "" {
			return v
		}
	}
	return ""
}

// dispatch reserves the next slot and starts its fetch once the semaphore
// allows. It returns false when the session was canceled while waiting.
func (s *Session) dispatch(path string, sem *semaphore.Weighted, pending chan<- *slot) bool {
	if err := sem.Acquire(s.ctx, 1); err != nil {
		return false
	}
	sl := &slot{path: path, done: make(chan struct{})}
	select {
	case pending <- sl:
	case <-s.ctx.Done():
		sem.Release(1)
		return false
	}
	release := s.hold()
	go func() {
		defer close(sl.done)
		defer sem.Release(1)
		defer release()
		start := s.o.now()
		sl.content, sl.err = s.o.fetcher.FetchMarkdown(s.ctx, path)
		sl.dur = s.o.now().Sub(start)
	}()
	return true
}

func (s *Session) resolve(sl *slot) {
	if sl.err == nil {
		if n, ok := s.appendBlock(sl.content); ok {
			s.emit(progress.Event{Stage: progress.StageBlockAppended, Path: sl.path, Blocks: n, Dur: sl.dur})
		}
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.fetchErrors++
	if s.o.cfg.FailedFetchPolicy == FailedFetchMarker {
		s.blocks = append(s.blocks, failureMarker(sl.path, sl.err))
	}
	blocks, fetchErrors := len(s.blocks), s.fetchErrors
	s.mu.Unlock()

	s.o.logger.Warn("result fetch failed",
		zap.Stringer("session_id", s.id),
		zap.String("path", sl.path),
		zap.Error(sl.err))
	s.emit(progress.Event{
		Stage:       progress.StageFetchError,
		Path:        sl.path,
		Blocks:      blocks,
		FetchErrors: fetchErrors,
		Dur:         sl.dur,
		Note:        sl.err.Error(),
	})
}

func failureMarker(path string, err error) string {
	return fmt.Sprintf("> **Failed to load `%s`**: %v", path, err)
}

// finish records the terminal status. Cancellation completes the session
// rather than failing it.
func (s *Session) finish(err error) {
	s.mu.Lock()
	s.finishedAt = s.o.now()
	stage := progress.StageSessionDone
	switch {
	case s.canceled:
		s.status = StatusCompleted
		stage = progress.StageSessionCanceled
	case err != nil:
		s.status = StatusFailed
		s.lastErr = err
		stage = progress.StageSessionFailed
	default:
		s.status = StatusCompleted
	}
	runtime := s.finishedAt.Sub(s.startedAt)
	s.mu.Unlock()

	blocks, fetchErrors := s.counts()
	evt := progress.Event{
		Stage:       stage,
		Blocks:      blocks,
		FetchErrors: fetchErrors,
		Dur:         max(runtime, 0),
	}
	fields := []zap.Field{
		zap.Stringer("session_id", s.id),
		zap.String("stage", string(stage)),
		zap.Int("blocks", blocks),
		zap.Int("fetch_errors", fetchErrors),
	}
	if stage == progress.StageSessionFailed {
		evt.Note = err.Error()
		s.o.logger.Warn("session failed", append(fields, zap.Error(err))...)
	} else {
		s.o.logger.Info("session finished", fields...)
	}
	s.emit(evt)
}

func (s *Session) emit(evt progress.Event) {
	evt.SessionID = progress.UUIDToBytes(s.id)
	evt.Mode = string(s.mode)
	if evt.TS.IsZero() {
		evt.TS = s.o.now()
	}
	if evt.CrawlID == "" {
		s.mu.RLock()
		evt.CrawlID = s.crawlID
		s.mu.RUnlock()
	}
	s.o.events.Emit(evt)
}

