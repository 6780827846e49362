package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlstream/internal/progress"
	"github.com/JakeFAU/crawlstream/internal/store"
)

// StoreSink persists session history through a store.SessionRepository. Block
// counters are collapsed so each session is written at most once per batch.
type StoreSink struct {
	repo   store.SessionRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SessionRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type blockCounts struct {
	blocks      int
	fetchErrors int
	at          time.Time
}

// Consume applies batch in order and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[[16]byte]*blockCounts)
	var order [][16]byte

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			if err := s.repo.StartSession(ctx, store.SessionRecord{
				ID:        evt.SessionUUID(),
				TargetURL: evt.TargetURL,
				Mode:      evt.Mode,
				Options:   evt.Options,
				StartedAt: evt.TS,
			}); err != nil {
				return fmt.Errorf("start session: %w", err)
			}
		case progress.StageSubmitted:
			if err := s.repo.RecordSubmission(ctx, evt.SessionUUID(), evt.CrawlID, evt.Path, evt.TS); err != nil {
				return fmt.Errorf("record submission: %w", err)
			}
		case progress.StageBlockAppended, progress.StageFetchError:
			counts, ok := pending[evt.SessionID]
			if !ok {
				counts = &blockCounts{}
				pending[evt.SessionID] = counts
				order = append(order, evt.SessionID)
			}
			counts.blocks = max(counts.blocks, evt.Blocks)
			counts.fetchErrors = max(counts.fetchErrors, evt.FetchErrors)
			if evt.TS.After(counts.at) {
				counts.at = evt.TS
			}
		case progress.StageSessionDone, progress.StageSessionFailed, progress.StageSessionCanceled:
			if err := s.flushCounts(ctx, evt.SessionID, pending); err != nil {
				return err
			}
			if err := s.complete(ctx, evt); err != nil {
				return err
			}
		}
	}
	for _, id := range order {
		if err := s.flushCounts(ctx, id, pending); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushCounts(ctx context.Context, id [16]byte, pending map[[16]byte]*blockCounts) error {
	counts, ok := pending[id]
	if !ok {
		return nil
	}
	delete(pending, id)
	if err := s.repo.RecordBlocks(ctx, progress.Event{SessionID: id}.SessionUUID(),
		counts.blocks, counts.fetchErrors, counts.at); err != nil {
		return fmt.Errorf("record blocks: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := store.SessionCompleted
	var note *string
	switch evt.Stage {
	case progress.StageSessionFailed:
		status = store.SessionFailed
		if evt.Note != "" {
			note = &evt.Note
		}
	case progress.StageSessionCanceled:
		status = store.SessionCanceled
	}
	if evt.Blocks > 0 || evt.FetchErrors > 0 {
		if err := s.repo.RecordBlocks(ctx, evt.SessionUUID(), evt.Blocks, evt.FetchErrors, evt.TS); err != nil {
			return fmt.Errorf("record blocks: %w", err)
		}
	}
	if err := s.repo.CompleteSession(ctx, evt.SessionUUID(), status, note, evt.TS); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
