package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlstream/internal/store"
)

// SessionStore keeps crawl session history in memory for development and tests.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]store.SessionRecord
}

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[uuid.UUID]store.SessionRecord)}
}

// StartSession stores rec as running unless the ID is already known.
func (s *SessionStore) StartSession(_ context.Context, rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[rec.ID]; exists {
		return nil
	}
	rec.Status = store.SessionRunning
	rec.Options = copyOptions(rec.Options)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.StartedAt
	}
	s.sessions[rec.ID] = rec
	return nil
}

// RecordSubmission stores the crawl id and result path.
func (s *SessionStore) RecordSubmission(_ context.Context, id uuid.UUID, crawlID, resultPath string, at time.Time) error {
	return s.update(id, func(rec *store.SessionRecord) {
		rec.CrawlID = crawlID
		rec.ResultPath = resultPath
		rec.UpdatedAt = at
	})
}

// RecordBlocks stores the latest counters.
func (s *SessionStore) RecordBlocks(_ context.Context, id uuid.UUID, blocks, fetchErrors int, at time.Time) error {
	return s.update(id, func(rec *store.SessionRecord) {
		rec.Blocks = blocks
		rec.FetchErrors = fetchErrors
		rec.UpdatedAt = at
	})
}

// CompleteSession marks the session finished.
func (s *SessionStore) CompleteSession(
	_ context.Context,
	id uuid.UUID,
	status store.SessionStatus,
	errMsg *string,
	at time.Time,
) error {
	return s.update(id, func(rec *store.SessionRecord) {
		rec.Status = status
		rec.ErrorMessage = copyString(errMsg)
		rec.UpdatedAt = at
		rec.FinishedAt = pointerTime(at)
	})
}

// GetSession returns a copy of one record.
func (s *SessionStore) GetSession(_ context.Context, id uuid.UUID) (store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// LatestSession returns the most recently started record.
func (s *SessionStore) LatestSession(ctx context.Context) (store.SessionRecord, error) {
	recs, err := s.ListSessions(ctx, nil, 1, 0)
	if err != nil {
		return store.SessionRecord{}, err
	}
	if len(recs) == 0 {
		return store.SessionRecord{}, store.ErrNotFound
	}
	return recs[0], nil
}

// ListSessions returns records newest first.
func (s *SessionStore) ListSessions(
	_ context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.SessionRecord, error) {
	s.mu.RLock()
	out := make([]store.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			// UUIDv7 ids sort by creation time.
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.SessionRecord{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *SessionStore) update(id uuid.UUID, fn func(*store.SessionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&rec)
	s.sessions[id] = rec
	return nil
}

func cloneRecord(rec store.SessionRecord) store.SessionRecord {
	rec.Options = copyOptions(rec.Options)
	rec.ErrorMessage = copyString(rec.ErrorMessage)
	if rec.FinishedAt != nil {
		rec.FinishedAt = pointerTime(*rec.FinishedAt)
	}
	return rec
}

func copyOptions(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
