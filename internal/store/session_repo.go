// Package store declares the crawl session history repository.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("session record not found")

// SessionStatus mirrors the crawl_sessions status column.
type SessionStatus string

// Session statuses persisted in crawl_sessions.status.
const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCanceled  SessionStatus = "canceled"
)

// Terminal reports whether status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCanceled
}

// SessionRecord models one row of crawl session history.
type SessionRecord struct {
	ID        uuid.UUID
	TargetURL string
	// Mode is "single" or "all".
	Mode string
	// Options holds the submitted feature toggles keyed by their form name.
	Options map[string]bool
	// CrawlID and ResultPath are empty until the submission is acknowledged.
	CrawlID     string
	ResultPath  string
	Status      SessionStatus
	Blocks      int
	FetchErrors int
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	StartedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}

// SessionRepository persists crawl session history.
type SessionRepository interface {
	// StartSession inserts a running record. Repeating it for the same ID is a no-op.
	StartSession(ctx context.Context, rec SessionRecord) error
	// RecordSubmission stores the backend acknowledgement.
	RecordSubmission(ctx context.Context, id uuid.UUID, crawlID, resultPath string, at time.Time) error
	// RecordBlocks stores the latest block and fetch error counts.
	RecordBlocks(ctx context.Context, id uuid.UUID, blocks, fetchErrors int, at time.Time) error
	// CompleteSession marks the session finished.
	CompleteSession(ctx context.Context, id uuid.UUID, status SessionStatus, errMsg *string, at time.Time) error

	// GetSession loads one record or returns ErrNotFound.
	GetSession(ctx context.Context, id uuid.UUID) (SessionRecord, error)
	// LatestSession returns the most recently started record or ErrNotFound.
	LatestSession(ctx context.Context) (SessionRecord, error)
	// ListSessions returns records newest first, optionally filtered by status.
	ListSessions(ctx context.Context, status *SessionStatus, limit, offset int) ([]SessionRecord, error)
}
