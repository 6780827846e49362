package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes which session milestone an Event records.
type Stage string

// Supported session stages.
const (
	StageSessionStart    Stage = "SESSION_START"
	StageSubmitted       Stage = "SUBMITTED"
	StageStreamOpen      Stage = "STREAM_OPEN"
	StageBlockAppended   Stage = "BLOCK_APPENDED"
	StageFetchError      Stage = "FETCH_ERROR"
	StageSessionDone     Stage = "SESSION_DONE"
	StageSessionFailed   Stage = "SESSION_FAILED"
	StageSessionCanceled Stage = "SESSION_CANCELED"
)

// Terminal reports whether the stage ends a session.
func (s Stage) Terminal() bool {
	switch s {
	case StageSessionDone, StageSessionFailed, StageSessionCanceled:
		return true
	default:
		return false
	}
}

// Event captures one step of a crawl session.
type Event struct {
	// SessionID is the 16-byte form of the session's UUID.
	SessionID [16]byte
	// CrawlID is the backend-assigned crawl identifier, once known.
	CrawlID string
	TS      time.Time
	Stage   Stage
	// Mode is "single" or "all".
	Mode      string
	TargetURL string
	// Options carries the submitted feature toggles on SESSION_START.
	Options map[string]bool
	// Path is the result location for SUBMITTED, BLOCK_APPENDED and FETCH_ERROR.
	Path string
	// Blocks is the number of result blocks after the event.
	Blocks int
	// FetchErrors is the number of failed result fetches after the event.
	FetchErrors int
	// Dur is the fetch latency for block events and the session runtime for
	// terminal events.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart:
		if e.TargetURL == "" {
			return errors.New("session start requires target url")
		}
	case StageSubmitted, StageSessionDone, StageSessionFailed, StageSessionCanceled:
	case StageStreamOpen:
		if e.CrawlID == "" {
			return errors.New("stream open requires crawl id")
		}
	case StageBlockAppended:
		if e.Blocks <= 0 {
			return errors.New("block appended requires a positive block count")
		}
	case StageFetchError:
		if e.Path == "" {
			return errors.New("fetch error requires path")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID for repositories.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
