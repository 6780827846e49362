// Package uuid provides session ID generation.
package uuid

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 session ids.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewSessionID returns a UUIDv7 so ids sort by creation time.
func (Generator) NewSessionID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// Sequence hands out fixed ids in order, then falls back to UUIDv7. It is
// meant for tests that need predictable session ids.
type Sequence struct {
	mu  sync.Mutex
	ids []uuid.UUID
	gen Generator
}

// NewSequence returns a Sequence that yields ids first.
func NewSequence(ids ...uuid.UUID) *Sequence {
	return &Sequence{ids: ids}
}

// NewSessionID returns the next queued id.
func (s *Sequence) NewSessionID() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return s.gen.NewSessionID()
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, nil
}
