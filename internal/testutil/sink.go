package testutil

import (
	"context"
	"sync"

	"github.com/roach88/recast/internal/model"
)

// RecordingSink keeps every transition emitted to it.
//
// Thread-safety: safe for concurrent use.
type RecordingSink struct {
	mu          sync.Mutex
	transitions []model.Transition
}

// Emit implements events.Sink.
func (s *RecordingSink) Emit(_ context.Context, t model.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
}

// Transitions returns a copy of the recorded transitions.
func (s *RecordingSink) Transitions() []model.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// For returns the recorded transitions of one entry, in emit order.
func (s *RecordingSink) For(entryID string) []model.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transition
	for _, t := range s.transitions {
		if t.EntryID == entryID {
			out = append(out, t)
		}
	}
	return out
}
