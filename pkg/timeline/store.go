// Package timeline maintains the ordered, id-unique message sequence for a
// single conversation.
//
// Order is insertion order, not timestamp order. The one invariant every
// mutation preserves: ids are unique — inserting a message whose id already
// exists replaces the entry in place rather than appending a duplicate. This
// is what lets optimistic client entries and server-confirmed messages merge
// by id instead of racing.
package timeline

import (
	"sync"

	"github.com/evidentia-ai/consult/pkg/models"
)

// Store is one conversation's message timeline. A Store is created per
// conversation and discarded when the caller switches conversations; it is
// never shared across sessions. Safe for concurrent use: inbound events and
// caller-initiated mutations may arrive on different goroutines.
type Store struct {
	mu       sync.RWMutex
	messages []models.Message
}

// NewStore creates a timeline seeded from caller-supplied initial messages
// (e.g. loaded conversation history). Duplicated ids in the seed collapse to
// the last occurrence.
func NewStore(initial []models.Message) *Store {
	s := &Store{}
	for _, m := range initial {
		s.Upsert(m)
	}
	return s
}

// Upsert replaces the entry with the same id in place, or appends when the
// id is new. Relative order of all other entries is preserved.
func (s *Store) Upsert(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			return
		}
	}
	s.messages = append(s.messages, msg)
}

// Remove filters the message out. No-op if the id is absent.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.messages {
		if s.messages[i].ID == id {
			return s.messages[i].Clone(), true
		}
	}
	return models.Message{}, false
}

// Messages returns a snapshot copy of the timeline.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].Clone()
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// MergeHistory applies a server history replay: history entries take
// precedence for the ids they own, while current entries unknown to the
// server (optimistic, still in flight) survive after the history block.
func (s *Store) MergeHistory(history []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = MergeHistory(history, s.messages)
}

// MergeHistory returns history concatenated with the subset of current whose
// ids are not present in history. History entries always sort before the
// preserved tail.
func MergeHistory(history, current []models.Message) []models.Message {
	known := make(map[string]bool, len(history))
	merged := make([]models.Message, 0, len(history)+len(current))
	for _, m := range history {
		known[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range current {
		if !known[m.ID] {
			merged = append(merged, m)
		}
	}
	return merged
}

// PreviousUserMessage returns the message immediately preceding the given
// assistant message, iff that predecessor has the user role. Used by
// regenerate to find the prompt to resend.
func (s *Store) PreviousUserMessage(assistantID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.messages {
		if s.messages[i].ID == assistantID {
			if i == 0 {
				return models.Message{}, false
			}
			prev := s.messages[i-1]
			if prev.Role != models.RoleUser {
				return models.Message{}, false
			}
			return prev.Clone(), true
		}
	}
	return models.Message{}, false
}
