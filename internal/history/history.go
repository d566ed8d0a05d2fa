// Package history keeps the per-group conversation backlog handed to a
// session on start. In-memory and bounded; a durable store can replace it
// behind the same interface.
package history

import (
	"sync"
	"time"

	"github.com/studycircle/chat-backend/internal/models"
)

const defaultCapacity = 500

// Store holds the most recent messages per group.
type Store struct {
	mu       sync.RWMutex
	capacity int
	byGroup  map[string][]models.ChatMessage
}

func NewStore() *Store {
	return &Store{capacity: defaultCapacity, byGroup: make(map[string][]models.ChatMessage)}
}

// Append records a message, evicting the oldest past capacity.
func (s *Store) Append(msg models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.byGroup[msg.GroupID], msg)
	if len(list) > s.capacity {
		list = list[len(list)-s.capacity:]
	}
	s.byGroup[msg.GroupID] = list
}

// Tombstone marks a stored message deleted so late joiners see the
// converged state. No-op for an unknown id.
func (s *Store) Tombstone(groupID, messageID, deletedBy, reason string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byGroup[groupID]
	for i := range list {
		if list[i].ID == messageID && !list[i].Deleted {
			list[i].Tombstone(deletedBy, reason, at)
			return
		}
	}
}

// History returns up to limit most recent messages for a group, oldest
// first.
func (s *Store) History(groupID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byGroup[groupID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]models.ChatMessage, len(list))
	copy(out, list)
	return out, nil
}
