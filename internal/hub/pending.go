package hub

import (
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/studycircle/chat-backend/internal/metrics"
	"github.com/studycircle/chat-backend/internal/models"
)

// PendingMessage is one envelope queued for an offline user.
type PendingMessage struct {
	ID        uint64
	UserID    string
	Payload   []byte // msgpack-encoded envelope
	Attempts  int
	NextRetry *time.Time
	Enqueued  time.Time
}

// PendingQueue holds msgpack-encoded envelopes for offline delivery.
// In-memory and process-local.
type PendingQueue struct {
	mu     sync.Mutex
	nextID uint64
	byUser map[string][]*PendingMessage
	count  int
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{byUser: make(map[string][]*PendingMessage)}
}

// Enqueue stores an envelope for later delivery to userID.
func (q *PendingQueue) Enqueue(userID string, env models.Envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.byUser[userID] = append(q.byUser[userID], &PendingMessage{
		ID:       q.nextID,
		UserID:   userID,
		Payload:  payload,
		Enqueued: time.Now(),
	})
	q.count++
	metrics.PendingQueueDepth.Set(float64(q.count))
	return nil
}

// Decode unmarshals a pending payload back into an envelope.
func (pm *PendingMessage) Decode() (models.Envelope, error) {
	var env models.Envelope
	err := msgpack.Unmarshal(pm.Payload, &env)
	return env, err
}

// PendingFor returns up to limit queued messages for a user, oldest first.
func (q *PendingQueue) PendingFor(userID string, limit int) []*PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.byUser[userID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*PendingMessage, len(list))
	copy(out, list)
	return out
}

// Retryable returns messages whose NextRetry has passed, up to limit.
func (q *PendingQueue) Retryable(limit int) []*PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []*PendingMessage
	for _, list := range q.byUser {
		for _, pm := range list {
			if pm.NextRetry != nil && !pm.NextRetry.After(now) {
				out = append(out, pm)
				if limit > 0 && len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

// MarkAttempted records a failed delivery attempt and its next retry time.
func (q *PendingQueue) MarkAttempted(id uint64, attempts int, nextRetry *time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range q.byUser {
		for _, pm := range list {
			if pm.ID == id {
				pm.Attempts = attempts
				pm.NextRetry = nextRetry
				return
			}
		}
	}
}

// Delete removes one delivered message.
func (q *PendingQueue) Delete(id uint64) {
	q.DeleteBatch([]uint64{id})
}

// DeleteBatch removes delivered messages.
func (q *PendingQueue) DeleteBatch(ids []uint64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for userID, list := range q.byUser {
		kept := list[:0]
		for _, pm := range list {
			if drop[pm.ID] {
				q.count--
				continue
			}
			kept = append(kept, pm)
		}
		if len(kept) == 0 {
			delete(q.byUser, userID)
		} else {
			q.byUser[userID] = kept
		}
	}
	metrics.PendingQueueDepth.Set(float64(q.count))
}

// CountFor returns the queue depth for one user.
func (q *PendingQueue) CountFor(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byUser[userID])
}
