// Package notify turns a subset of channel events into user-facing alerts
// with read/unread state.
package notify

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/studycircle/chat-backend/internal/channel"
	"github.com/studycircle/chat-backend/internal/models"
)

// MaxNotifications bounds the list to the most recent entries.
const MaxNotifications = 50

// Center maintains the bounded notification list for one viewer. The
// unread count is derived on read, never tracked separately.
type Center struct {
	mu     sync.Mutex
	items  []models.Notification
	unsubs []func()
}

// NewCenter subscribes to notification-bearing kinds on ch. Call Close to
// release the subscriptions.
func NewCenter(ch *channel.Channel) (*Center, error) {
	c := &Center{}

	for kind, handler := range map[models.EventKind]channel.Handler{
		models.KindNotification: c.onNotification,
		models.KindUserJoined:   c.onPresence("joined the group"),
		models.KindUserLeft:     c.onPresence("left the group"),
	} {
		unsub, err := ch.Subscribe(kind, handler)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.unsubs = append(c.unsubs, unsub)
	}
	return c, nil
}

// Close releases the channel subscriptions.
func (c *Center) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Notifications returns the list, most recent last.
func (c *Center) Notifications() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Notification, len(c.items))
	copy(out, c.items)
	return out
}

// UnreadCount is recomputed on every call from the read flags.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkAsRead flips one entry; returns false for an unknown id.
func (c *Center) MarkAsRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllAsRead flips every entry.
func (c *Center) MarkAllAsRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		c.items[i].Read = true
	}
}

// Clear empties the list.
func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

func (c *Center) add(n models.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, n)
	if len(c.items) > MaxNotifications {
		c.items = c.items[len(c.items)-MaxNotifications:]
	}
}

func (c *Center) onNotification(env models.Envelope) {
	var n models.Notification
	if err := env.DecodePayload(&n); err != nil {
		log.Printf("notify: bad notification payload: %v", err)
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if !n.Severity.Valid() {
		n.Severity = models.SeverityInfo
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = env.Timestamp
	}
	if n.GroupID == "" {
		n.GroupID = env.GroupID
	}
	c.add(n)
}

// onPresence synthesizes an info notification from join/leave events.
func (c *Center) onPresence(verb string) channel.Handler {
	return func(env models.Envelope) {
		var p models.PresencePayload
		if err := env.DecodePayload(&p); err != nil {
			return
		}
		name := p.UserName
		if name == "" {
			name = p.UserID
		}
		c.add(models.Notification{
			ID:        uuid.NewString(),
			Severity:  models.SeverityInfo,
			Title:     "Presence",
			Message:   name + " " + verb,
			GroupID:   env.GroupID,
			Timestamp: env.Timestamp,
		})
	}
}
