package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the payload type carried by an Envelope.
type EventKind string

const (
	KindChatMessage    EventKind = "chat_message"
	KindNotification   EventKind = "notification"
	KindUserJoined     EventKind = "user_joined"
	KindUserLeft       EventKind = "user_left"
	KindSessionUpdate  EventKind = "session_update"
	KindTyping         EventKind = "typing"
	KindHeartbeat      EventKind = "heartbeat"
	KindMessageDeleted EventKind = "message_deleted"
	KindUserMuted      EventKind = "user_muted"

	// KindAny subscribes to every kind.
	KindAny EventKind = "*"
)

var validKinds = map[EventKind]bool{
	KindChatMessage:    true,
	KindNotification:   true,
	KindUserJoined:     true,
	KindUserLeft:       true,
	KindSessionUpdate:  true,
	KindTyping:         true,
	KindHeartbeat:      true,
	KindMessageDeleted: true,
	KindUserMuted:      true,
}

func (k EventKind) Valid() bool {
	return validKinds[k]
}

// Ephemeral kinds are never queued for offline delivery.
func (k EventKind) Ephemeral() bool {
	return k == KindTyping || k == KindHeartbeat
}

// Envelope is the wire format wrapper for every event on the channel.
// It is immutable once constructed.
type Envelope struct {
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"sender_id,omitempty"`
	GroupID   string          `json:"group_id,omitempty"`
}

// NewEnvelope builds an envelope with the payload serialized in place.
func NewEnvelope(kind EventKind, payload interface{}, senderID, groupID string) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("invalid event kind: %s", kind)
	}
	env := Envelope{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		SenderID:  senderID,
		GroupID:   groupID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the payload into the given kind-specific struct.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Kind)
	}
	return json.Unmarshal(e.Payload, v)
}

// ChatMessagePayload carries a chat_message event.
type ChatMessagePayload struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	SenderName     string `json:"sender_name"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	AttachmentType string `json:"attachment_type,omitempty"`
}

// MessageDeletedPayload carries a message_deleted event.
type MessageDeletedPayload struct {
	MessageID string `json:"message_id"`
	DeletedBy string `json:"deleted_by"`
	Reason    string `json:"reason"`
}

// UserMutedPayload carries a user_muted event. Duration is in minutes;
// zero means permanent.
type UserMutedPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	MutedBy  string `json:"muted_by"`
	Reason   string `json:"reason"`
	Duration int    `json:"duration,omitempty"`
}

// TypingPayload carries a typing event.
type TypingPayload struct {
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// PresencePayload carries user_joined and user_left events.
type PresencePayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}
