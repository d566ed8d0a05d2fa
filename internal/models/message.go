package models

import "time"

// ChatMessage is a persisted conversation entry. The ID is caller-generated
// and used for deduplication and deletion lookup.
type ChatMessage struct {
	ID             string    `json:"id"`
	GroupID        string    `json:"group_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	AttachmentType string    `json:"attachment_type,omitempty"`

	// Tombstone state. A deleted message is never physically removed;
	// its content is hidden and replaced by deletion metadata.
	Deleted      bool       `json:"deleted"`
	DeletedBy    string     `json:"deleted_by,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

// Tombstone hides the message content and records deletion metadata in place.
func (m *ChatMessage) Tombstone(deletedBy, reason string, at time.Time) {
	m.Content = ""
	m.AttachmentURL = ""
	m.AttachmentType = ""
	m.Deleted = true
	m.DeletedBy = deletedBy
	m.DeleteReason = reason
	t := at
	m.DeletedAt = &t
}
