package models

import "time"

// MuteRecord restricts a user from publishing chat messages in a group.
// At most one active record exists per (user, group); a later mute
// supersedes an earlier one.
type MuteRecord struct {
	UserID     string     `json:"user_id"`
	UserName   string     `json:"user_name"`
	MutedBy    string     `json:"muted_by"`
	Reason     string     `json:"reason"`
	GroupID    string     `json:"group_id"`
	MutedAt    time.Time  `json:"muted_at"`
	MutedUntil *time.Time `json:"muted_until,omitempty"` // nil = permanent
}

// Permanent reports whether the mute has no expiry.
func (r MuteRecord) Permanent() bool {
	return r.MutedUntil == nil
}

// Expired reports whether the mute has lapsed. Expiry is evaluated lazily;
// a stale record stays in place and is simply reported as not-muted.
func (r MuteRecord) Expired(now time.Time) bool {
	return r.MutedUntil != nil && now.After(*r.MutedUntil)
}

// DeletionRecord is one entry in the append-only deletion audit trail.
// OriginalContent preserves what was removed; it is only reachable through
// the audit query, never through the conversation view.
type DeletionRecord struct {
	MessageID       string    `json:"message_id"`
	DeletedBy       string    `json:"deleted_by"`
	Reason          string    `json:"reason"`
	DeletedAt       time.Time `json:"deleted_at"`
	GroupID         string    `json:"group_id"`
	OriginalContent string    `json:"original_content,omitempty"`
}
