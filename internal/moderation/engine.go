package moderation

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/studycircle/chat-backend/internal/metrics"
	"github.com/studycircle/chat-backend/internal/models"
	"github.com/studycircle/chat-backend/internal/validation"
)

// Policy thresholds. The message length cap lives in
// validation.MaxMessageLength (500 runes unless overridden).
const (
	// Rate limiting: more than RateLimit sends inside RateWindow flags spam.
	RateLimit  = 10
	RateWindow = time.Minute

	// Spam heuristics.
	repeatRatio     = 0.7
	repeatMinLength = 10
	upperRatio      = 0.8
	upperMinLength  = 8
)

// Clock supplies the current time. Injectable for tests.
type Clock func() time.Time

// FilterResult is the outcome of a content scan. Filtered is always safe to
// display; when Blocked is true the caller must not publish the message.
type FilterResult struct {
	Filtered string
	Warnings []string
	Blocked  bool
}

// SpamCheck is the outcome of a rate-limit check.
type SpamCheck struct {
	IsSpam  bool
	Warning string
}

// MuteStatus reports whether a user is currently muted.
type MuteStatus struct {
	Muted  bool
	Record *models.MuteRecord
}

// Engine is the sole authority for message admission and mute/deletion
// bookkeeping. It owns only in-memory maps plus a clock; it has no channel
// dependency. All methods are safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	now       Clock
	mutes     map[string]models.MuteRecord       // (userID,groupID) -> active mute
	windows   map[string][]time.Time             // (userID,groupID) -> recent sends
	deletions map[string][]models.DeletionRecord // groupID -> audit trail
	known     map[string]models.ChatMessage      // messageID -> moderation log entry
}

// NewEngine creates an engine using the wall clock.
func NewEngine() *Engine {
	return NewEngineWithClock(time.Now)
}

// NewEngineWithClock creates an engine with an injected clock.
func NewEngineWithClock(now Clock) *Engine {
	return &Engine{
		now:       now,
		mutes:     make(map[string]models.MuteRecord),
		windows:   make(map[string][]time.Time),
		deletions: make(map[string][]models.DeletionRecord),
		known:     make(map[string]models.ChatMessage),
	}
}

func key(userID, groupID string) string {
	return userID + "|" + groupID
}

// FilterMessage applies, in order: length cap, profanity masking, spam
// heuristics. Filtered is always populated with a displayable string.
func (e *Engine) FilterMessage(text, groupID string) FilterResult {
	res := FilterResult{Filtered: text}

	if utf8.RuneCountInString(text) > validation.MaxMessageLength() {
		res.Blocked = true
		res.Warnings = append(res.Warnings, "message too long")
	}

	masked, replaced := maskProfanity(res.Filtered)
	res.Filtered = masked
	if replaced {
		res.Warnings = append(res.Warnings, "inappropriate language filtered")
	}

	if looksLikeSpam(text) {
		res.Blocked = true
		res.Warnings = append(res.Warnings, "spam-like content detected")
	}

	if res.Blocked {
		metrics.MessagesBlocked.Inc()
	} else if replaced {
		metrics.MessagesFiltered.Inc()
	}
	return res
}

// CheckSpamRate records the current attempt in the user's rate window,
// prunes entries older than the window, and flags spam past the limit.
// Every call counts as an attempt; call it exactly once per send.
func (e *Engine) CheckSpamRate(userID, groupID string) SpamCheck {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	k := key(userID, groupID)
	cutoff := now.Add(-RateWindow)

	window := e.windows[k]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.windows[k] = kept

	if len(kept) > RateLimit {
		metrics.RateLimited.Inc()
		return SpamCheck{IsSpam: true, Warning: "sending messages too quickly, slow down"}
	}
	return SpamCheck{}
}

// IsUserMuted reports the active mute state. Expiry is evaluated, not
// mutated: a lapsed record stays in place but reads as not-muted.
func (e *Engine) IsUserMuted(userID, groupID string) MuteStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	record, ok := e.mutes[key(userID, groupID)]
	if !ok || record.Expired(e.now()) {
		return MuteStatus{}
	}
	r := record
	return MuteStatus{Muted: true, Record: &r}
}

// MuteUser creates or overwrites the active mute for (user, group).
// A zero duration means permanent.
func (e *Engine) MuteUser(userID, userName, mutedBy, reason, groupID string, duration time.Duration) models.MuteRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	record := models.MuteRecord{
		UserID:   userID,
		UserName: userName,
		MutedBy:  mutedBy,
		Reason:   reason,
		GroupID:  groupID,
		MutedAt:  e.now(),
	}
	if duration > 0 {
		until := record.MutedAt.Add(duration)
		record.MutedUntil = &until
	}
	e.mutes[key(userID, groupID)] = record
	metrics.UsersMuted.Inc()
	return record
}

// UnmuteUser removes the active mute; idempotent.
func (e *Engine) UnmuteUser(userID, groupID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.mutes, key(userID, groupID))
}

// RecordMessage adds a delivered message to the moderation log so a later
// deletion can find it.
func (e *Engine) RecordMessage(msg models.ChatMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.known[msg.ID] = msg
}

// KnownMessage reports whether an id is already in the moderation log.
// Gatekeepers use it to refuse id reuse before recording.
func (e *Engine) KnownMessage(messageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.known[messageID]
	return ok
}

// DeleteMessage appends a DeletionRecord for a known message and returns it.
// Returns ok=false if the message is unknown to the moderation log. The
// record carries the original content so the caller can apply the tombstone
// patch from the same source that fed the audit trail.
func (e *Engine) DeleteMessage(messageID, deletedBy, reason, groupID string) (models.DeletionRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg, ok := e.known[messageID]
	if !ok {
		return models.DeletionRecord{}, false
	}

	record := models.DeletionRecord{
		MessageID:       messageID,
		DeletedBy:       deletedBy,
		Reason:          reason,
		DeletedAt:       e.now(),
		GroupID:         groupID,
		OriginalContent: msg.Content,
	}
	e.deletions[groupID] = append(e.deletions[groupID], record)
	metrics.MessagesDeleted.Inc()
	return record, true
}

// MutedUsers returns the currently active mutes for a group.
func (e *Engine) MutedUsers(groupID string) []models.MuteRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var out []models.MuteRecord
	for _, record := range e.mutes {
		if record.GroupID == groupID && !record.Expired(now) {
			out = append(out, record)
		}
	}
	return out
}

// DeletedMessages returns the deletion audit trail for a group, oldest first.
func (e *Engine) DeletedMessages(groupID string) []models.DeletionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	trail := e.deletions[groupID]
	out := make([]models.DeletionRecord, len(trail))
	copy(out, trail)
	return out
}

// looksLikeSpam flags content that is mostly one repeated character or
// mostly uppercase.
func looksLikeSpam(text string) bool {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) >= repeatMinLength {
		counts := make(map[rune]int)
		max := 0
		for _, r := range runes {
			counts[r]++
			if counts[r] > max {
				max = counts[r]
			}
		}
		if float64(max) > repeatRatio*float64(len(runes)) {
			return true
		}
	}

	if len(runes) >= upperMinLength {
		letters, upper := 0, 0
		for _, r := range runes {
			if unicode.IsLetter(r) {
				letters++
				if unicode.IsUpper(r) {
					upper++
				}
			}
		}
		if letters > 0 && float64(upper) > upperRatio*float64(letters) {
			return true
		}
	}
	return false
}
