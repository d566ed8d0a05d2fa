package moderation

import (
	"strings"
	"testing"
	"time"

	"github.com/studycircle/chat-backend/internal/models"
	"github.com/studycircle/chat-backend/internal/validation"
)

func chatMessage(id, groupID, senderID, content string) models.ChatMessage {
	return models.ChatMessage{
		ID:       id,
		GroupID:  groupID,
		SenderID: senderID,
		Content:  content,
	}
}

// fakeClock is a manually advanced clock for expiry and rate-window tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestFilterMessage(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name         string
		text         string
		wantBlocked  bool
		wantFiltered string
		wantWarnings int
	}{
		{
			name:         "Normal prose passes untouched",
			text:         "hello, how is everyone doing today?",
			wantBlocked:  false,
			wantFiltered: "hello, how is everyone doing today?",
			wantWarnings: 0,
		},
		{
			name:         "Profane token masked, not blocked",
			text:         "that quiz was damn hard",
			wantBlocked:  false,
			wantFiltered: "that quiz was **** hard",
			wantWarnings: 1,
		},
		{
			name:         "Profanity is case-insensitive and length-preserving",
			text:         "you IDIOT",
			wantBlocked:  false,
			wantFiltered: "you *****",
			wantWarnings: 1,
		},
		{
			name:         "Repeated character flood blocked",
			text:         "AAAAAAAAAAAAAAAAAAAA",
			wantBlocked:  true,
			wantWarnings: 1,
		},
		{
			name:         "Mostly uppercase shouting blocked",
			text:         "STOP DOING THAT RIGHT NOW",
			wantBlocked:  true,
			wantWarnings: 1,
		},
		{
			name:         "Over length cap blocked",
			text:         strings.Repeat("a sentence. ", 50),
			wantBlocked:  true,
			wantWarnings: 1,
		},
		{
			name:         "Short repeated run below minimum length passes",
			text:         "aaaa",
			wantBlocked:  false,
			wantFiltered: "aaaa",
			wantWarnings: 0,
		},
		{
			name:         "Short uppercase below minimum length passes",
			text:         "OK SURE",
			wantBlocked:  false,
			wantFiltered: "OK SURE",
			wantWarnings: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := engine.FilterMessage(tt.text, "g1")
			if res.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v (warnings: %v)", res.Blocked, tt.wantBlocked, res.Warnings)
			}
			if tt.wantFiltered != "" && res.Filtered != tt.wantFiltered {
				t.Errorf("Filtered = %q, want %q", res.Filtered, tt.wantFiltered)
			}
			if len(res.Warnings) != tt.wantWarnings {
				t.Errorf("got %d warnings (%v), want %d", len(res.Warnings), res.Warnings, tt.wantWarnings)
			}
		})
	}
}

func TestFilterMessageTooLongStillMasksProfanity(t *testing.T) {
	engine := NewEngine()
	text := "damn " + strings.Repeat("x", validation.MaxMessageLength())
	res := engine.FilterMessage(text, "g1")
	if !res.Blocked {
		t.Fatalf("expected blocked for over-length message")
	}
	if strings.Contains(res.Filtered, "damn") {
		t.Errorf("Filtered output must be safe to display even when blocked")
	}
}

func TestFilterMessageLengthCapCountsRunes(t *testing.T) {
	engine := NewEngine()

	// 300 runes of multibyte text is 900 bytes but well under the cap.
	res := engine.FilterMessage(strings.Repeat("这是一条消息", 50), "g1")
	if res.Blocked {
		t.Fatalf("300-rune message blocked: %v", res.Warnings)
	}

	// 600 runes is over the cap regardless of byte count.
	res = engine.FilterMessage(strings.Repeat("这是一条消息", 100), "g1")
	if !res.Blocked {
		t.Fatal("over-cap multibyte message not blocked")
	}
	if res.Warnings[0] != "message too long" {
		t.Fatalf("warnings = %v, want message too long", res.Warnings)
	}
}

func TestFilterMessageLengthCapHonorsOverride(t *testing.T) {
	t.Setenv("MAX_MESSAGE_LENGTH", "10")
	engine := NewEngine()

	res := engine.FilterMessage("this is well past ten", "g1")
	if !res.Blocked {
		t.Fatal("message over the overridden cap not blocked")
	}
	if res.Warnings[0] != "message too long" {
		t.Fatalf("warnings = %v, want message too long", res.Warnings)
	}

	if res := engine.FilterMessage("short one", "g1"); res.Blocked {
		t.Fatalf("message under the overridden cap blocked: %v", res.Warnings)
	}
}

func TestCheckSpamRate(t *testing.T) {
	clock := newFakeClock()
	engine := NewEngineWithClock(clock.Now)

	// First ten attempts inside the window are fine.
	for i := 0; i < RateLimit; i++ {
		check := engine.CheckSpamRate("u1", "g1")
		if check.IsSpam {
			t.Fatalf("attempt %d flagged as spam, want allowed", i+1)
		}
		clock.Advance(time.Second)
	}

	// The eleventh attempt within the same window is flagged.
	check := engine.CheckSpamRate("u1", "g1")
	if !check.IsSpam {
		t.Fatalf("11th attempt inside window not flagged as spam")
	}
	if check.Warning == "" {
		t.Errorf("spam check should carry a warning")
	}

	// A different user in the same group is unaffected.
	if engine.CheckSpamRate("u2", "g1").IsSpam {
		t.Errorf("rate window leaked across users")
	}

	// Same user in another group has an independent window.
	if engine.CheckSpamRate("u1", "g2").IsSpam {
		t.Errorf("rate window leaked across groups")
	}

	// After the window passes, the user is no longer flagged.
	clock.Advance(RateWindow + time.Second)
	if engine.CheckSpamRate("u1", "g1").IsSpam {
		t.Errorf("user still flagged after the window elapsed")
	}
}

func TestMuteLifecycle(t *testing.T) {
	clock := newFakeClock()
	engine := NewEngineWithClock(clock.Now)

	// Unknown user is not muted.
	if engine.IsUserMuted("u1", "g1").Muted {
		t.Fatalf("user muted before any record exists")
	}

	// Timed mute takes effect.
	record := engine.MuteUser("u1", "alice", "mod1", "flooding", "g1", 10*time.Minute)
	if record.Permanent() {
		t.Errorf("timed mute reported as permanent")
	}
	status := engine.IsUserMuted("u1", "g1")
	if !status.Muted || status.Record.Reason != "flooding" {
		t.Fatalf("mute not reflected: %+v", status)
	}

	// Supersession: a later mute replaces the earlier record entirely.
	engine.MuteUser("u1", "alice", "mod2", "harassment", "g1", 0)
	status = engine.IsUserMuted("u1", "g1")
	if !status.Muted {
		t.Fatalf("superseding mute not active")
	}
	if status.Record.Reason != "harassment" || status.Record.MutedBy != "mod2" {
		t.Errorf("old record leaked through supersession: %+v", status.Record)
	}
	if !status.Record.Permanent() {
		t.Errorf("superseding permanent mute still carries expiry")
	}

	// Unmute, then unmute again: idempotent, no panic, no error path.
	engine.UnmuteUser("u1", "g1")
	if engine.IsUserMuted("u1", "g1").Muted {
		t.Fatalf("user still muted after unmute")
	}
	engine.UnmuteUser("u1", "g1")
}

func TestMuteExpiryIsLazy(t *testing.T) {
	clock := newFakeClock()
	engine := NewEngineWithClock(clock.Now)

	engine.MuteUser("u1", "alice", "mod1", "spam", "g1", 5*time.Minute)
	clock.Advance(6 * time.Minute)

	if engine.IsUserMuted("u1", "g1").Muted {
		t.Fatalf("mute did not expire")
	}

	// The stale record was not deleted by the check: re-muting for a past
	// window and checking twice keeps behaving the same.
	if engine.IsUserMuted("u1", "g1").Muted {
		t.Fatalf("second check after expiry disagrees with first")
	}

	// The expired record also drops out of the audit view.
	if got := engine.MutedUsers("g1"); len(got) != 0 {
		t.Errorf("MutedUsers returned expired records: %+v", got)
	}
}

func TestDeleteMessage(t *testing.T) {
	clock := newFakeClock()
	engine := NewEngineWithClock(clock.Now)

	// Unknown message: no record, ok=false.
	if _, ok := engine.DeleteMessage("ghost", "mod1", "n/a", "g1"); ok {
		t.Fatalf("deleting unknown message succeeded")
	}
	if got := engine.DeletedMessages("g1"); len(got) != 0 {
		t.Fatalf("audit trail grew for unknown message")
	}

	engine.RecordMessage(chatMessage("m1", "g1", "u1", "hello there"))
	record, ok := engine.DeleteMessage("m1", "mod1", "off-topic", "g1")
	if !ok {
		t.Fatalf("deleting known message failed")
	}
	if record.OriginalContent != "hello there" {
		t.Errorf("original content not preserved in audit record: %+v", record)
	}
	if record.DeletedBy != "mod1" || record.Reason != "off-topic" {
		t.Errorf("deletion metadata wrong: %+v", record)
	}

	trail := engine.DeletedMessages("g1")
	if len(trail) != 1 || trail[0].MessageID != "m1" {
		t.Fatalf("audit trail wrong: %+v", trail)
	}

	// Append-only: a second deletion of the same id adds another entry.
	if _, ok := engine.DeleteMessage("m1", "mod2", "repeat", "g1"); !ok {
		t.Fatalf("re-deletion of known message failed")
	}
	if got := engine.DeletedMessages("g1"); len(got) != 2 {
		t.Errorf("audit trail not append-only, len=%d", len(got))
	}
}

func TestMutedUsersScopedToGroup(t *testing.T) {
	engine := NewEngine()
	engine.MuteUser("u1", "alice", "mod1", "spam", "g1", 0)
	engine.MuteUser("u2", "bob", "mod1", "spam", "g2", 0)

	got := engine.MutedUsers("g1")
	if len(got) != 1 || got[0].UserID != "u1" {
		t.Errorf("MutedUsers(g1) = %+v", got)
	}
}
