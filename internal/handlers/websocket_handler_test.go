package handlers

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/studycircle/chat-backend/internal/history"
	"github.com/studycircle/chat-backend/internal/hub"
	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/models"
	"github.com/studycircle/chat-backend/internal/moderation"
	"github.com/studycircle/chat-backend/internal/testutil"
)

type memberWriter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *memberWriter) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.frames = append(w.frames, cp)
	return nil
}

func (w *memberWriter) WriteJSON(v interface{}) error { return nil }

func (w *memberWriter) Ping(deadline time.Time) error { return nil }

func (w *memberWriter) kinds(t *testing.T) []models.EventKind {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.EventKind, 0, len(w.frames))
	for _, frame := range w.frames {
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		out = append(out, env.Kind)
	}
	return out
}

type gateFixture struct {
	handler *WebSocketHandler
	engine  *moderation.Engine
	history *history.Store
	members *membership.StaticProvider
	alice   *memberWriter
	bob     *memberWriter
	rejects []string
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	helper := testutil.NewTestHelper(t)
	members := helper.SeedGroup("g1")
	engine := moderation.NewEngine()
	hist := history.NewStore()
	pending := hub.NewPendingQueue()
	h := hub.NewHub(members, pending)
	t.Cleanup(h.Stop)

	f := &gateFixture{
		handler: NewWebSocketHandler(h, members, engine, hist),
		engine:  engine,
		history: hist,
		members: members,
		alice:   &memberWriter{},
		bob:     &memberWriter{},
	}
	h.Register("alice", f.alice, false)
	h.Register("bob", f.bob, false)
	h.Register("mod1", &memberWriter{}, false)
	h.Register("owner1", &memberWriter{}, false)
	return f
}

func (f *gateFixture) reject(code, message, detail string) {
	f.rejects = append(f.rejects, code)
}

func (f *gateFixture) send(t *testing.T, userID string, kind models.EventKind, payload interface{}) {
	t.Helper()
	env, err := models.NewEnvelope(kind, payload, userID, "g1")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := f.handler.process(userID, env, f.reject); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func TestGateRoutesChatMessageToGroup(t *testing.T) {
	f := newGateFixture(t)

	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: "hello everyone"})

	if len(f.rejects) != 0 {
		t.Fatalf("unexpected rejects: %v", f.rejects)
	}
	if kinds := f.bob.kinds(t); len(kinds) != 1 || kinds[0] != models.KindChatMessage {
		t.Fatalf("bob frames = %v, want one chat_message", kinds)
	}
	// Sender gets the echo too.
	if kinds := f.alice.kinds(t); len(kinds) != 1 {
		t.Fatalf("alice frames = %v, want the echo", kinds)
	}

	msgs, err := f.history.History("g1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderName != "Alice" {
		t.Fatalf("history = %+v, want one message with resolved sender name", msgs)
	}
}

func TestGateMasksProfanityBeforeRouting(t *testing.T) {
	f := newGateFixture(t)

	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: "that quiz was damn hard"})

	f.bob.mu.Lock()
	frame := f.bob.frames[0]
	f.bob.mu.Unlock()
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var payload models.ChatMessagePayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Content != "that quiz was **** hard" {
		t.Fatalf("content = %q, want masked", payload.Content)
	}
}

func TestGateRejectsMutedSender(t *testing.T) {
	f := newGateFixture(t)
	f.engine.MuteUser("alice", "Alice", "mod1", "spam", "g1", 10*time.Minute)

	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: "hello"})

	if len(f.rejects) != 1 || f.rejects[0] != "muted" {
		t.Fatalf("rejects = %v, want [muted]", f.rejects)
	}
	if kinds := f.bob.kinds(t); len(kinds) != 0 {
		t.Fatalf("bob frames = %v, want none", kinds)
	}
}

func TestGateBlocksSpamContent(t *testing.T) {
	f := newGateFixture(t)

	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: strings.Repeat("A", 30)})

	if len(f.rejects) != 1 || f.rejects[0] != "blocked" {
		t.Fatalf("rejects = %v, want [blocked]", f.rejects)
	}
}

func TestGateEnforcesSendRateLimit(t *testing.T) {
	f := newGateFixture(t)

	for i := 0; i < moderation.RateLimit; i++ {
		f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: fmt.Sprintf("m%d", i), Content: "steady message"})
	}
	if len(f.rejects) != 0 {
		t.Fatalf("first %d sends rejected: %v", moderation.RateLimit, f.rejects)
	}

	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "m11", Content: "one too many"})
	if len(f.rejects) != 1 || f.rejects[0] != "rate_limited" {
		t.Fatalf("rejects = %v, want [rate_limited]", f.rejects)
	}
}

func TestGateRejectsMissingOrMalformedMessageID(t *testing.T) {
	f := newGateFixture(t)

	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{Content: "no id at all"})
	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "bad id!", Content: "spaces and bangs"})

	if len(f.rejects) != 2 || f.rejects[0] != "invalid_payload" || f.rejects[1] != "invalid_payload" {
		t.Fatalf("rejects = %v, want [invalid_payload invalid_payload]", f.rejects)
	}
	if kinds := f.bob.kinds(t); len(kinds) != 0 {
		t.Fatalf("bob frames = %v, want none", kinds)
	}
}

func TestGateRejectsReusedMessageID(t *testing.T) {
	f := newGateFixture(t)

	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: "the original"})
	f.send(t, "bob", models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: "the impostor"})

	if len(f.rejects) != 1 || f.rejects[0] != "duplicate_id" {
		t.Fatalf("rejects = %v, want [duplicate_id]", f.rejects)
	}

	// The first record must survive intact so a later deletion audits the
	// real content.
	f.send(t, "mod1", models.KindMessageDeleted, models.MessageDeletedPayload{MessageID: "m1", Reason: "cleanup"})
	recs := f.engine.DeletedMessages("g1")
	if len(recs) != 1 || recs[0].OriginalContent != "the original" {
		t.Fatalf("deletion records = %+v, want the original content", recs)
	}
}

func TestGateDeletionRequiresModerator(t *testing.T) {
	f := newGateFixture(t)
	f.send(t, "alice", models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: "to be removed"})

	f.send(t, "bob", models.KindMessageDeleted, models.MessageDeletedPayload{MessageID: "m1", Reason: "nope"})
	if len(f.rejects) != 1 || f.rejects[0] != "forbidden" {
		t.Fatalf("rejects = %v, want [forbidden]", f.rejects)
	}

	f.rejects = nil
	f.send(t, "mod1", models.KindMessageDeleted, models.MessageDeletedPayload{MessageID: "m1", Reason: "off-topic"})
	if len(f.rejects) != 0 {
		t.Fatalf("moderator deletion rejected: %v", f.rejects)
	}

	msgs, _ := f.history.History("g1", 10)
	if !msgs[0].Deleted || msgs[0].Content != "" {
		t.Fatalf("history entry not tombstoned: %+v", msgs[0])
	}
	if kinds := f.bob.kinds(t); kinds[len(kinds)-1] != models.KindMessageDeleted {
		t.Fatalf("bob frames = %v, want trailing message_deleted", kinds)
	}
}

func TestGateMuteChecksTarget(t *testing.T) {
	f := newGateFixture(t)

	f.send(t, "mod1", models.KindUserMuted, models.UserMutedPayload{UserID: "mod1", Reason: "oops"})
	if len(f.rejects) != 1 || f.rejects[0] != "self_target" {
		t.Fatalf("rejects = %v, want [self_target]", f.rejects)
	}

	f.rejects = nil
	f.send(t, "mod1", models.KindUserMuted, models.UserMutedPayload{UserID: "stranger", Reason: "?"})
	if len(f.rejects) != 1 || f.rejects[0] != "not_a_member" {
		t.Fatalf("rejects = %v, want [not_a_member]", f.rejects)
	}

	f.rejects = nil
	f.send(t, "mod1", models.KindUserMuted, models.UserMutedPayload{UserID: "alice", Reason: "cool down", Duration: 5})
	if len(f.rejects) != 0 {
		t.Fatalf("valid mute rejected: %v", f.rejects)
	}
	if status := f.engine.IsUserMuted("alice", "g1"); !status.Muted {
		t.Fatal("alice should be muted")
	}
}

func TestGateRejectsNonMemberGroup(t *testing.T) {
	f := newGateFixture(t)

	env, err := models.NewEnvelope(models.KindChatMessage, models.ChatMessagePayload{ID: "m1", Content: "hi"}, "alice", "other-group")
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := f.handler.process("alice", env, f.reject); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.rejects) != 1 || f.rejects[0] != "not_a_member" {
		t.Fatalf("rejects = %v, want [not_a_member]", f.rejects)
	}
}
