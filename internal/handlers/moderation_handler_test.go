package handlers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/studycircle/chat-backend/internal/history"
	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/middleware"
	"github.com/studycircle/chat-backend/internal/moderation"
	"github.com/studycircle/chat-backend/internal/testutil"
)

type auditFixture struct {
	app     *fiber.App
	engine  *moderation.Engine
	history *history.Store
	members *membership.StaticProvider
}

func newAuditFixture(t *testing.T) *auditFixture {
	t.Helper()
	helper := testutil.NewTestHelper(t)
	members := helper.SeedGroup("g1")
	engine := moderation.NewEngine()
	hist := history.NewStore()
	handler := NewModerationHandler(engine, hist)

	app := fiber.New()
	api := app.Group("/api", middleware.Identify())
	group := api.Group("/groups/:id", middleware.RequireGroupMember(members))
	group.Get("/messages", handler.GetMessages)
	mod := group.Group("/moderation", middleware.RequireModerator())
	mod.Get("/mutes", handler.GetMutes)
	mod.Get("/deletions", handler.GetDeletions)

	return &auditFixture{app: app, engine: engine, history: hist, members: members}
}

func (f *auditFixture) get(t *testing.T, path, userID string) (int, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := f.app.Test(req, 2000)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var payload map[string]json.RawMessage
	_ = json.Unmarshal(body, &payload)
	return resp.StatusCode, payload
}

func TestGetMutesRequiresModerator(t *testing.T) {
	f := newAuditFixture(t)

	status, _ := f.get(t, "/api/groups/g1/moderation/mutes", "alice")
	if status != fiber.StatusForbidden {
		t.Fatalf("member got status %d, want 403", status)
	}

	status, _ = f.get(t, "/api/groups/g1/moderation/mutes", "mod1")
	if status != fiber.StatusOK {
		t.Fatalf("moderator got status %d, want 200", status)
	}
}

func TestGetMutesRejectsAnonymousAndOutsiders(t *testing.T) {
	f := newAuditFixture(t)

	status, _ := f.get(t, "/api/groups/g1/moderation/mutes", "")
	if status != fiber.StatusUnauthorized {
		t.Fatalf("anonymous got status %d, want 401", status)
	}

	status, _ = f.get(t, "/api/groups/g1/moderation/mutes", "stranger")
	if status != fiber.StatusForbidden {
		t.Fatalf("outsider got status %d, want 403", status)
	}
}

func TestGetMutesListsActiveMutes(t *testing.T) {
	f := newAuditFixture(t)
	f.engine.MuteUser("bob", "Bob", "mod1", "spamming", "g1", 10*time.Minute)

	status, payload := f.get(t, "/api/groups/g1/moderation/mutes", "owner1")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var count int
	if err := json.Unmarshal(payload["count"], &count); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestGetDeletionsExposesOriginalContent(t *testing.T) {
	f := newAuditFixture(t)
	helper := testutil.NewTestHelper(t)

	msg := helper.CreateTestMessage("m9", "alice", "g1", "the hidden original")
	f.engine.RecordMessage(msg)
	f.history.Append(msg)
	if _, ok := f.engine.DeleteMessage("m9", "mod1", "off-topic", "g1"); !ok {
		t.Fatal("DeleteMessage failed")
	}

	status, payload := f.get(t, "/api/groups/g1/moderation/deletions", "mod1")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(payload["deletions"]) == "" || !json.Valid(payload["deletions"]) {
		t.Fatal("deletions payload missing")
	}
	var deletions []map[string]interface{}
	if err := json.Unmarshal(payload["deletions"], &deletions); err != nil {
		t.Fatalf("decode deletions: %v", err)
	}
	if len(deletions) != 1 {
		t.Fatalf("got %d deletions, want 1", len(deletions))
	}
	if deletions[0]["original_content"] != "the hidden original" {
		t.Fatalf("original_content = %v, want preserved text", deletions[0]["original_content"])
	}
}

func TestGetMessagesReturnsTombstonesWithoutContent(t *testing.T) {
	f := newAuditFixture(t)
	helper := testutil.NewTestHelper(t)

	msg := helper.CreateTestMessage("m2", "alice", "g1", "soon gone")
	f.engine.RecordMessage(msg)
	f.history.Append(msg)
	record, ok := f.engine.DeleteMessage("m2", "mod1", "rule 3", "g1")
	if !ok {
		t.Fatal("DeleteMessage failed")
	}
	f.history.Tombstone("g1", record.MessageID, record.DeletedBy, record.Reason, record.DeletedAt)

	status, payload := f.get(t, "/api/groups/g1/messages", "alice")
	if status != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	var msgs []map[string]interface{}
	if err := json.Unmarshal(payload["messages"], &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0]["deleted"] != true {
		t.Fatal("message should be a tombstone")
	}
	if content, _ := msgs[0]["content"].(string); content != "" {
		t.Fatalf("tombstone content = %q, want empty", content)
	}
}
