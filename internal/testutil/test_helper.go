package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/models"
)

// TestHelper provides utility functions for tests
type TestHelper struct {
	t *testing.T
}

func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// SeedGroup builds a membership provider with one group: an owner, a
// moderator and two plain members.
func (h *TestHelper) SeedGroup(groupID string) *membership.StaticProvider {
	p := membership.NewStaticProvider()
	p.AddMember(groupID, "owner1", "Olivia", models.RoleOwner)
	p.AddMember(groupID, "mod1", "Marcus", models.RoleModerator)
	p.AddMember(groupID, "alice", "Alice", models.RoleMember)
	p.AddMember(groupID, "bob", "Bob", models.RoleMember)
	return p
}

// CreateTestMessage creates a chat message with default values
func (h *TestHelper) CreateTestMessage(id, senderID, groupID, content string) models.ChatMessage {
	if id == "" {
		id = "m1"
	}
	if senderID == "" {
		senderID = "alice"
	}
	if groupID == "" {
		groupID = "g1"
	}
	if content == "" {
		content = "Test message"
	}

	return models.ChatMessage{
		ID:         id,
		GroupID:    groupID,
		SenderID:   senderID,
		SenderName: "Alice",
		Content:    content,
		Timestamp:  time.Now().UTC(),
	}
}

// SetupTestEnv sets up required environment variables for testing
func (h *TestHelper) SetupTestEnv() {
	os.Setenv("MAX_MESSAGE_LENGTH", "500")
	os.Setenv("WS_DEBUG", "false")
}

// TeardownTestEnv cleans up environment variables after testing
func (h *TestHelper) TeardownTestEnv() {
	os.Unsetenv("MAX_MESSAGE_LENGTH")
	os.Unsetenv("WS_DEBUG")
}

// AssertError checks if an error occurred when it should (or shouldn't)
func (h *TestHelper) AssertError(err error, shouldErr bool, testName string) {
	if (err != nil) != shouldErr {
		if shouldErr {
			h.t.Errorf("%s: expected error but got nil", testName)
		} else {
			h.t.Errorf("%s: unexpected error: %v", testName, err)
		}
	}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, testName string) {
	if got != want {
		h.t.Errorf("%s: got %v, want %v", testName, got, want)
	}
}

// AssertStatus checks an HTTP status code
func (h *TestHelper) AssertStatus(got, want int, testName string) {
	if got != want {
		h.t.Errorf("%s: status = %d, want %d", testName, got, want)
	}
}
