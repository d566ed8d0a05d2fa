package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/studycircle/chat-backend/internal/history"
	"github.com/studycircle/chat-backend/internal/httpx"
	"github.com/studycircle/chat-backend/internal/moderation"
)

// ModerationHandler exposes the engine's read-only audit queries.
type ModerationHandler struct {
	engine  *moderation.Engine
	history *history.Store
}

func NewModerationHandler(engine *moderation.Engine, hist *history.Store) *ModerationHandler {
	return &ModerationHandler{engine: engine, history: hist}
}

// GetMutes returns the active mutes for a group.
// GET /api/groups/:id/moderation/mutes
func (h *ModerationHandler) GetMutes(c *fiber.Ctx) error {
	groupID, err := httpx.LocalString(c, "groupID")
	if err != nil {
		return httpx.BadRequest(c, "invalid_group", "Invalid group id")
	}

	mutes := h.engine.MutedUsers(groupID)
	return c.JSON(fiber.Map{
		"group_id": groupID,
		"mutes":    mutes,
		"count":    len(mutes),
	})
}

// GetDeletions returns the deletion audit trail for a group.
// GET /api/groups/:id/moderation/deletions
func (h *ModerationHandler) GetDeletions(c *fiber.Ctx) error {
	groupID, err := httpx.LocalString(c, "groupID")
	if err != nil {
		return httpx.BadRequest(c, "invalid_group", "Invalid group id")
	}

	deletions := h.engine.DeletedMessages(groupID)
	return c.JSON(fiber.Map{
		"group_id":  groupID,
		"deletions": deletions,
		"count":     len(deletions),
	})
}

// GetMessages returns recent group history. Deleted messages come back as
// tombstones; the hidden content is only on the deletions endpoint.
// GET /api/groups/:id/messages?limit=50
func (h *ModerationHandler) GetMessages(c *fiber.Ctx) error {
	groupID, err := httpx.LocalString(c, "groupID")
	if err != nil {
		return httpx.BadRequest(c, "invalid_group", "Invalid group id")
	}

	limit := c.QueryInt("limit", 50)
	msgs, err := h.history.History(groupID, limit)
	if err != nil {
		return httpx.Internal(c, "history_failed")
	}
	return c.JSON(fiber.Map{
		"group_id": groupID,
		"messages": msgs,
		"count":    len(msgs),
	})
}
