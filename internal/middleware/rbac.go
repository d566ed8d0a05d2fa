package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/studycircle/chat-backend/internal/httpx"
	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/models"
	"github.com/studycircle/chat-backend/internal/validation"
)

// Identify resolves the caller from the X-User-ID header and stashes it in
// the request locals. There is no credential check here; identity arrives
// from the deployment's auth proxy.
func Identify() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-ID")
		if !validation.ValidateIdentifier(userID) {
			return httpx.Unauthorized(c, "missing_identity", "X-User-ID header required")
		}
		c.Locals("userID", userID)
		return c.Next()
	}
}

// RequireGroupMember checks that the identified caller belongs to the group
// named by the :id route param, and stashes the group id and role.
func RequireGroupMember(members membership.Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := httpx.LocalString(c, "userID")
		if err != nil {
			return httpx.Unauthorized(c, "missing_identity", "X-User-ID header required")
		}
		groupID := c.Params("id")
		if !validation.ValidateIdentifier(groupID) {
			return httpx.BadRequest(c, "invalid_group", "Invalid group id")
		}
		role := members.Role(userID, groupID)
		if role == "" {
			return httpx.Forbidden(c, "not_a_member", "Not a member of this group")
		}
		c.Locals("groupID", groupID)
		c.Locals("role", string(role))
		return c.Next()
	}
}

// RequireModerator rejects callers whose group role cannot moderate.
// Must run after RequireGroupMember.
func RequireModerator() fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := httpx.LocalString(c, "role")
		if !models.Role(role).CanModerate() {
			return httpx.Forbidden(c, "forbidden", "Insufficient permissions")
		}
		return c.Next()
	}
}
