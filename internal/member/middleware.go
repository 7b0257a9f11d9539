package member

import (
	"github.com/gofiber/fiber/v3"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// GuildIDKey is the Locals key under which RequireMember stores the parsed guild ID.
const GuildIDKey = "guildID"

// RequireMember returns Fiber middleware that blocks users who are not members of the guild named by the :guildID
// path parameter. Non-members receive the same 404 as a guild that does not exist, so membership cannot be probed.
// Must be placed after RequireAuth so that the authenticated user ID is populated.
func RequireMember(members Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := auth.UserID(c)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Authentication required")
		}
		guildID, err := snowflake.Parse(c.Params("guildID"))
		if err != nil {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
		}
		isMember, err := members.IsMember(c, guildID, userID)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError,
				"An internal error occurred")
		}
		if !isMember {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
		}
		c.Locals(GuildIDKey, guildID)
		return c.Next()
	}
}

// GuildID returns the guild ID stored by RequireMember.
func GuildID(c fiber.Ctx) (snowflake.ID, bool) {
	id, ok := c.Locals(GuildIDKey).(snowflake.ID)
	return id, ok
}
