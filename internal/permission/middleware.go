package permission

import (
	"github.com/gofiber/fiber/v3"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/permissions"
)

// RequirePermission returns Fiber middleware that checks whether the authenticated user has the given permission in
// the guild resolved by member.RequireMember, which must run first.
func RequirePermission(resolver *Resolver, perm permissions.Permission) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := auth.UserID(c)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Authentication required")
		}
		guildID, ok := member.GuildID(c)
		if !ok {
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError,
				"An internal error occurred")
		}

		allowed, err := resolver.Has(c, userID, guildID, perm)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError,
				"Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions,
				"You do not have the required permissions")
		}
		return c.Next()
	}
}
