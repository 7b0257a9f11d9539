package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/guild"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// MemberHandler serves membership and role-assignment endpoints under /guilds/:guildID/members.
type MemberHandler struct {
	guilds   guild.Repository
	members  member.Repository
	roles    role.Repository
	resolver *permission.Resolver
	cache    permission.Cache
	bus      *eventbus.Publisher
	log      zerolog.Logger
}

// NewMemberHandler creates a new member handler.
func NewMemberHandler(
	guilds guild.Repository,
	members member.Repository,
	roles role.Repository,
	resolver *permission.Resolver,
	cache permission.Cache,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *MemberHandler {
	return &MemberHandler{
		guilds:   guilds,
		members:  members,
		roles:    roles,
		resolver: resolver,
		cache:    cache,
		bus:      bus,
		log:      logger,
	}
}

// List handles GET /api/v1/guilds/:guildID/members. Pages by user ID with an after cursor.
func (h *MemberHandler) List(c fiber.Ctx) error {
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	var after *snowflake.ID
	if raw := c.Query("after"); raw != "" {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid after cursor")
		}
		after = &id
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	members, err := h.members.List(c, guildID, after, member.ClampLimit(limit))
	if err != nil {
		return h.mapMemberError(c, err)
	}

	out := make([]models.Member, len(members))
	for i := range members {
		out[i] = members[i].ToModel()
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/v1/guilds/:guildID/members/:userID.
func (h *MemberHandler) Get(c fiber.Ctx) error {
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMember, "Unknown member")
	}

	m, err := h.members.Get(c, guildID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	return httputil.Success(c, m.ToModel())
}

// Kick handles DELETE /api/v1/guilds/:guildID/members/:userID. Requires KICK_MEMBERS and a higher role than the
// target; the owner cannot be removed.
func (h *MemberHandler) Kick(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMember, "Unknown member")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if targetID == g.OwnerID {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "The owner cannot be removed")
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.KickMembers); err != nil {
		return h.mapMemberError(c, err)
	}
	allowed, err := h.resolver.CanManageMember(c, guildID, userID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions,
			"Your highest role must be above the target's")
	}

	return h.remove(c, guildID, targetID)
}

// Leave handles DELETE /api/v1/guilds/:guildID/members/me. The owner must delete the guild instead.
func (h *MemberHandler) Leave(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if userID == g.OwnerID {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError,
			"The owner cannot leave; delete the guild instead")
	}

	return h.remove(c, guildID, userID)
}

// remove deletes the membership, flushes the member's cached permissions, and announces GUILD_MEMBER_REMOVE. The
// gateway drops the removed user's guild subscriptions when the event reaches it.
func (h *MemberHandler) remove(c fiber.Ctx, guildID, targetID snowflake.ID) error {
	m, err := h.members.Get(c, guildID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	if err := h.members.Remove(c, guildID, targetID); err != nil {
		return h.mapMemberError(c, err)
	}

	if err := h.cache.DeleteExact(c, guildID, targetID); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to flush permission cache")
	}

	h.bus.ToGuild(c, guildID, events.GuildMemberRemove, models.MemberRemoveData{
		GuildID: guildID,
		User: models.User{
			ID:            m.UserID,
			Username:      m.Username,
			Discriminator: m.Discriminator,
		},
	})

	return c.SendStatus(fiber.StatusNoContent)
}

// Ban handles PUT /api/v1/guilds/:guildID/bans/:userID. Requires BAN_MEMBERS and a higher role than the target; the
// owner cannot be banned. A banned user who is still a member is removed in the same request, and the ban blocks
// invite redemption until it is lifted.
func (h *MemberHandler) Ban(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownUser, "Unknown user")
	}

	// The body is optional; a bare PUT bans without a reason.
	var body models.CreateBanRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
		}
	}
	if err := member.ValidateBanReason(body.Reason); err != nil {
		return h.mapMemberError(c, err)
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if targetID == g.OwnerID {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "The owner cannot be banned")
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.BanMembers); err != nil {
		return h.mapMemberError(c, err)
	}
	allowed, err := h.resolver.CanManageMember(c, guildID, userID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions,
			"Your highest role must be above the target's")
	}

	ban, err := h.members.CreateBan(c, member.BanParams{
		GuildID:  guildID,
		UserID:   targetID,
		BannedBy: userID,
		Reason:   body.Reason,
	})
	if err != nil {
		return h.mapMemberError(c, err)
	}

	// Non-members can be banned too; only evict when a membership row exists.
	if m, err := h.members.Get(c, guildID, targetID); err == nil {
		if err := h.members.Remove(c, guildID, targetID); err != nil && !errors.Is(err, member.ErrNotFound) {
			return h.mapMemberError(c, err)
		}
		if err := h.cache.DeleteExact(c, guildID, targetID); err != nil {
			h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to flush permission cache")
		}
		h.bus.ToGuild(c, guildID, events.GuildMemberRemove, models.MemberRemoveData{
			GuildID: guildID,
			User: models.User{
				ID:            m.UserID,
				Username:      m.Username,
				Discriminator: m.Discriminator,
			},
		})
	} else if !errors.Is(err, member.ErrNotFound) {
		return h.mapMemberError(c, err)
	}

	h.bus.ToGuild(c, guildID, events.GuildBanAdd, ban.ToModel())

	return httputil.SuccessStatus(c, fiber.StatusCreated, ban.ToModel())
}

// Unban handles DELETE /api/v1/guilds/:guildID/bans/:userID. Requires BAN_MEMBERS.
func (h *MemberHandler) Unban(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownUser, "Unknown user")
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.BanMembers); err != nil {
		return h.mapMemberError(c, err)
	}

	ban, err := h.members.GetBan(c, guildID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if err := h.members.RemoveBan(c, guildID, targetID); err != nil {
		return h.mapMemberError(c, err)
	}

	h.bus.ToGuild(c, guildID, events.GuildBanRemove, ban.ToModel())

	return c.SendStatus(fiber.StatusNoContent)
}

// ListBans handles GET /api/v1/guilds/:guildID/bans. Requires BAN_MEMBERS.
func (h *MemberHandler) ListBans(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.BanMembers); err != nil {
		return h.mapMemberError(c, err)
	}

	bans, err := h.members.ListBans(c, guildID)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	out := make([]models.Ban, len(bans))
	for i := range bans {
		out[i] = bans[i].ToModel()
	}
	return httputil.Success(c, out)
}

// AssignRole handles PUT /api/v1/guilds/:guildID/members/:userID/roles/:roleID. Requires MANAGE_ROLES and a higher
// role than the one being assigned. The everyone-role is held implicitly and cannot be assigned.
func (h *MemberHandler) AssignRole(c fiber.Ctx) error {
	return h.changeRole(c, true)
}

// RemoveRole handles DELETE /api/v1/guilds/:guildID/members/:userID/roles/:roleID.
func (h *MemberHandler) RemoveRole(c fiber.Ctx) error {
	return h.changeRole(c, false)
}

func (h *MemberHandler) changeRole(c fiber.Ctx, assign bool) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	targetID, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMember, "Unknown member")
	}
	roleID, err := snowflake.Parse(c.Params("roleID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownRole, "Unknown role")
	}

	r, err := h.roles.GetByID(c, roleID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if r.GuildID != guildID {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownRole, "Unknown role")
	}
	if r.IsEveryone() {
		return h.mapMemberError(c, member.ErrEveryoneRole)
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.ManageRoles); err != nil {
		return h.mapMemberError(c, err)
	}
	allowed, err := h.resolver.CanAssignRole(c, guildID, userID, r.Position)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions,
			"Your highest role must be above the role being assigned")
	}

	if assign {
		err = h.members.AssignRole(c, guildID, targetID, roleID)
	} else {
		err = h.members.RemoveRole(c, guildID, targetID, roleID)
	}
	if err != nil {
		return h.mapMemberError(c, err)
	}

	if err := h.cache.DeleteExact(c, guildID, targetID); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to flush permission cache")
	}

	m, err := h.members.Get(c, guildID, targetID)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	h.bus.ToGuild(c, guildID, events.GuildMemberUpdate, m.ToModel())

	return httputil.Success(c, m.ToModel())
}

// mapMemberError converts member-layer errors to appropriate HTTP responses.
func (h *MemberHandler) mapMemberError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, member.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMember, "Unknown member")
	case errors.Is(err, guild.ErrNotFound), errors.Is(err, permission.ErrGuildNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	case errors.Is(err, role.ErrNotFound), errors.Is(err, member.ErrRoleNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownRole, "Unknown role")
	case errors.Is(err, member.ErrRoleHeld):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
	case errors.Is(err, member.ErrEveryoneRole):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, member.ErrBanNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Unknown ban")
	case errors.Is(err, member.ErrAlreadyBanned):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
	case errors.Is(err, member.ErrReasonLength):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, permission.ErrMissingPermissions):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing permissions")
	default:
		h.log.Error().Err(err).Str("handler", "member").Msg("Unhandled member repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
