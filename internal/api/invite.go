package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/config"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/guild"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/invite"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
)

// InviteHandler serves invite management and redemption endpoints.
type InviteHandler struct {
	cfg      *config.Config
	invites  invite.Repository
	guilds   guild.Repository
	channels channel.Repository
	roles    role.Repository
	members  member.Repository
	presence *presence.Store
	resolver *permission.Resolver
	bus      *eventbus.Publisher
	log      zerolog.Logger
}

// NewInviteHandler creates a new invite handler.
func NewInviteHandler(
	cfg *config.Config,
	invites invite.Repository,
	guilds guild.Repository,
	channels channel.Repository,
	roles role.Repository,
	members member.Repository,
	presenceStore *presence.Store,
	resolver *permission.Resolver,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *InviteHandler {
	return &InviteHandler{
		cfg:      cfg,
		invites:  invites,
		guilds:   guilds,
		channels: channels,
		roles:    roles,
		members:  members,
		presence: presenceStore,
		resolver: resolver,
		bus:      bus,
		log:      logger,
	}
}

// Create handles POST /api/v1/guilds/:guildID/invites. Requires MANAGE_GUILD.
func (h *InviteHandler) Create(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	var body models.CreateInviteRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if err := invite.ValidateMaxUses(body.MaxUses); err != nil {
		return h.mapInviteError(c, err)
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.ManageGuild); err != nil {
		return h.mapInviteError(c, err)
	}

	inv, err := h.invites.Create(c, invite.CreateParams{
		GuildID:   guildID,
		InviterID: userID,
		MaxUses:   body.MaxUses,
	})
	if err != nil {
		return h.mapInviteError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, inv.ToModel())
}

// List handles GET /api/v1/guilds/:guildID/invites. Requires MANAGE_GUILD.
func (h *InviteHandler) List(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.ManageGuild); err != nil {
		return h.mapInviteError(c, err)
	}

	invites, err := h.invites.ListForGuild(c, guildID)
	if err != nil {
		return h.mapInviteError(c, err)
	}

	out := make([]models.Invite, len(invites))
	for i := range invites {
		out[i] = invites[i].ToModel()
	}
	return httputil.Success(c, out)
}

// Delete handles DELETE /api/v1/guilds/:guildID/invites/:code. Requires MANAGE_GUILD.
func (h *InviteHandler) Delete(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	code := c.Params("code")

	inv, err := h.invites.GetByCode(c, code)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	if inv.GuildID != guildID {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownInvite, "Unknown invite")
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.ManageGuild); err != nil {
		return h.mapInviteError(c, err)
	}

	if err := h.invites.Delete(c, code); err != nil {
		return h.mapInviteError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Get handles GET /api/v1/invites/:code. Any authenticated user may preview an invite before accepting it.
func (h *InviteHandler) Get(c fiber.Ctx) error {
	inv, err := h.invites.GetByCode(c, c.Params("code"))
	if err != nil {
		return h.mapInviteError(c, err)
	}
	return httputil.Success(c, inv.ToModel())
}

// Redeem handles POST /api/v1/invites/:code. Membership is checked before the use count moves so an existing member
// cannot burn a bounded invite's uses. On success the guild hears GUILD_MEMBER_ADD and the joiner's own sessions get
// the full GUILD_CREATE snapshot.
func (h *InviteHandler) Redeem(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	code := c.Params("code")

	inv, err := h.invites.GetByCode(c, code)
	if err != nil {
		return h.mapInviteError(c, err)
	}

	isMember, err := h.members.IsMember(c, inv.GuildID, userID)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	if isMember {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, "You are already a member of this guild")
	}

	banned, err := h.members.IsBanned(c, inv.GuildID, userID)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	if banned {
		return h.mapInviteError(c, member.ErrBanned)
	}

	count, err := h.guilds.CountForUser(c, userID)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	if count >= h.cfg.MaxGuildsPerUser {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Guild limit reached")
	}

	if _, err := h.invites.Redeem(c, code); err != nil {
		return h.mapInviteError(c, err)
	}

	m, err := h.members.Add(c, inv.GuildID, userID)
	if err != nil {
		// The use count has already moved; joining again with the same invite costs another use.
		return h.mapInviteError(c, err)
	}

	h.bus.ToGuild(c, inv.GuildID, events.GuildMemberAdd, m.ToModel())

	g, err := h.guilds.GetByID(c, inv.GuildID)
	if err != nil {
		return h.mapInviteError(c, err)
	}
	if snapshot, sErr := buildGuildSnapshot(c, g, h.channels, h.roles, h.members, h.presence); sErr != nil {
		h.log.Warn().Err(sErr).Stringer("guild_id", g.ID).Msg("Failed to assemble guild snapshot")
	} else {
		h.bus.ToUser(c, userID, events.GuildCreate, snapshot)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, g.ToModel())
}

// mapInviteError converts invite-layer errors to appropriate HTTP responses.
func (h *InviteHandler) mapInviteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownInvite, "Unknown invite")
	case errors.Is(err, invite.ErrMaxUsesReached):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, invite.ErrInvalidMaxUses):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, invite.ErrGuildNotFound), errors.Is(err, guild.ErrNotFound),
		errors.Is(err, permission.ErrGuildNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	case errors.Is(err, member.ErrAlreadyMember):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, "You are already a member of this guild")
	case errors.Is(err, member.ErrBanned):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You are banned from this guild")
	case errors.Is(err, permission.ErrMissingPermissions):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing permissions")
	default:
		h.log.Error().Err(err).Str("handler", "invite").Msg("Unhandled invite repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
