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
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// defaultChannelName is the text channel every new guild starts with.
const defaultChannelName = "general"

// GuildHandler serves guild CRUD endpoints.
type GuildHandler struct {
	cfg      *config.Config
	ids      *snowflake.Generator
	guilds   guild.Repository
	channels channel.Repository
	roles    role.Repository
	members  member.Repository
	presence *presence.Store
	resolver *permission.Resolver
	bus      *eventbus.Publisher
	log      zerolog.Logger
}

// NewGuildHandler creates a new guild handler.
func NewGuildHandler(
	cfg *config.Config,
	ids *snowflake.Generator,
	guilds guild.Repository,
	channels channel.Repository,
	roles role.Repository,
	members member.Repository,
	presenceStore *presence.Store,
	resolver *permission.Resolver,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *GuildHandler {
	return &GuildHandler{
		cfg:      cfg,
		ids:      ids,
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

// Create handles POST /api/v1/guilds. Creation inserts the everyone-role, the owner's membership, and a default text
// channel in one transaction; the caller's sessions receive the full GUILD_CREATE snapshot over their user channel.
func (h *GuildHandler) Create(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	var body models.CreateGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	name := body.Name
	if err := guild.ValidateName(&name); err != nil {
		return h.mapGuildError(c, err)
	}

	count, err := h.guilds.CountForUser(c, userID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	if count >= h.cfg.MaxGuildsPerUser {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Guild limit reached")
	}

	guildID, err := h.ids.Next()
	if err != nil {
		return h.mapGuildError(c, err)
	}
	channelID, err := h.ids.Next()
	if err != nil {
		return h.mapGuildError(c, err)
	}

	g, err := h.guilds.Create(c, guild.CreateParams{
		ID:                 guildID,
		Name:               name,
		OwnerID:            userID,
		DefaultChannelID:   channelID,
		DefaultChannelName: defaultChannelName,
		EveryonePerms:      uint64(permissions.Default),
	})
	if err != nil {
		return h.mapGuildError(c, err)
	}

	if snapshot, sErr := buildGuildSnapshot(c, g, h.channels, h.roles, h.members, h.presence); sErr != nil {
		h.log.Warn().Err(sErr).Stringer("guild_id", g.ID).Msg("Failed to assemble guild snapshot")
	} else {
		h.bus.ToUser(c, userID, events.GuildCreate, snapshot)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, g.ToModel())
}

// List handles GET /api/v1/guilds. It returns the caller's guilds.
func (h *GuildHandler) List(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	guilds, err := h.guilds.ListForUser(c, userID)
	if err != nil {
		return h.mapGuildError(c, err)
	}

	out := make([]models.Guild, len(guilds))
	for i := range guilds {
		out[i] = guilds[i].ToModel()
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/v1/guilds/:guildID. Membership is enforced by middleware.
func (h *GuildHandler) Get(c fiber.Ctx) error {
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	return httputil.Success(c, g.ToModel())
}

// Update handles PATCH /api/v1/guilds/:guildID. Requires MANAGE_GUILD.
func (h *GuildHandler) Update(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	var body models.UpdateGuildRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if err := guild.ValidateName(body.Name); err != nil {
		return h.mapGuildError(c, err)
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.ManageGuild); err != nil {
		return h.mapGuildError(c, err)
	}

	g, err := h.guilds.Update(c, guildID, guild.UpdateParams{Name: body.Name})
	if err != nil {
		return h.mapGuildError(c, err)
	}

	h.bus.ToGuild(c, guildID, events.GuildUpdate, g.ToModel())

	return httputil.Success(c, g.ToModel())
}

// Delete handles DELETE /api/v1/guilds/:guildID. Only the owner may delete a guild.
func (h *GuildHandler) Delete(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	g, err := h.guilds.GetByID(c, guildID)
	if err != nil {
		return h.mapGuildError(c, err)
	}
	if g.OwnerID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Only the owner can delete a guild")
	}

	if err := h.guilds.Delete(c, guildID); err != nil {
		return h.mapGuildError(c, err)
	}

	h.bus.ToGuild(c, guildID, events.GuildDelete, models.GuildDeleteData{ID: guildID})

	return c.SendStatus(fiber.StatusNoContent)
}

// mapGuildError converts guild-layer errors to appropriate HTTP responses.
func (h *GuildHandler) mapGuildError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, guild.ErrNotFound), errors.Is(err, permission.ErrGuildNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	case errors.Is(err, guild.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, permission.ErrMissingPermissions):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing permissions")
	default:
		h.log.Error().Err(err).Str("handler", "guild").Msg("Unhandled guild repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
