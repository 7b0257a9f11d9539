package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// ChannelHandler serves guild channel CRUD and direct-message channel endpoints.
type ChannelHandler struct {
	gate  channelGate
	ids   *snowflake.Generator
	users user.Repository
	bus   *eventbus.Publisher
	log   zerolog.Logger
}

// NewChannelHandler creates a new channel handler.
func NewChannelHandler(
	ids *snowflake.Generator,
	channels channel.Repository,
	members member.Repository,
	users user.Repository,
	resolver *permission.Resolver,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *ChannelHandler {
	return &ChannelHandler{
		gate:  channelGate{channels: channels, members: members, resolver: resolver},
		ids:   ids,
		users: users,
		bus:   bus,
		log:   logger,
	}
}

// List handles GET /api/v1/guilds/:guildID/channels. Membership is enforced by middleware.
func (h *ChannelHandler) List(c fiber.Ctx) error {
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	channels, err := h.gate.channels.ListForGuild(c, guildID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	out := make([]models.Channel, len(channels))
	for i := range channels {
		out[i] = channels[i].ToModel()
	}
	return httputil.Success(c, out)
}

// Create handles POST /api/v1/guilds/:guildID/channels. Requires MANAGE_CHANNELS. A parent reference must point at a
// category in the same guild.
func (h *ChannelHandler) Create(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	var body models.CreateChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	name, err := channel.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if err := channel.ValidateGuildType(body.Type); err != nil {
		return h.mapChannelError(c, err)
	}

	if err := h.gate.resolver.Require(c, userID, guildID, permissions.ManageChannels); err != nil {
		return h.mapChannelError(c, err)
	}

	id, err := h.ids.Next()
	if err != nil {
		return h.mapChannelError(c, err)
	}
	ch, err := h.gate.channels.Create(c, channel.CreateParams{
		ID:       id,
		GuildID:  guildID,
		Name:     name,
		Type:     body.Type,
		ParentID: body.ParentID,
	})
	if err != nil {
		return h.mapChannelError(c, err)
	}

	h.bus.ToGuild(c, guildID, events.ChannelCreate, ch.ToModel())

	return httputil.SuccessStatus(c, fiber.StatusCreated, ch.ToModel())
}

// Update handles PATCH /api/v1/channels/:channelID. Requires MANAGE_CHANNELS; DM channels cannot be edited.
func (h *ChannelHandler) Update(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	}

	var body models.UpdateChannelRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if err := channel.ValidateName(body.Name); err != nil {
		return h.mapChannelError(c, err)
	}

	ch, err := h.gate.access(c, userID, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if err := h.gate.require(c, userID, ch, permissions.ManageChannels); err != nil {
		return h.mapChannelError(c, err)
	}

	updated, err := h.gate.channels.Update(c, channelID, channel.UpdateParams{
		Name:     body.Name,
		ParentID: body.ParentID,
	})
	if err != nil {
		return h.mapChannelError(c, err)
	}

	h.bus.ToGuild(c, *ch.GuildID, events.ChannelUpdate, updated.ToModel())

	return httputil.Success(c, updated.ToModel())
}

// Delete handles DELETE /api/v1/channels/:channelID. Requires MANAGE_CHANNELS. Messages in the channel go with it.
func (h *ChannelHandler) Delete(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	}

	ch, err := h.gate.access(c, userID, channelID)
	if err != nil {
		return h.mapChannelError(c, err)
	}
	if err := h.gate.require(c, userID, ch, permissions.ManageChannels); err != nil {
		return h.mapChannelError(c, err)
	}

	if err := h.gate.channels.Delete(c, channelID); err != nil {
		return h.mapChannelError(c, err)
	}

	h.bus.ToGuild(c, *ch.GuildID, events.ChannelDelete, ch.ToModel())

	return c.SendStatus(fiber.StatusNoContent)
}

// CreateDM handles POST /api/v1/users/me/channels. Opening a DM is idempotent: the existing channel comes back when
// one is already shared with the recipient. On first creation both recipients' sessions receive CHANNEL_CREATE over
// their user channels, which also subscribes them to the new channel.
func (h *ChannelHandler) CreateDM(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	var body models.CreateDMRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	if _, err := h.users.GetByID(c, body.RecipientID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownUser, "Unknown user")
		}
		return h.mapChannelError(c, err)
	}

	id, err := h.ids.Next()
	if err != nil {
		return h.mapChannelError(c, err)
	}
	ch, created, err := h.gate.channels.GetOrCreateDM(c, id, userID, body.RecipientID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	if created {
		for _, recipient := range ch.Recipients {
			h.bus.ToUser(c, recipient, events.ChannelCreate, ch.ToModel())
		}
		return httputil.SuccessStatus(c, fiber.StatusCreated, ch.ToModel())
	}
	return httputil.Success(c, ch.ToModel())
}

// ListDMs handles GET /api/v1/users/me/channels.
func (h *ChannelHandler) ListDMs(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	channels, err := h.gate.channels.ListDMsForUser(c, userID)
	if err != nil {
		return h.mapChannelError(c, err)
	}

	out := make([]models.Channel, len(channels))
	for i := range channels {
		out[i] = channels[i].ToModel()
	}
	return httputil.Success(c, out)
}

// mapChannelError converts channel-layer errors to appropriate HTTP responses.
func (h *ChannelHandler) mapChannelError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errUnknownChannel), errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	case errors.Is(err, channel.ErrNameLength),
		errors.Is(err, channel.ErrInvalidType),
		errors.Is(err, channel.ErrParentNotFound),
		errors.Is(err, channel.ErrInvalidParent),
		errors.Is(err, channel.ErrSelfDM):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, permission.ErrGuildNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	case errors.Is(err, permission.ErrMissingPermissions):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing permissions")
	default:
		h.log.Error().Err(err).Str("handler", "channel").Msg("Unhandled channel repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
