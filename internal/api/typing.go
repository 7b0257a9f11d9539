package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// TypingHandler serves the typing indicator endpoint.
type TypingHandler struct {
	gate     channelGate
	presence *presence.Store
	bus      *eventbus.Publisher
	log      zerolog.Logger
}

// NewTypingHandler creates a new typing handler.
func NewTypingHandler(
	channels channel.Repository,
	members member.Repository,
	resolver *permission.Resolver,
	presenceStore *presence.Store,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *TypingHandler {
	return &TypingHandler{
		gate:     channelGate{channels: channels, members: members, resolver: resolver},
		presence: presenceStore,
		bus:      bus,
		log:      logger,
	}
}

// Start handles POST /api/v1/channels/:channelID/typing. The indicator is debounced server-side: repeated calls
// within the indicator's lifetime return 204 without re-publishing, so clients can fire on every keystroke.
func (h *TypingHandler) Start(c fiber.Ctx) error {
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
		return h.mapTypingError(c, err)
	}
	if ch.GuildID != nil {
		if err := h.gate.require(c, userID, ch, permissions.SendMessages); err != nil {
			return h.mapTypingError(c, err)
		}
	}

	first, err := h.presence.SetTyping(c, channelID, userID)
	if err != nil {
		return h.mapTypingError(c, err)
	}
	if first {
		h.bus.ToChannel(c, channelID, ch.GuildID, events.TypingStart, models.TypingStartData{
			ChannelID: channelID,
			GuildID:   ch.GuildID,
			UserID:    userID,
			Timestamp: time.Now().Unix(),
		})
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// mapTypingError converts typing flow errors to appropriate HTTP responses.
func (h *TypingHandler) mapTypingError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errUnknownChannel), errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	case errors.Is(err, permission.ErrMissingPermissions):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing permissions")
	default:
		h.log.Error().Err(err).Str("handler", "typing").Msg("Unhandled typing flow error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
