package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/config"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/message"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// MessageHandler serves message endpoints under /channels/:channelID/messages.
type MessageHandler struct {
	cfg      *config.Config
	gate     channelGate
	ids      *snowflake.Generator
	messages message.Repository
	presence *presence.Store
	bus      *eventbus.Publisher
	log      zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	cfg *config.Config,
	ids *snowflake.Generator,
	channels channel.Repository,
	members member.Repository,
	messages message.Repository,
	resolver *permission.Resolver,
	presenceStore *presence.Store,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *MessageHandler {
	return &MessageHandler{
		cfg:      cfg,
		gate:     channelGate{channels: channels, members: members, resolver: resolver},
		ids:      ids,
		messages: messages,
		presence: presenceStore,
		bus:      bus,
		log:      logger,
	}
}

// List handles GET /api/v1/channels/:channelID/messages. Pages newest-first with before/after snowflake cursors.
func (h *MessageHandler) List(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	}

	if _, err := h.gate.access(c, userID, channelID); err != nil {
		return h.mapMessageError(c, err)
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	params := message.ListParams{Limit: message.ClampLimit(limit)}
	if raw := c.Query("before"); raw != "" {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid before cursor")
		}
		params.Before = &id
	}
	if raw := c.Query("after"); raw != "" {
		id, err := snowflake.Parse(raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid after cursor")
		}
		params.After = &id
	}

	msgs, err := h.messages.List(c, channelID, params)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	out := make([]models.Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].ToModel()
	}
	return httputil.Success(c, out)
}

// Create handles POST /api/v1/channels/:channelID/messages. Guild channels require SEND_MESSAGES; DMs only
// recipiency. Sending also clears the author's typing indicator.
func (h *MessageHandler) Create(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	}

	var body models.CreateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	content, err := message.ValidateContent(body.Content, h.cfg.MaxMessageLength)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	ch, err := h.gate.access(c, userID, channelID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if ch.GuildID != nil {
		if err := h.gate.require(c, userID, ch, permissions.SendMessages); err != nil {
			return h.mapMessageError(c, err)
		}
	}

	id, err := h.ids.Next()
	if err != nil {
		return h.mapMessageError(c, err)
	}
	msg, err := h.messages.Create(c, message.CreateParams{
		ID:        id,
		ChannelID: channelID,
		AuthorID:  userID,
		Content:   content,
	})
	if err != nil {
		return h.mapMessageError(c, err)
	}

	if _, err := h.presence.ClearTyping(c, channelID, userID); err != nil {
		h.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Failed to clear typing indicator")
	}

	h.bus.ToChannel(c, channelID, ch.GuildID, events.MessageCreate, msg.ToModel())

	return httputil.SuccessStatus(c, fiber.StatusCreated, msg.ToModel())
}

// Update handles PATCH /api/v1/channels/:channelID/messages/:messageID. Only the author may edit, regardless of
// permissions.
func (h *MessageHandler) Update(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	}
	messageID, err := snowflake.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMessage, "Unknown message")
	}

	var body models.UpdateMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	content, err := message.ValidateContent(body.Content, h.cfg.MaxMessageLength)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	ch, err := h.gate.access(c, userID, channelID)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	msg, err := h.messages.GetByID(c, messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if msg.ChannelID != channelID {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMessage, "Unknown message")
	}
	if msg.AuthorID != userID {
		return h.mapMessageError(c, message.ErrNotAuthor)
	}

	updated, err := h.messages.Update(c, messageID, content)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	h.bus.ToChannel(c, channelID, ch.GuildID, events.MessageUpdate, updated.ToModel())

	return httputil.Success(c, updated.ToModel())
}

// Delete handles DELETE /api/v1/channels/:channelID/messages/:messageID. The author may always delete their own
// message; in guild channels MANAGE_MESSAGES allows deleting anyone's.
func (h *MessageHandler) Delete(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}
	channelID, err := snowflake.Parse(c.Params("channelID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	}
	messageID, err := snowflake.Parse(c.Params("messageID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMessage, "Unknown message")
	}

	ch, err := h.gate.access(c, userID, channelID)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	msg, err := h.messages.GetByID(c, messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if msg.ChannelID != channelID {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMessage, "Unknown message")
	}
	if msg.AuthorID != userID {
		if ch.GuildID == nil {
			return h.mapMessageError(c, message.ErrNotAuthor)
		}
		if err := h.gate.require(c, userID, ch, permissions.ManageMessages); err != nil {
			return h.mapMessageError(c, err)
		}
	}

	if err := h.messages.Delete(c, messageID); err != nil {
		return h.mapMessageError(c, err)
	}

	h.bus.ToChannel(c, channelID, ch.GuildID, events.MessageDelete, models.MessageDeleteData{
		ID:        messageID,
		ChannelID: channelID,
		GuildID:   ch.GuildID,
	})

	return c.SendStatus(fiber.StatusNoContent)
}

// mapMessageError converts message-layer errors to appropriate HTTP responses.
func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errUnknownChannel), errors.Is(err, channel.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownChannel, "Unknown channel")
	case errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownMessage, "Unknown message")
	case errors.Is(err, message.ErrEmptyContent), errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, message.ErrNotAuthor):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "You are not the author of this message")
	case errors.Is(err, permission.ErrMissingPermissions):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing permissions")
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("Unhandled message repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
