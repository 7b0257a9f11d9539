package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// UserHandler serves user profile endpoints.
type UserHandler struct {
	users user.Repository
	bus   *eventbus.Publisher
	log   zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, bus *eventbus.Publisher, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, bus: bus, log: logger}
}

// Me handles GET /api/v1/users/me.
func (h *UserHandler) Me(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, u.ToModel())
}

// UpdateMe handles PATCH /api/v1/users/me. A username change keeps the current discriminator; the updated profile is
// pushed to the user's own sessions as USER_UPDATE.
func (h *UserHandler) UpdateMe(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	var body models.UpdateUserRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if body.Username != nil {
		if err := auth.ValidateUsername(*body.Username); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
		}
	}

	u, err := h.users.Update(c, userID, user.UpdateParams{Username: body.Username})
	if err != nil {
		return h.mapUserError(c, err)
	}

	h.bus.ToUser(c, userID, events.UserUpdate, u.ToModel())

	return httputil.Success(c, u.ToModel())
}

// Get handles GET /api/v1/users/:userID. It returns the public profile.
func (h *UserHandler) Get(c fiber.Ctx) error {
	id, err := snowflake.Parse(c.Params("userID"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownUser, "Unknown user")
	}

	u, err := h.users.GetByID(c, id)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, u.ToModel())
}

// mapUserError converts user-layer errors to appropriate HTTP responses.
func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownUser, "Unknown user")
	case errors.Is(err, user.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.AlreadyExists, "That username and discriminator pair is taken")
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("Unhandled user repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
