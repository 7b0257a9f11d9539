package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/models"
)

// AuthHandler serves authentication endpoints.
type AuthHandler struct {
	auth     *auth.Service
	sessions SessionInvalidator
	log      zerolog.Logger
}

// NewAuthHandler creates a new authentication handler. The session invalidator may be nil in tests; logout then only
// revokes refresh tokens.
func NewAuthHandler(svc *auth.Service, sessions SessionInvalidator, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, sessions: sessions, log: logger}
}

// authResponse is the body of a successful register or login.
type authResponse struct {
	User         models.User `json:"user"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body models.RegisterRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	result, err := h.auth.Register(c, auth.RegisterRequest{
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, authResponse{
		User:         result.User,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body models.LoginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	result, err := h.auth.Login(c, auth.LoginRequest{
		Username:      body.Username,
		Discriminator: body.Discriminator,
		Password:      body.Password,
		TOTPCode:      body.Code,
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, authResponse{
		User:         result.User,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	})
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body models.RefreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "refresh_token is required")
	}

	tokens, err := h.auth.Refresh(c, body.RefreshToken)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, models.TokenPair{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
}

// Logout handles POST /api/v1/auth/logout. It revokes every refresh token issued to the user and force-closes their
// gateway sessions so a stolen access token cannot keep a socket alive past its TTL.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	if err := h.auth.Logout(c, userID); err != nil {
		return h.mapAuthError(c, err)
	}
	if h.sessions != nil {
		if err := h.sessions.InvalidateAllForUser(c, userID); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to invalidate gateway sessions on logout")
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// mapAuthError converts auth-layer errors to appropriate HTTP responses.
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrUsernameLength),
		errors.Is(err, auth.ErrUsernameInvalidChars),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, auth.ErrUsernameExhausted):
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidCredentials, err.Error())
	case errors.Is(err, auth.ErrTOTPRequired), errors.Is(err, auth.ErrInvalidTOTPCode):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidMFACode, err.Error())
	case errors.Is(err, auth.ErrRefreshTokenReused):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidToken, "Refresh token has already been used")
	case errors.Is(err, auth.ErrRefreshTokenNotFound), errors.Is(err, auth.ErrInvalidToken):
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidToken, "Invalid or expired refresh token")
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("Unhandled auth service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
