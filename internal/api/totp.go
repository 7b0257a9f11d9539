package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/protocol/apierrors"
)

// TOTPHandler serves the optional second-factor enrollment endpoints. Both operations require the account password so
// a hijacked access token alone cannot change the factor.
type TOTPHandler struct {
	users  user.Repository
	issuer string
	log    zerolog.Logger
}

// NewTOTPHandler creates a new TOTP handler. The issuer appears in authenticator apps next to the account tag.
func NewTOTPHandler(users user.Repository, issuer string, logger zerolog.Logger) *TOTPHandler {
	return &TOTPHandler{users: users, issuer: issuer, log: logger}
}

type enableTOTPRequest struct {
	Password string `json:"password"`
}

type disableTOTPRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

type totpEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// Enable handles POST /api/v1/users/me/totp. It generates a secret, stores it, and returns the otpauth URL for the
// authenticator app. Subsequent logins require a code.
func (h *TOTPHandler) Enable(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	var body enableTOTPRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	creds, err := h.users.GetCredentialsByID(c, userID)
	if err != nil {
		return h.mapTOTPError(c, err)
	}
	match, err := auth.VerifyPassword(body.Password, creds.PasswordHash)
	if err != nil {
		return h.mapTOTPError(c, err)
	}
	if !match {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidCredentials, "Invalid password")
	}
	if creds.TOTPSecret != nil {
		return httputil.Fail(c, fiber.StatusConflict, apierrors.Conflict, "A second factor is already enrolled")
	}

	secret, url, err := auth.GenerateTOTPSecret(h.issuer, creds.Username+"#"+creds.Discriminator)
	if err != nil {
		return h.mapTOTPError(c, err)
	}
	if err := h.users.SetTOTPSecret(c, userID, &secret); err != nil {
		return h.mapTOTPError(c, err)
	}

	h.log.Info().Stringer("user_id", userID).Msg("TOTP enrolled")
	return httputil.SuccessStatus(c, fiber.StatusCreated, totpEnrollment{Secret: secret, URL: url})
}

// Disable handles DELETE /api/v1/users/me/totp. It requires the password and a currently valid code.
func (h *TOTPHandler) Disable(c fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.Unauthorised, "Missing user identity")
	}

	var body disableTOTPRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}

	creds, err := h.users.GetCredentialsByID(c, userID)
	if err != nil {
		return h.mapTOTPError(c, err)
	}
	match, err := auth.VerifyPassword(body.Password, creds.PasswordHash)
	if err != nil {
		return h.mapTOTPError(c, err)
	}
	if !match {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidCredentials, "Invalid password")
	}
	if creds.TOTPSecret == nil {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "No second factor is enrolled")
	}
	if !auth.VerifyTOTP(body.Code, *creds.TOTPSecret) {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.InvalidMFACode, "Invalid TOTP code")
	}

	if err := h.users.SetTOTPSecret(c, userID, nil); err != nil {
		return h.mapTOTPError(c, err)
	}

	h.log.Info().Stringer("user_id", userID).Msg("TOTP disabled")
	return c.SendStatus(fiber.StatusNoContent)
}

// mapTOTPError converts errors from the TOTP flow to appropriate HTTP responses.
func (h *TOTPHandler) mapTOTPError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownUser, "Unknown user")
	default:
		h.log.Error().Err(err).Str("handler", "totp").Msg("Unhandled TOTP flow error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
