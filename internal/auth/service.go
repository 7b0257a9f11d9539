package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/config"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Service implements authentication business logic, keeping HTTP handlers thin and focused on request parsing /
// response formatting.
type Service struct {
	users  user.Repository
	redis  *redis.Client
	ids    *snowflake.Generator
	config *config.Config
	log    zerolog.Logger
	// dummyHash is a precomputed Argon2id hash used to keep login timing constant when a user is not found,
	// preventing account enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new authentication service.
func NewService(users user.Repository, rdb *redis.Client, ids *snowflake.Generator, cfg *config.Config, logger zerolog.Logger) *Service {
	// Generate a dummy hash at startup so VerifyPassword always runs against a real Argon2id hash even when the user
	// does not exist.
	dummy, err := HashPassword("harbor-dummy-password", HashParamsFromConfig(cfg))
	if err != nil {
		// This should never fail with valid config; fall back to a static hash so the service can still start.
		dummy = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0$placeholder"
	}
	return &Service{
		users:     users,
		redis:     rdb,
		ids:       ids,
		config:    cfg,
		log:       logger,
		dummyHash: dummy,
	}
}

// RegisterRequest is the input for Service.Register.
type RegisterRequest struct {
	Username string
	Password string
}

// LoginRequest is the input for Service.Login.
type LoginRequest struct {
	Username      string
	Discriminator string
	Password      string
	TOTPCode      string
}

// AuthResult is the output for Register and Login.
type AuthResult struct {
	User         models.User
	AccessToken  string
	RefreshToken string
}

// TokenPair is the output for Refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Register validates inputs, allocates a free discriminator for the username, creates the user, and returns auth
// tokens.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	if err := ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(req.Password, HashParamsFromConfig(s.config))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	// Concurrent registrations can race on the same discriminator; the unique
	// constraint catches it and we pick again.
	var created *user.User
	for attempt := 0; attempt < 3; attempt++ {
		discriminator, err := s.pickDiscriminator(ctx, req.Username)
		if err != nil {
			return nil, err
		}

		id, err := s.ids.Next()
		if err != nil {
			return nil, fmt.Errorf("allocate user ID: %w", err)
		}

		created, err = s.users.Create(ctx, user.CreateParams{
			ID:            id,
			Username:      req.Username,
			Discriminator: discriminator,
			PasswordHash:  hash,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, user.ErrAlreadyExists) {
			return nil, fmt.Errorf("create user: %w", err)
		}
		created = nil
	}
	if created == nil {
		return nil, ErrUsernameExhausted
	}

	s.log.Debug().Str("user_id", created.ID.String()).Msg("User registered")

	tokens, err := s.issueTokens(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User:         created.ToModel(),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}, nil
}

// Login verifies credentials (and the TOTP code when the account has one enrolled) and returns auth tokens.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	if !ValidDiscriminator(req.Discriminator) {
		return nil, ErrInvalidCredentials
	}

	u, err := s.users.GetByTag(ctx, req.Username, req.Discriminator)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value to prevent timing-based account enumeration. Without this, "user not found"
			// returns faster than "wrong password" because Argon2id is skipped.
			_, _ = VerifyPassword(req.Password, s.dummyHash)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	match, err := VerifyPassword(req.Password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	if u.TOTPSecret != nil {
		if req.TOTPCode == "" {
			return nil, ErrTOTPRequired
		}
		if !VerifyTOTP(req.TOTPCode, *u.TOTPSecret) {
			return nil, ErrInvalidTOTPCode
		}
	}

	// Lazy hash rotation: rehash with current parameters if the stored hash was generated with older settings.
	if params := HashParamsFromConfig(s.config); params.NeedsRehash(u.PasswordHash) {
		if newHash, hashErr := HashPassword(req.Password, params); hashErr == nil {
			if updateErr := s.users.UpdatePasswordHash(ctx, u.ID, newHash); updateErr != nil {
				s.log.Warn().Err(updateErr).Str("user_id", u.ID.String()).Msg("Failed to rotate password hash")
			} else {
				s.log.Debug().Str("user_id", u.ID.String()).Msg("Password hash rotated to current parameters")
			}
		}
	}

	tokens, err := s.issueTokens(ctx, u.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User:         u.User.ToModel(),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}, nil
}

// Refresh rotates a refresh token and issues a new access token.
func (s *Service) Refresh(ctx context.Context, oldToken string) (*TokenPair, error) {
	newRefresh, userID, err := RotateRefreshToken(ctx, s.redis, oldToken, s.config.JWTRefreshTTL)
	if err != nil {
		return nil, err // ErrRefreshTokenReused passes through
	}

	accessToken, err := NewAccessToken(userID, s.config.JWTSecret, s.config.JWTAccessTTL, s.config.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
	}, nil
}

// Logout revokes every refresh token issued to the user.
func (s *Service) Logout(ctx context.Context, userID snowflake.ID) error {
	return RevokeAllRefreshTokens(ctx, s.redis, userID)
}

// pickDiscriminator selects a random free four-digit discriminator for the username.
func (s *Service) pickDiscriminator(ctx context.Context, username string) (string, error) {
	taken, err := s.users.TakenDiscriminators(ctx, username)
	if err != nil {
		return "", fmt.Errorf("list discriminators: %w", err)
	}
	if len(taken) >= 10000 {
		return "", ErrUsernameExhausted
	}

	// Rejection sampling is fine while the namespace is sparse; fall back to a
	// linear scan once it gets crowded.
	if len(taken) < 9000 {
		for {
			d := formatDiscriminator(rand.IntN(10000))
			if !taken[d] {
				return d, nil
			}
		}
	}
	start := rand.IntN(10000)
	for i := 0; i < 10000; i++ {
		d := formatDiscriminator((start + i) % 10000)
		if !taken[d] {
			return d, nil
		}
	}
	return "", ErrUsernameExhausted
}

func formatDiscriminator(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

func (s *Service) issueTokens(ctx context.Context, userID snowflake.ID) (*TokenPair, error) {
	accessToken, err := NewAccessToken(userID, s.config.JWTSecret, s.config.JWTAccessTTL, s.config.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	refreshToken, err := CreateRefreshToken(ctx, s.redis, userID, s.config.JWTRefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}
