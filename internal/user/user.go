package user

import (
	"context"
	"errors"
	"time"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Sentinel errors for the user package.
var (
	ErrNotFound      = errors.New("user not found")
	ErrAlreadyExists = errors.New("username and discriminator already taken")
)

// User holds the core identity fields read from the database.
type User struct {
	ID            snowflake.ID
	Username      string
	Discriminator string
	CreatedAt     time.Time
}

// ToModel converts the internal user struct to the wire response type. This is the single source of truth for the
// conversion; HTTP handlers and the gateway both call this method rather than maintaining their own copies.
func (u *User) ToModel() models.User {
	return models.User{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
	}
}

// Credentials extends User with the password hash and optional TOTP secret. Only repository methods that serve the
// authentication path return this type; all other read methods return *User to prevent credential leakage at the type
// level.
type Credentials struct {
	User
	PasswordHash string
	TOTPSecret   *string
}

// CreateParams groups the inputs for creating a new user. The ID is allocated by the caller so that a single snowflake
// generator covers every entity type.
type CreateParams struct {
	ID            snowflake.ID
	Username      string
	Discriminator string
	PasswordHash  string
}

// UpdateParams groups the optional fields for updating a user. A username change keeps the current discriminator; if
// the new pair is taken the update fails with ErrAlreadyExists.
type UpdateParams struct {
	Username *string
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id snowflake.ID) (*User, error)
	GetByTag(ctx context.Context, username, discriminator string) (*Credentials, error)
	GetCredentialsByID(ctx context.Context, id snowflake.ID) (*Credentials, error)
	TakenDiscriminators(ctx context.Context, username string) (map[string]bool, error)
	UpdatePasswordHash(ctx context.Context, userID snowflake.ID, hash string) error
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*User, error)
	SetTOTPSecret(ctx context.Context, userID snowflake.ID, secret *string) error
}
