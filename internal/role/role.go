package role

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Sentinel errors for the role package.
var (
	ErrNotFound          = errors.New("role not found")
	ErrNameLength        = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidPosition   = errors.New("position must be positive")
	ErrEveryoneImmutable = errors.New("the everyone role cannot be deleted or repositioned")
)

// Role holds the fields read from the database.
type Role struct {
	ID          snowflake.ID
	GuildID     snowflake.ID
	Name        string
	Position    int
	Permissions permissions.Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsEveryone reports whether this is the guild's everyone-role, which shares the guild's ID.
func (r *Role) IsEveryone() bool {
	return r.ID == r.GuildID
}

// ToModel converts the internal role struct to the wire response type.
func (r *Role) ToModel() models.Role {
	return models.Role{
		ID:          r.ID,
		GuildID:     r.GuildID,
		Name:        r.Name,
		Position:    r.Position,
		Permissions: r.Permissions,
		IsEveryone:  r.IsEveryone(),
	}
}

// CreateParams groups the inputs for creating a new role.
type CreateParams struct {
	ID          snowflake.ID
	GuildID     snowflake.ID
	Name        string
	Permissions permissions.Permission
}

// UpdateParams groups the optional fields for updating a role.
type UpdateParams struct {
	Name        *string
	Position    *int
	Permissions *permissions.Permission
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change" (useful for PATCH semantics); a non-nil pointer is always validated. On success the
// pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidatePosition checks that a non-nil position is positive. Position 0 is reserved for the everyone-role. A nil
// pointer means "no change."
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 1 {
		return ErrInvalidPosition
	}
	return nil
}

// Repository defines the data-access contract for role operations.
type Repository interface {
	ListForGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Role, error)
	Create(ctx context.Context, params CreateParams) (*Role, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Role, error)
	Delete(ctx context.Context, id snowflake.ID) error
	// HighestPosition returns the highest position among the user's assigned roles in the guild (higher position =
	// higher rank). The everyone-role does not count; a member with no assigned roles is at position 0.
	HighestPosition(ctx context.Context, guildID, userID snowflake.ID) (int, error)
}
