package guild

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Sentinel errors for the guild package.
var (
	ErrNotFound   = errors.New("guild not found")
	ErrNameLength = errors.New("name must be between 1 and 100 characters")
)

// Guild holds a guild row read from the database.
type Guild struct {
	ID        snowflake.ID
	Name      string
	OwnerID   snowflake.ID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToModel converts the internal guild struct to the wire response type.
func (g *Guild) ToModel() models.Guild {
	return models.Guild{
		ID:      g.ID,
		Name:    g.Name,
		OwnerID: g.OwnerID,
	}
}

// CreateParams groups the inputs for creating a guild. All IDs are allocated by
// the caller. Creation also inserts the everyone-role (sharing the guild's ID),
// the owner's membership, and a default text channel, all in one transaction.
type CreateParams struct {
	ID                 snowflake.ID
	Name               string
	OwnerID            snowflake.ID
	DefaultChannelID   snowflake.ID
	DefaultChannelName string
	EveryonePerms      uint64
}

// UpdateParams groups the optional fields for updating a guild.
type UpdateParams struct {
	Name *string
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

// Repository defines the data-access contract for guild operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Guild, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Guild, error)
	ListForUser(ctx context.Context, userID snowflake.ID) ([]Guild, error)
	CountForUser(ctx context.Context, userID snowflake.ID) (int, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Guild, error)
	Delete(ctx context.Context, id snowflake.ID) error
}
