package channel

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Channel type constants matching the database CHECK constraint.
const (
	TypeText     = "text"
	TypeCategory = "category"
	TypeDM       = "dm"
)

// validGuildTypes is the set of types a client may create inside a guild. DM channels are created through the DM
// endpoint, never directly.
var validGuildTypes = map[string]bool{
	TypeText:     true,
	TypeCategory: true,
}

// Sentinel errors for the channel package.
var (
	ErrNotFound        = errors.New("channel not found")
	ErrNameLength      = errors.New("channel name must be between 1 and 100 characters")
	ErrInvalidType     = errors.New("invalid channel type")
	ErrParentNotFound  = errors.New("parent category not found")
	ErrInvalidParent   = errors.New("parent must be a category in the same guild")
	ErrSelfDM          = errors.New("cannot open a DM with yourself")
)

// Channel holds the fields read from the database. GuildID is nil for DMs; Recipients is populated only for DMs.
type Channel struct {
	ID         snowflake.ID
	GuildID    *snowflake.ID
	Type       string
	Name       string
	ParentID   *snowflake.ID
	Position   int
	Recipients []snowflake.ID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ToModel converts the internal channel struct to the wire response type.
func (ch *Channel) ToModel() models.Channel {
	return models.Channel{
		ID:         ch.ID,
		GuildID:    ch.GuildID,
		Type:       ch.Type,
		Name:       ch.Name,
		ParentID:   ch.ParentID,
		Position:   ch.Position,
		Recipients: ch.Recipients,
	}
}

// CreateParams groups the inputs for creating a new guild channel.
type CreateParams struct {
	ID       snowflake.ID
	GuildID  snowflake.ID
	Name     string
	Type     string
	ParentID *snowflake.ID
}

// UpdateParams groups the optional fields for updating a channel. SetParentNull distinguishes "no change" (nil
// ParentID with SetParentNull false) from "remove from category" (nil ParentID with SetParentNull true).
type UpdateParams struct {
	Name          *string
	ParentID      *snowflake.ID
	SetParentNull bool
	Position      *int
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

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateGuildType checks that the channel type is one a client may create inside a guild.
func ValidateGuildType(t string) error {
	if !validGuildTypes[t] {
		return ErrInvalidType
	}
	return nil
}

// Repository defines the data-access contract for channel operations.
type Repository interface {
	ListForGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Channel, error)
	Create(ctx context.Context, params CreateParams) (*Channel, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error)
	Delete(ctx context.Context, id snowflake.ID) error
	// GetOrCreateDM returns the existing DM channel between the two users, or creates one with the given ID.
	GetOrCreateDM(ctx context.Context, id, userA, userB snowflake.ID) (*Channel, bool, error)
	ListDMsForUser(ctx context.Context, userID snowflake.ID) ([]Channel, error)
	IsDMRecipient(ctx context.Context, channelID, userID snowflake.ID) (bool, error)
}
