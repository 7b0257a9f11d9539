package member

import (
	"context"
	"errors"
	"time"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Sentinel errors for the member package.
var (
	ErrNotFound      = errors.New("member not found")
	ErrAlreadyMember = errors.New("user is already a member")
	ErrRoleNotFound  = errors.New("role not found in guild")
	ErrRoleHeld      = errors.New("member already holds the role")
	ErrEveryoneRole  = errors.New("the everyone role cannot be manually assigned or removed")
	ErrBanned        = errors.New("user is banned from this guild")
	ErrAlreadyBanned = errors.New("user is already banned")
	ErrBanNotFound   = errors.New("ban not found")
	ErrReasonLength  = errors.New("ban reason must be at most 512 characters")
)

// MaxBanReasonLength caps the free-text reason attached to a ban.
const MaxBanReasonLength = 512

// ValidateBanReason checks an optional ban reason against the length cap.
func ValidateBanReason(reason *string) error {
	if reason != nil && len(*reason) > MaxBanReasonLength {
		return ErrReasonLength
	}
	return nil
}

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Member combines a membership row with the user's public profile and the IDs
// of the roles assigned to them in the guild. The everyone-role is implicit
// and never appears in RoleIDs.
type Member struct {
	GuildID       snowflake.ID
	UserID        snowflake.ID
	Username      string
	Discriminator string
	RoleIDs       []snowflake.ID
	JoinedAt      time.Time
}

// ToModel converts the internal member type to the wire response type.
func (m *Member) ToModel() models.Member {
	roleIDs := m.RoleIDs
	if roleIDs == nil {
		roleIDs = []snowflake.ID{}
	}
	return models.Member{
		GuildID: m.GuildID,
		User: models.User{
			ID:            m.UserID,
			Username:      m.Username,
			Discriminator: m.Discriminator,
		},
		RoleIDs:  roleIDs,
		JoinedAt: m.JoinedAt.UTC().Format(time.RFC3339),
	}
}

// Ban records a user barred from rejoining a guild. The profile fields are
// joined in so ban lists render without extra lookups.
type Ban struct {
	GuildID       snowflake.ID
	UserID        snowflake.ID
	Username      string
	Discriminator string
	Reason        *string
	BannedBy      snowflake.ID
	CreatedAt     time.Time
}

// ToModel converts the internal ban type to the wire response type.
func (b *Ban) ToModel() models.Ban {
	return models.Ban{
		GuildID: b.GuildID,
		User: models.User{
			ID:            b.UserID,
			Username:      b.Username,
			Discriminator: b.Discriminator,
		},
		Reason:    b.Reason,
		CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// BanParams are the inputs for recording a ban.
type BanParams struct {
	GuildID  snowflake.ID
	UserID   snowflake.ID
	BannedBy snowflake.ID
	Reason   *string
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for member operations.
type Repository interface {
	// Listing
	List(ctx context.Context, guildID snowflake.ID, after *snowflake.ID, limit int) ([]Member, error)
	Get(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
	ListGuildIDsForUser(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)

	// Mutation
	Add(ctx context.Context, guildID, userID snowflake.ID) (*Member, error)
	Remove(ctx context.Context, guildID, userID snowflake.ID) error

	// Roles
	AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error

	// Bans
	CreateBan(ctx context.Context, params BanParams) (*Ban, error)
	GetBan(ctx context.Context, guildID, userID snowflake.ID) (*Ban, error)
	RemoveBan(ctx context.Context, guildID, userID snowflake.ID) error
	ListBans(ctx context.Context, guildID snowflake.ID) ([]Ban, error)
	IsBanned(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
}
