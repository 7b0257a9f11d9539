package invite

import (
	"context"
	"errors"
	"time"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Sentinel errors for the invite package.
var (
	ErrNotFound       = errors.New("invite not found")
	ErrMaxUsesReached = errors.New("invite has reached its maximum number of uses")
	ErrGuildNotFound  = errors.New("guild not found")
	ErrCodeExhausted  = errors.New("failed to generate unique invite code")
	ErrInvalidMaxUses = errors.New("max uses must be non-negative")
)

// Invite holds the fields read from the invites table. MaxUses of zero means
// the invite can be redeemed without limit.
type Invite struct {
	Code      string
	GuildID   snowflake.ID
	InviterID snowflake.ID
	Uses      int
	MaxUses   int
	CreatedAt time.Time
}

// ToModel converts the internal invite type to the wire response type.
func (i *Invite) ToModel() models.Invite {
	return models.Invite{
		Code:      i.Code,
		GuildID:   i.GuildID,
		InviterID: i.InviterID,
		Uses:      i.Uses,
		MaxUses:   i.MaxUses,
		CreatedAt: i.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CreateParams groups the inputs for creating a new invite.
type CreateParams struct {
	GuildID   snowflake.ID
	InviterID snowflake.ID
	MaxUses   int
}

// ValidateMaxUses checks that a max uses value is non-negative. Zero means unlimited.
func ValidateMaxUses(v int) error {
	if v < 0 {
		return ErrInvalidMaxUses
	}
	return nil
}

// Repository defines the data-access contract for invite operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Invite, error)
	GetByCode(ctx context.Context, code string) (*Invite, error)
	ListForGuild(ctx context.Context, guildID snowflake.ID) ([]Invite, error)
	Delete(ctx context.Context, code string) error
	// Redeem atomically increments an invite's use count, failing with
	// ErrMaxUsesReached once a bounded invite is spent.
	Redeem(ctx context.Context, code string) (*Invite, error)
}
