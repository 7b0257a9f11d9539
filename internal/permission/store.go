package permission

import (
	"context"
	"errors"

	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// ErrGuildNotFound is returned when the guild a permission check targets does not exist.
var ErrGuildNotFound = errors.New("guild not found")

// RolePermEntry pairs a role with its position and permission bitfield.
type RolePermEntry struct {
	RoleID      snowflake.ID
	Position    int
	Permissions permissions.Permission
}

// Store provides read access to permission-related data.
type Store interface {
	// GuildOwner returns the owner of the guild, or ErrGuildNotFound.
	GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error)
	// RolePermissions returns the guild's everyone-role plus every role the
	// user holds in the guild.
	RolePermissions(ctx context.Context, guildID, userID snowflake.ID) ([]RolePermEntry, error)
}
