package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// GuildOwner returns the owner of the guild.
func (s *PGStore) GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	var ownerID snowflake.ID
	err := s.db.QueryRow(ctx, "SELECT owner_id FROM guilds WHERE id = $1", guildID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrGuildNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query guild owner: %w", err)
	}
	return ownerID, nil
}

// RolePermissions returns the permission bitfield and position for every role the user holds in the guild, plus the
// everyone-role, which shares the guild's ID.
func (s *PGStore) RolePermissions(ctx context.Context, guildID, userID snowflake.ID) ([]RolePermEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.position, r.permissions FROM roles r
		JOIN member_roles mr ON mr.role_id = r.id
		WHERE mr.guild_id = $1 AND mr.user_id = $2
		UNION
		SELECT r.id, r.position, r.permissions FROM roles r
		WHERE r.id = $1
	`, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	var entries []RolePermEntry
	for rows.Next() {
		var e RolePermEntry
		var perms int64
		if err := rows.Scan(&e.RoleID, &e.Position, &perms); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		e.Permissions = permissions.Permission(uint64(perms))
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
