package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/postgres"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// memberQuery is the shared SELECT used by List and Get. It joins members with users and aggregates the assigned role
// IDs from member_roles. The everyone-role has no member_roles rows, so it never appears in the aggregate.
const memberQuery = `SELECT m.guild_id, m.user_id, u.username, u.discriminator, m.joined_at,
       COALESCE(array_agg(mr.role_id) FILTER (WHERE mr.role_id IS NOT NULL), '{}') AS role_ids
FROM members m
JOIN users u ON u.id = m.user_id
LEFT JOIN member_roles mr ON mr.guild_id = m.guild_id AND mr.user_id = m.user_id
WHERE m.guild_id = $1`

const memberGroupBy = `
GROUP BY m.guild_id, m.user_id, u.username, u.discriminator, m.joined_at`

// List returns the guild's members ordered by (joined_at, user_id) using keyset pagination. The cursor is the user_id
// from the last item on the previous page.
func (r *PGRepository) List(ctx context.Context, guildID snowflake.ID, after *snowflake.ID, limit int) ([]Member, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.db.Query(ctx,
			memberQuery+memberGroupBy+`
ORDER BY m.joined_at, m.user_id
LIMIT $2`, guildID, limit)
	} else {
		rows, err = r.db.Query(ctx,
			memberQuery+` AND (m.joined_at, m.user_id) > (
      SELECT m2.joined_at, m2.user_id FROM members m2 WHERE m2.guild_id = $1 AND m2.user_id = $2
  )`+memberGroupBy+`
ORDER BY m.joined_at, m.user_id
LIMIT $3`, guildID, *after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// Get returns a single member of the guild by user ID.
func (r *PGRepository) Get(ctx context.Context, guildID, userID snowflake.ID) (*Member, error) {
	row := r.db.QueryRow(ctx,
		memberQuery+` AND m.user_id = $2`+memberGroupBy, guildID, userID)

	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

// IsMember reports whether the user has a membership row in the guild.
func (r *PGRepository) IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM members WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// ListGuildIDsForUser returns the IDs of every guild the user belongs to, oldest guild first.
func (r *PGRepository) ListGuildIDsForUser(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT guild_id FROM members WHERE user_id = $1 ORDER BY guild_id", userID)
	if err != nil {
		return nil, fmt.Errorf("query guild ids: %w", err)
	}
	defer rows.Close()

	var ids []snowflake.ID
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Add inserts a membership row and returns the full member profile. Returns ErrAlreadyMember if the user already
// belongs to the guild. The everyone-role is implicit, so no member_roles row is written.
func (r *PGRepository) Add(ctx context.Context, guildID, userID snowflake.ID) (*Member, error) {
	_, err := r.db.Exec(ctx,
		"INSERT INTO members (guild_id, user_id) VALUES ($1, $2)", guildID, userID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("insert member: %w", err)
	}
	return r.Get(ctx, guildID, userID)
}

// Remove deletes a membership row. The member_roles rows cascade automatically.
func (r *PGRepository) Remove(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM members WHERE guild_id = $1 AND user_id = $2", guildID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignRole grants a guild role to a member. The everyone-role is rejected because every member holds it implicitly.
// Returns ErrRoleNotFound if the role does not exist in the guild, ErrNotFound if the user is not a member, and
// ErrRoleHeld if the member already has the role.
func (r *PGRepository) AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	if roleID == guildID {
		return ErrEveryoneRole
	}

	var roleGuild snowflake.ID
	err := r.db.QueryRow(ctx, "SELECT guild_id FROM roles WHERE id = $1", roleID).Scan(&roleGuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRoleNotFound
	}
	if err != nil {
		return fmt.Errorf("check role: %w", err)
	}
	if roleGuild != guildID {
		return ErrRoleNotFound
	}

	_, err = r.db.Exec(ctx,
		"INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1, $2, $3)",
		guildID, userID, roleID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrRoleHeld
		}
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RemoveRole revokes a guild role from a member. Returns ErrNotFound if the member did not hold the role.
func (r *PGRepository) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	if roleID == guildID {
		return ErrEveryoneRole
	}
	tag, err := r.db.Exec(ctx,
		"DELETE FROM member_roles WHERE guild_id = $1 AND user_id = $2 AND role_id = $3",
		guildID, userID, roleID)
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// banQuery is the shared SELECT used by ListBans and GetBan. Profile fields are joined in from users.
const banQuery = `SELECT b.guild_id, b.user_id, u.username, u.discriminator, b.reason, b.banned_by, b.created_at
FROM bans b
JOIN users u ON u.id = b.user_id
WHERE b.guild_id = $1`

// CreateBan records a ban and returns the full entry. Returns ErrAlreadyBanned if the user is already banned and
// ErrNotFound if the user does not exist.
func (r *PGRepository) CreateBan(ctx context.Context, params BanParams) (*Ban, error) {
	_, err := r.db.Exec(ctx,
		"INSERT INTO bans (guild_id, user_id, reason, banned_by) VALUES ($1, $2, $3, $4)",
		params.GuildID, params.UserID, params.Reason, params.BannedBy)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyBanned
		}
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert ban: %w", err)
	}
	return r.GetBan(ctx, params.GuildID, params.UserID)
}

// RemoveBan lifts a ban. Returns ErrBanNotFound if no ban exists for the user.
func (r *PGRepository) RemoveBan(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM bans WHERE guild_id = $1 AND user_id = $2", guildID, userID)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanNotFound
	}
	return nil
}

// ListBans returns every ban in the guild, newest first.
func (r *PGRepository) ListBans(ctx context.Context, guildID snowflake.ID) ([]Ban, error) {
	rows, err := r.db.Query(ctx, banQuery+`
ORDER BY b.created_at DESC, b.user_id DESC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		bans = append(bans, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bans: %w", err)
	}
	return bans, nil
}

// IsBanned reports whether the user has a ban row in the guild.
func (r *PGRepository) IsBanned(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM bans WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return exists, nil
}

// GetBan returns the guild's ban entry for a user. Returns ErrBanNotFound if none exists.
func (r *PGRepository) GetBan(ctx context.Context, guildID, userID snowflake.ID) (*Ban, error) {
	row := r.db.QueryRow(ctx, banQuery+` AND b.user_id = $2`, guildID, userID)

	b, err := scanBan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBanNotFound
		}
		return nil, fmt.Errorf("query ban: %w", err)
	}
	return b, nil
}

// scanMember scans a row into a Member.
func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	err := row.Scan(
		&m.GuildID, &m.UserID, &m.Username, &m.Discriminator, &m.JoinedAt,
		&m.RoleIDs,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// scanBan scans a row into a Ban.
func scanBan(row pgx.Row) (*Ban, error) {
	var b Ban
	err := row.Scan(
		&b.GuildID, &b.UserID, &b.Username, &b.Discriminator, &b.Reason,
		&b.BannedBy, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
