package role

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

func permissionsFromInt64(v int64) permissions.Permission {
	return permissions.Permission(uint64(v))
}

// selectColumns lists the columns returned by queries that produce a *Role. Every method that scans into a Role must
// select these columns in this exact order. See scanRole.
const selectColumns = "id, guild_id, name, position, permissions, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// ListForGuild returns the guild's roles ordered by position.
func (r *PGRepository) ListForGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE guild_id = $1 ORDER BY position, id", selectColumns),
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetByID returns the role matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Role, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE id = $1", selectColumns), id,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by id: %w", err)
	}
	return role, nil
}

// Create inserts a new role at the top of the guild's hierarchy (one above the current maximum position).
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Role, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO roles (id, guild_id, name, permissions, position)
			 VALUES ($1, $2, $3, $4, COALESCE((SELECT MAX(position) FROM roles WHERE guild_id = $2), 0) + 1)
			 RETURNING %s`, selectColumns),
		params.ID, params.GuildID, params.Name, int64(params.Permissions),
	)
	role, err := scanRole(row)
	if err != nil {
		return nil, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

// Update applies the non-nil fields in params to the role row and returns the updated role. Repositioning the
// everyone-role is rejected.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Role, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Position != nil {
		// The everyone-role is pinned at position 0.
		var isEveryone bool
		err := r.db.QueryRow(ctx, "SELECT id = guild_id FROM roles WHERE id = $1", id).Scan(&isEveryone)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("check everyone role: %w", err)
		}
		if isEveryone {
			return nil, ErrEveryoneImmutable
		}
		setClauses = append(setClauses, "position = @position")
		namedArgs["position"] = *params.Position
	}
	if params.Permissions != nil {
		setClauses = append(setClauses, "permissions = @permissions")
		namedArgs["permissions"] = int64(*params.Permissions)
	}

	// No fields to update. Return the current row without issuing an UPDATE so a no-op PATCH does not bump updated_at.
	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := "UPDATE roles SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update role: %w", err)
	}
	return role, nil
}

// Delete removes the role with the given ID. The everyone-role cannot be deleted.
func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM roles WHERE id = $1 AND id <> guild_id", id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish between "not found" and "everyone cannot be deleted" by checking if the role exists.
		var exists bool
		err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM roles WHERE id = $1)", id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check role existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrEveryoneImmutable
	}
	return nil
}

// HighestPosition returns the highest position among the user's assigned roles in the guild. The everyone-role is
// excluded because every member holds it; a member with no assigned roles sits at position 0 alongside it.
func (r *PGRepository) HighestPosition(ctx context.Context, guildID, userID snowflake.ID) (int, error) {
	var pos *int
	err := r.db.QueryRow(ctx,
		`SELECT MAX(r.position) FROM roles r
		 JOIN member_roles mr ON r.id = mr.role_id
		 WHERE mr.guild_id = $1 AND mr.user_id = $2 AND r.id <> r.guild_id`,
		guildID, userID,
	).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("query highest role position: %w", err)
	}
	if pos == nil {
		return 0, nil
	}
	return *pos, nil
}

// scanRole scans a single row into a *Role. The row must contain the columns listed in selectColumns.
func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	var perms int64
	err := row.Scan(
		&role.ID, &role.GuildID, &role.Name, &role.Position,
		&perms, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	role.Permissions = permissionsFromInt64(perms)
	return &role, nil
}
