package guild

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

const selectColumns = "id, name, owner_id, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed guild repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts the guild, its everyone-role, the owner's membership, and the default text channel in a single
// transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Guild, error) {
	var g *Guild
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO guilds (id, name, owner_id) VALUES ($1, $2, $3) RETURNING `+selectColumns,
			params.ID, params.Name, params.OwnerID,
		)
		var err error
		g, err = scanGuild(row)
		if err != nil {
			return fmt.Errorf("insert guild: %w", err)
		}

		// The everyone-role shares the guild's ID and sits at position 0.
		_, err = tx.Exec(ctx,
			`INSERT INTO roles (id, guild_id, name, position, permissions) VALUES ($1, $1, 'everyone', 0, $2)`,
			params.ID, int64(params.EveryonePerms),
		)
		if err != nil {
			return fmt.Errorf("insert everyone role: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO members (guild_id, user_id) VALUES ($1, $2)`,
			params.ID, params.OwnerID,
		)
		if err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO channels (id, guild_id, type, name, position) VALUES ($1, $2, 'text', $3, 0)`,
			params.DefaultChannelID, params.ID, params.DefaultChannelName,
		)
		if err != nil {
			return fmt.Errorf("insert default channel: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetByID returns the guild matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Guild, error) {
	g, err := scanGuild(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM guilds WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild by id: %w", err)
	}
	return g, nil
}

// ListForUser returns every guild the user is a member of, oldest first.
func (r *PGRepository) ListForUser(ctx context.Context, userID snowflake.ID) ([]Guild, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.id, g.name, g.owner_id, g.created_at, g.updated_at
		 FROM guilds g
		 JOIN members m ON m.guild_id = g.id
		 WHERE m.user_id = $1
		 ORDER BY g.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []Guild
	for rows.Next() {
		var g Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		guilds = append(guilds, g)
	}
	return guilds, rows.Err()
}

// CountForUser returns the number of guilds the user belongs to.
func (r *PGRepository) CountForUser(ctx context.Context, userID snowflake.ID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM members WHERE user_id = $1`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count guilds for user: %w", err)
	}
	return n, nil
}

// Update applies the non-nil fields in params to the guild row and returns the updated guild.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Guild, error) {
	// No fields to update. Return the current row without issuing an UPDATE so a no-op PATCH does not bump updated_at.
	if params.Name == nil {
		return r.GetByID(ctx, id)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE guilds SET name = $1, updated_at = now() WHERE id = $2 RETURNING `+selectColumns,
		*params.Name, id,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update guild: %w", err)
	}
	return g, nil
}

// Delete removes the guild. Channels, roles, members, messages, and invites go with it via ON DELETE CASCADE.
func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete guild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanGuild scans a single row into a Guild struct.
func scanGuild(row pgx.Row) (*Guild, error) {
	var g Guild
	if err := row.Scan(&g.ID, &g.Name, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}
