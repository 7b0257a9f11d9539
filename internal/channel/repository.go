package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/postgres"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

const selectColumns = "id, guild_id, type, name, parent_id, position, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// ListForGuild returns the guild's channels ordered by position then ID.
func (r *PGRepository) ListForGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE guild_id = $1 ORDER BY position, id", selectColumns),
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// GetByID returns the channel matching the given ID. DM channels come back with their recipients loaded.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE id = $1", selectColumns), id,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}

	if ch.Type == TypeDM {
		if ch.Recipients, err = r.recipients(ctx, ch.ID); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// Create inserts a new guild channel inside a transaction that validates the parent reference and auto-assigns a
// position at the end of the guild's list.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	var ch *Channel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.ParentID != nil {
			var parentType string
			var parentGuild *snowflake.ID
			err := tx.QueryRow(ctx,
				"SELECT type, guild_id FROM channels WHERE id = $1", *params.ParentID,
			).Scan(&parentType, &parentGuild)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrParentNotFound
			}
			if err != nil {
				return fmt.Errorf("check parent: %w", err)
			}
			if parentType != TypeCategory || parentGuild == nil || *parentGuild != params.GuildID {
				return ErrInvalidParent
			}
		}

		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO channels (id, guild_id, type, name, parent_id, position)
				 VALUES ($1, $2, $3, $4, $5,
				         COALESCE((SELECT MAX(position) FROM channels WHERE guild_id = $2), -1) + 1)
				 RETURNING %s`, selectColumns),
			params.ID, params.GuildID, params.Type, params.Name, params.ParentID,
		)
		var err error
		ch, err = scanChannel(row)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Update applies the non-nil fields in params to the channel row and returns the updated channel.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error) {
	setClauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	argPos := 1

	if params.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argPos))
		args = append(args, *params.Name)
		argPos++
	}
	if params.SetParentNull {
		setClauses = append(setClauses, "parent_id = NULL")
	} else if params.ParentID != nil {
		var parentType string
		err := r.db.QueryRow(ctx, "SELECT type FROM channels WHERE id = $1", *params.ParentID).Scan(&parentType)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParentNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("check parent: %w", err)
		}
		if parentType != TypeCategory {
			return nil, ErrInvalidParent
		}
		setClauses = append(setClauses, fmt.Sprintf("parent_id = $%d", argPos))
		args = append(args, *params.ParentID)
		argPos++
	}
	if params.Position != nil {
		setClauses = append(setClauses, fmt.Sprintf("position = $%d", argPos))
		args = append(args, *params.Position)
		argPos++
	}

	// No fields to update. Return the current row without issuing an UPDATE so a no-op PATCH does not bump updated_at.
	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := fmt.Sprintf(
		"UPDATE channels SET %s WHERE id = $%d RETURNING %s",
		strings.Join(setClauses, ", "), argPos, selectColumns,
	)
	args = append(args, id)

	row := r.db.QueryRow(ctx, query, args...)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update channel: %w", err)
	}
	return ch, nil
}

// Delete removes the channel with the given ID. Messages and DM recipient rows go with it via ON DELETE CASCADE.
func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM channels WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrCreateDM returns the DM channel shared by the two users, creating it with the given ID if none exists. The
// second return value reports whether a new channel was created.
func (r *PGRepository) GetOrCreateDM(ctx context.Context, id, userA, userB snowflake.ID) (*Channel, bool, error) {
	if userA == userB {
		return nil, false, ErrSelfDM
	}

	var existingID snowflake.ID
	err := r.db.QueryRow(ctx,
		`SELECT a.channel_id
		 FROM dm_recipients a
		 JOIN dm_recipients b ON b.channel_id = a.channel_id
		 WHERE a.user_id = $1 AND b.user_id = $2`,
		userA, userB,
	).Scan(&existingID)
	if err == nil {
		ch, getErr := r.GetByID(ctx, existingID)
		return ch, false, getErr
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("find DM channel: %w", err)
	}

	var ch *Channel
	err = postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO channels (id, type) VALUES ($1, 'dm') RETURNING %s`, selectColumns),
			id,
		)
		var scanErr error
		ch, scanErr = scanChannel(row)
		if scanErr != nil {
			return fmt.Errorf("insert DM channel: %w", scanErr)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO dm_recipients (channel_id, user_id) VALUES ($1, $2), ($1, $3)`,
			id, userA, userB,
		)
		if err != nil {
			return fmt.Errorf("insert DM recipients: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	ch.Recipients = []snowflake.ID{userA, userB}
	return ch, true, nil
}

// ListDMsForUser returns every DM channel the user participates in, with recipients loaded.
func (r *PGRepository) ListDMsForUser(ctx context.Context, userID snowflake.ID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		`SELECT c.id, c.guild_id, c.type, c.name, c.parent_id, c.position, c.created_at, c.updated_at
		 FROM channels c
		 JOIN dm_recipients d ON d.channel_id = c.id
		 WHERE d.user_id = $1
		 ORDER BY c.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query DM channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan DM channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate DM channels: %w", err)
	}

	for i := range channels {
		if channels[i].Recipients, err = r.recipients(ctx, channels[i].ID); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

// IsDMRecipient reports whether the user is a recipient of the given DM channel.
func (r *PGRepository) IsDMRecipient(ctx context.Context, channelID, userID snowflake.ID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM dm_recipients WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check DM recipient: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) recipients(ctx context.Context, channelID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM dm_recipients WHERE channel_id = $1 ORDER BY user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query DM recipients: %w", err)
	}
	defer rows.Close()

	var ids []snowflake.ID
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan DM recipient: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanChannel scans a single row into a Channel struct.
func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(
		&ch.ID, &ch.GuildID, &ch.Type, &ch.Name, &ch.ParentID,
		&ch.Position, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}
