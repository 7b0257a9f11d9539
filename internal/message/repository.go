package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/protocol/snowflake"
)

const selectColumns = `m.id, m.channel_id, c.guild_id, m.author_id, m.content, m.edited_at, m.created_at,
u.username, u.discriminator`

const baseJoin = `FROM messages m
JOIN users u ON u.id = m.author_id
JOIN channels c ON c.id = m.channel_id`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new message and returns it with joined author and guild information.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content) VALUES ($1, $2, $3, $4)`,
		params.ID, params.ChannelID, params.AuthorID, params.Content,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return r.GetByID(ctx, params.ID)
}

// GetByID returns a single message by ID with joined author and guild information.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s %s WHERE m.id = $1", selectColumns, baseJoin), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// List returns a page of channel history, newest first. Snowflake IDs sort by creation time, so the ID alone serves as
// the pagination cursor: Before selects strictly older messages, After strictly newer ones.
func (r *PGRepository) List(ctx context.Context, channelID snowflake.ID, params ListParams) ([]Message, error) {
	var rows pgx.Rows
	var err error

	switch {
	case params.Before != nil:
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s %s
			 WHERE m.channel_id = $1 AND m.id < $2
			 ORDER BY m.id DESC
			 LIMIT $3`, selectColumns, baseJoin),
			channelID, *params.Before, params.Limit,
		)
	case params.After != nil:
		// Page forward in ascending order, then flip so every page comes back newest first.
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT * FROM (
			    SELECT %s %s
			    WHERE m.channel_id = $1 AND m.id > $2
			    ORDER BY m.id ASC
			    LIMIT $3
			 ) page ORDER BY page.id DESC`, selectColumns, baseJoin),
			channelID, *params.After, params.Limit,
		)
	default:
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s %s
			 WHERE m.channel_id = $1
			 ORDER BY m.id DESC
			 LIMIT $2`, selectColumns, baseJoin),
			channelID, params.Limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Update sets new content on a message and marks it as edited. Returns the updated message with joined author
// information.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, content string) (*Message, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE messages SET content = $1, edited_at = now() WHERE id = $2", content, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// Delete removes a message. Returns ErrNotFound if the message does not exist.
func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID, &msg.ChannelID, &msg.GuildID, &msg.AuthorID, &msg.Content,
		&msg.EditedAt, &msg.CreatedAt,
		&msg.AuthorUsername, &msg.AuthorDiscriminator,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
