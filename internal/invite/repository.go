package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/postgres"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

const (
	codeLength     = 8
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	maxCodeRetries = 3
)

// selectColumns lists the columns returned by queries that produce an *Invite.
const selectColumns = `code, guild_id, inviter_id, uses, max_uses, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed invite repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new invite with a randomly generated code. If the guild does not exist, ErrGuildNotFound is
// returned. Code generation retries up to maxCodeRetries on the unlikely event of a unique constraint violation.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Invite, error) {
	for attempt := range maxCodeRetries {
		code, err := generateCode()
		if err != nil {
			return nil, fmt.Errorf("generate invite code: %w", err)
		}

		inv, err := scanInvite(r.db.QueryRow(ctx,
			`INSERT INTO invites (code, guild_id, inviter_id, max_uses)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+selectColumns,
			code, params.GuildID, params.InviterID, params.MaxUses,
		))
		if err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return nil, ErrGuildNotFound
			}
			if postgres.IsUniqueViolation(err) && attempt < maxCodeRetries-1 {
				continue
			}
			if postgres.IsUniqueViolation(err) {
				return nil, ErrCodeExhausted
			}
			return nil, fmt.Errorf("insert invite: %w", err)
		}
		return inv, nil
	}

	return nil, ErrCodeExhausted
}

// GetByCode returns the invite matching the given code.
func (r *PGRepository) GetByCode(ctx context.Context, code string) (*Invite, error) {
	inv, err := scanInvite(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM invites WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite by code: %w", err)
	}
	return inv, nil
}

// ListForGuild returns the guild's invites, newest first.
func (r *PGRepository) ListForGuild(ctx context.Context, guildID snowflake.ID) ([]Invite, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM invites
		 WHERE guild_id = $1
		 ORDER BY created_at DESC, code`, guildID)
	if err != nil {
		return nil, fmt.Errorf("query invites: %w", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return invites, nil
}

// Delete removes an invite by code. Returns ErrNotFound if no matching invite exists.
func (r *PGRepository) Delete(ctx context.Context, code string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM invites WHERE code = $1", code)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Redeem atomically increments the use count of an invite with remaining uses and returns the updated invite. If the
// atomic update affects zero rows, a follow-up query determines whether the invite is missing or spent.
func (r *PGRepository) Redeem(ctx context.Context, code string) (*Invite, error) {
	inv, err := scanInvite(r.db.QueryRow(ctx,
		`UPDATE invites
		 SET uses = uses + 1
		 WHERE code = $1 AND (max_uses = 0 OR uses < max_uses)
		 RETURNING `+selectColumns,
		code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.diagnoseRedeemFailure(ctx, code)
		}
		return nil, fmt.Errorf("redeem invite: %w", err)
	}
	return inv, nil
}

// diagnoseRedeemFailure determines why an atomic redeem matched zero rows.
func (r *PGRepository) diagnoseRedeemFailure(ctx context.Context, code string) error {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM invites WHERE code = $1)", code).Scan(&exists)
	if err != nil {
		return fmt.Errorf("diagnose invite redeem failure: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrMaxUsesReached
}

// scanInvite scans a single row into an *Invite.
func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	err := row.Scan(
		&inv.Code, &inv.GuildID, &inv.InviterID,
		&inv.Uses, &inv.MaxUses, &inv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan invite: %w", err)
	}
	return &inv, nil
}

// generateCode produces a cryptographically random alphanumeric string of codeLength characters.
func generateCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
