package user

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

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, username, discriminator, created_at`

// selectCredentialsColumns lists the columns returned by queries that produce a *Credentials. The order must match
// scanCredentials.
const selectCredentialsColumns = `id, username, discriminator, created_at, password_hash, totp_secret`

// scanUser scans a single row into a *User. The row must contain the columns listed in selectColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Discriminator, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// scanCredentials scans a single row into a *Credentials. The row must contain the columns listed in
// selectCredentialsColumns.
func scanCredentials(row pgx.Row) (*Credentials, error) {
	var c Credentials
	err := row.Scan(&c.ID, &c.Username, &c.Discriminator, &c.CreatedAt, &c.PasswordHash, &c.TOTPSecret)
	if err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	return &c, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new user row. Returns ErrAlreadyExists if the (username, discriminator) pair is taken.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`INSERT INTO users (id, username, discriminator, password_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+selectColumns,
		params.ID, params.Username, params.Discriminator, params.PasswordHash,
	))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID returns the user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByTag returns the user with credentials matching the given username and discriminator. This is one of two methods
// that return credentials, since it serves the authentication path.
func (r *PGRepository) GetByTag(ctx context.Context, username, discriminator string) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx,
		`SELECT `+selectCredentialsColumns+` FROM users WHERE username = $1 AND discriminator = $2`,
		username, discriminator))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by tag: %w", err)
	}
	return c, nil
}

// GetCredentialsByID returns the user with credentials matching the given ID.
func (r *PGRepository) GetCredentialsByID(ctx context.Context, id snowflake.ID) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx,
		`SELECT `+selectCredentialsColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials by id: %w", err)
	}
	return c, nil
}

// TakenDiscriminators returns the set of discriminators already in use for the given username.
func (r *PGRepository) TakenDiscriminators(ctx context.Context, username string) (map[string]bool, error) {
	rows, err := r.db.Query(ctx,
		`SELECT discriminator FROM users WHERE username = $1`, username)
	if err != nil {
		return nil, fmt.Errorf("query discriminators: %w", err)
	}
	defer rows.Close()

	taken := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan discriminator: %w", err)
		}
		taken[d] = true
	}
	return taken, rows.Err()
}

// UpdatePasswordHash updates the stored password hash for a user, used for lazy hash rotation when Argon2 parameters
// change.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, userID snowflake.ID, hash string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`,
		hash, userID,
	)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// Update applies the non-nil fields in params and returns the updated user. Returns ErrNotFound if no row matches and
// ErrAlreadyExists if a username change collides with an existing (username, discriminator) pair.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*User, error) {
	if params.Username == nil {
		return r.GetByID(ctx, id)
	}

	u, err := scanUser(r.db.QueryRow(ctx,
		`UPDATE users SET username = $1, updated_at = now() WHERE id = $2 RETURNING `+selectColumns,
		*params.Username, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// SetTOTPSecret stores or clears the account's TOTP secret.
func (r *PGRepository) SetTOTPSecret(ctx context.Context, userID snowflake.ID, secret *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET totp_secret = $1, updated_at = now() WHERE id = $2`,
		secret, userID,
	)
	if err != nil {
		return fmt.Errorf("set TOTP secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
