package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE classes the repositories translate into domain sentinels. Unique violations usually mean "already exists"
// (duplicate tag, duplicate ban); foreign key violations mean a referenced row is gone.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
)

// sqlstate extracts the SQLSTATE code from a (possibly wrapped) pgx error, or "" for non-Postgres errors.
func sqlstate(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return sqlstate(err) == sqlstateUniqueViolation
}

// IsForeignKeyViolation reports whether err is a foreign key constraint violation.
func IsForeignKeyViolation(err error) bool {
	return sqlstate(err) == sqlstateForeignKeyViolation
}
