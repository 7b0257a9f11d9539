package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConstraintPredicates(t *testing.T) {
	t.Parallel()

	duplicateBan := &pgconn.PgError{Code: "23505", ConstraintName: "bans_pkey"}
	missingGuild := &pgconn.PgError{Code: "23503", ConstraintName: "members_guild_id_fkey"}

	tests := []struct {
		name       string
		err        error
		wantUnique bool
		wantFK     bool
	}{
		{"nil", nil, false, false},
		{"plain error", errors.New("connection reset"), false, false},
		{"unique violation", duplicateBan, true, false},
		{"foreign key violation", missingGuild, false, true},
		{"wrapped unique violation", fmt.Errorf("create ban: %w", duplicateBan), true, false},
		{"wrapped foreign key violation", fmt.Errorf("add member: %w", missingGuild), false, true},
		{"other sqlstate", &pgconn.PgError{Code: "42601"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsUniqueViolation(tt.err); got != tt.wantUnique {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.wantUnique)
			}
			if got := IsForeignKeyViolation(tt.err); got != tt.wantFK {
				t.Errorf("IsForeignKeyViolation() = %v, want %v", got, tt.wantFK)
			}
		})
	}
}
