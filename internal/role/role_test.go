package role

import (
	"errors"
	"strings"
	"testing"

	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

func TestSentinelErrors(t *testing.T) {
	t.Parallel()

	// Verify sentinel errors are distinct and usable with errors.Is.
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", ErrNotFound},
		{"ErrNameLength", ErrNameLength},
		{"ErrInvalidPosition", ErrInvalidPosition},
		{"ErrEveryoneImmutable", ErrEveryoneImmutable},
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				if !errors.Is(a.err, b.err) {
					t.Errorf("errors.Is(%s, %s) = false, want true", a.name, b.name)
				}
			} else {
				if errors.Is(a.err, b.err) {
					t.Errorf("errors.Is(%s, %s) = true, want false", a.name, b.name)
				}
			}
		}
	}
}

func TestValidateNameRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"valid name", "Moderator", "Moderator", false},
		{"trims whitespace", "  Admin  ", "Admin", false},
		{"single char", "X", "X", false},
		{"100 chars", strings.Repeat("a", 100), strings.Repeat("a", 100), false},
		{"101 chars", strings.Repeat("a", 101), "", true},
		{"empty string", "", "", true},
		{"whitespace only", "   ", "", true},
		{"100 multibyte runes", strings.Repeat("中", 100), strings.Repeat("中", 100), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateNameRequired(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNameRequired(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateNameRequired(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidatePosition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   *int
		wantErr bool
	}{
		{"nil", nil, false},
		{"one", ptrInt(1), false},
		{"large", ptrInt(250), false},
		{"zero reserved for everyone", ptrInt(0), true},
		{"negative", ptrInt(-1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidatePosition(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePosition(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestIsEveryone(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(175928847299117063)

	everyone := Role{ID: guildID, GuildID: guildID}
	if !everyone.IsEveryone() {
		t.Error("role sharing the guild ID should be the everyone-role")
	}

	other := Role{ID: guildID + 1, GuildID: guildID, Permissions: permissions.Default}
	if other.IsEveryone() {
		t.Error("role with its own ID should not be the everyone-role")
	}
}

func TestToModel(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(100)
	r := Role{
		ID:          guildID,
		GuildID:     guildID,
		Name:        "everyone",
		Position:    0,
		Permissions: permissions.Default,
	}

	m := r.ToModel()
	if !m.IsEveryone {
		t.Error("ToModel() IsEveryone = false, want true")
	}
	if m.Permissions != permissions.Default {
		t.Errorf("ToModel() Permissions = %d, want %d", m.Permissions, permissions.Default)
	}
}

func ptrInt(n int) *int { return &n }
