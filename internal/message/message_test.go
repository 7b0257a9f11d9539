package message

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harborchat/harbor-server/protocol/snowflake"
)

func TestValidateContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		maxLength int
		want      string
		wantErr   error
	}{
		{"valid simple", "hello world", 2000, "hello world", nil},
		{"trims whitespace", "  hello  ", 2000, "hello", nil},
		{"exact max length", strings.Repeat("a", 100), 100, strings.Repeat("a", 100), nil},
		{"multibyte at limit", strings.Repeat("日", 50), 50, strings.Repeat("日", 50), nil},
		{"empty after trim", "   ", 2000, "", ErrEmptyContent},
		{"empty string", "", 2000, "", ErrEmptyContent},
		{"exceeds max length", strings.Repeat("a", 101), 100, "", ErrContentTooLong},
		{"multibyte exceeds max", strings.Repeat("日", 51), 50, "", ErrContentTooLong},
		{"strips markup", "<b>bold</b> text", 2000, "bold text", nil},
		{"drops script elements", "<script>alert(1)</script>hi", 2000, "hi", nil},
		{"keeps angle brackets in plain text", "a < b && b > c", 2000, "a < b && b > c", nil},
		{"markup only", "<img src=x>", 2000, "", ErrEmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ValidateContent(tt.input, tt.maxLength)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateContent(%q, %d) error = %v, wantErr %v", tt.input, tt.maxLength, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ValidateContent(%q, %d) = %q, want %q", tt.input, tt.maxLength, got, tt.want)
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input int
		want  int
	}{
		{"zero defaults", 0, DefaultLimit},
		{"negative defaults", -1, DefaultLimit},
		{"within range", 25, 25},
		{"at minimum boundary", 1, 1},
		{"at maximum boundary", MaxLimit, MaxLimit},
		{"exceeds maximum", MaxLimit + 1, MaxLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ClampLimit(tt.input); got != tt.want {
				t.Errorf("ClampLimit(%d) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestToModel(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(100)
	created := time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)
	edited := created.Add(5 * time.Minute)

	m := Message{
		ID:                  snowflake.ID(400),
		ChannelID:           snowflake.ID(300),
		GuildID:             &guildID,
		AuthorID:            snowflake.ID(200),
		Content:             "hello",
		EditedAt:            &edited,
		CreatedAt:           created,
		AuthorUsername:      "alice",
		AuthorDiscriminator: "0042",
	}

	got := m.ToModel()
	if got.Author.ID != m.AuthorID || got.Author.Username != "alice" {
		t.Errorf("ToModel() Author = %+v", got.Author)
	}
	if got.CreatedAt != "2026-05-02T18:30:00Z" {
		t.Errorf("ToModel() CreatedAt = %q, want RFC3339 UTC", got.CreatedAt)
	}
	if got.EditedAt == nil || *got.EditedAt != "2026-05-02T18:35:00Z" {
		t.Errorf("ToModel() EditedAt = %v, want edited timestamp", got.EditedAt)
	}

	m.EditedAt = nil
	if got := m.ToModel(); got.EditedAt != nil {
		t.Errorf("ToModel() EditedAt = %v, want nil for unedited message", got.EditedAt)
	}
}
