package message

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrNotAuthor      = errors.New("you can only edit your own messages")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// sanitizer strips all HTML from message content. Clients render messages as
// plain text, so markup has no business being stored.
var sanitizer = bluemonday.StrictPolicy()

// Message holds the fields read from the database, including joined author information and the owning channel's guild.
type Message struct {
	ID        snowflake.ID
	ChannelID snowflake.ID
	GuildID   *snowflake.ID
	AuthorID  snowflake.ID
	Content   string
	EditedAt  *time.Time
	CreatedAt time.Time

	// Author fields joined from the users table.
	AuthorUsername      string
	AuthorDiscriminator string
}

// ToModel converts the internal message type to the wire response type.
func (m *Message) ToModel() models.Message {
	result := models.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Author: models.User{
			ID:            m.AuthorID,
			Username:      m.AuthorUsername,
			Discriminator: m.AuthorDiscriminator,
		},
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.EditedAt != nil {
		s := m.EditedAt.UTC().Format(time.RFC3339)
		result.EditedAt = &s
	}
	return result
}

// CreateParams groups the inputs for creating a new message.
type CreateParams struct {
	ID        snowflake.ID
	ChannelID snowflake.ID
	AuthorID  snowflake.ID
	Content   string
}

// ListParams selects a page of channel history. Before and After are exclusive
// snowflake cursors; at most one should be set.
type ListParams struct {
	Before *snowflake.ID
	After  *snowflake.ID
	Limit  int
}

// ValidateContent strips HTML, trims whitespace, and checks that the result is non-empty and within the given maximum
// rune count. It returns the cleaned content on success.
func ValidateContent(content string, maxLength int) (string, error) {
	cleaned := html.UnescapeString(sanitizer.Sanitize(content))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(cleaned) > maxLength {
		return "", ErrContentTooLong
	}
	return cleaned, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Message, error)
	List(ctx context.Context, channelID snowflake.ID, params ListParams) ([]Message, error)
	Update(ctx context.Context, id snowflake.ID, content string) (*Message, error)
	Delete(ctx context.Context, id snowflake.ID) error
}
