package models

import "github.com/harborchat/harbor-server/protocol/snowflake"

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest authenticates with username#discriminator and password. Code
// carries the TOTP code when the account has a second factor enrolled.
type LoginRequest struct {
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Password      string `json:"password"`
	Code          string `json:"code,omitempty"`
}

// RefreshRequest exchanges a refresh token for a new token pair.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is the response to a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// CreateGuildRequest creates a guild owned by the caller.
type CreateGuildRequest struct {
	Name string `json:"name"`
}

// UpdateGuildRequest updates guild settings.
type UpdateGuildRequest struct {
	Name *string `json:"name,omitempty"`
}

// CreateChannelRequest creates a guild channel.
type CreateChannelRequest struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	ParentID *snowflake.ID `json:"parent_id,omitempty"`
}

// UpdateChannelRequest updates a channel.
type UpdateChannelRequest struct {
	Name     *string       `json:"name,omitempty"`
	ParentID *snowflake.ID `json:"parent_id,omitempty"`
}

// CreateDMRequest opens (or returns) a DM channel with another user.
type CreateDMRequest struct {
	RecipientID snowflake.ID `json:"recipient_id"`
}

// CreateRoleRequest creates a guild role.
type CreateRoleRequest struct {
	Name        string `json:"name"`
	Permissions string `json:"permissions,omitempty"`
}

// UpdateRoleRequest updates a role.
type UpdateRoleRequest struct {
	Name        *string `json:"name,omitempty"`
	Permissions *string `json:"permissions,omitempty"`
	Position    *int    `json:"position,omitempty"`
}

// CreateMessageRequest posts a message to a channel.
type CreateMessageRequest struct {
	Content string `json:"content"`
}

// UpdateMessageRequest edits a message.
type UpdateMessageRequest struct {
	Content string `json:"content"`
}

// CreateInviteRequest creates a guild invite.
type CreateInviteRequest struct {
	MaxUses int `json:"max_uses,omitempty"`
}

// CreateBanRequest bans a user from a guild.
type CreateBanRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// UpdateUserRequest updates the caller's own account.
type UpdateUserRequest struct {
	Username *string `json:"username,omitempty"`
}
