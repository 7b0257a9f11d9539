// Package models holds the JSON data-transfer types shared by the REST API
// and the gateway. IDs are snowflakes and serialise as decimal strings.
package models

import (
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// User is the public view of an account. The (username, discriminator) pair
// is globally unique.
type User struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
}

// Guild is a container of channels, roles, and members.
type Guild struct {
	ID      snowflake.ID `json:"id"`
	Name    string       `json:"name"`
	OwnerID snowflake.ID `json:"owner_id"`
}

// UnavailableGuild is the stub sent in READY before the per-guild
// GUILD_CREATE snapshots arrive.
type UnavailableGuild struct {
	ID          snowflake.ID `json:"id"`
	Unavailable bool         `json:"unavailable"`
}

// Channel types.
const (
	ChannelTypeText     = "text"
	ChannelTypeCategory = "category"
	ChannelTypeDM       = "dm"
)

// Channel is a text channel, category, or DM. DMs have no guild; categories
// have no parent.
type Channel struct {
	ID         snowflake.ID   `json:"id"`
	GuildID    *snowflake.ID  `json:"guild_id,omitempty"`
	Type       string         `json:"type"`
	Name       string         `json:"name,omitempty"`
	ParentID   *snowflake.ID  `json:"parent_id,omitempty"`
	Position   int            `json:"position"`
	Recipients []snowflake.ID `json:"recipients,omitempty"`
}

// Role is a named permission set within a guild. The everyone-role's ID
// equals the guild's ID.
type Role struct {
	ID          snowflake.ID           `json:"id"`
	GuildID     snowflake.ID           `json:"guild_id"`
	Name        string                 `json:"name"`
	Position    int                    `json:"position"`
	Permissions permissions.Permission `json:"permissions"`
	IsEveryone  bool                   `json:"is_everyone"`
}

// Member is a user's membership in a guild with their assigned roles.
type Member struct {
	GuildID  snowflake.ID   `json:"guild_id"`
	User     User           `json:"user"`
	RoleIDs  []snowflake.ID `json:"role_ids"`
	JoinedAt string         `json:"joined_at"`
}

// Message is a message in a text or DM channel.
type Message struct {
	ID        snowflake.ID  `json:"id"`
	ChannelID snowflake.ID  `json:"channel_id"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
	Author    User          `json:"author"`
	Content   string        `json:"content"`
	EditedAt  *string       `json:"edited_at,omitempty"`
	CreatedAt string        `json:"created_at"`
}

// Invite is a redeemable guild invitation.
type Invite struct {
	Code      string       `json:"code"`
	GuildID   snowflake.ID `json:"guild_id"`
	InviterID snowflake.ID `json:"inviter_id"`
	Uses      int          `json:"uses"`
	MaxUses   int          `json:"max_uses"`
	CreatedAt string       `json:"created_at"`
}

// PresenceState is a user's visible presence.
type PresenceState struct {
	UserID snowflake.ID `json:"user_id"`
	Status string       `json:"status"`
}

// HelloData is the op 10 payload.
type HelloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// ClientProperties describes the connecting client.
type ClientProperties struct {
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	Device  string `json:"device,omitempty"`
}

// IdentifyData is the op 2 payload.
type IdentifyData struct {
	Token      string            `json:"token"`
	Properties *ClientProperties `json:"properties,omitempty"`
}

// ResumeData is the op 4 payload.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresenceUpdateData is the op 3 payload and the PRESENCE_UPDATE dispatch
// body.
type PresenceUpdateData struct {
	UserID snowflake.ID `json:"user_id,omitempty"`
	Status string       `json:"status"`
}

// ReadyData is the READY dispatch payload. Guilds arrive as unavailable
// stubs; a GUILD_CREATE snapshot follows for each.
type ReadyData struct {
	Version          int                `json:"v"`
	User             User               `json:"user"`
	Guilds           []UnavailableGuild `json:"guilds"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
}

// GuildSnapshot is the GUILD_CREATE dispatch payload: the full visible state
// of one guild.
type GuildSnapshot struct {
	Guild
	Channels  []Channel       `json:"channels"`
	Roles     []Role          `json:"roles"`
	Members   []Member        `json:"members"`
	Presences []PresenceState `json:"presences"`
}

// TypingStartData is the TYPING_START dispatch payload.
type TypingStartData struct {
	ChannelID snowflake.ID  `json:"channel_id"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
	UserID    snowflake.ID  `json:"user_id"`
	Timestamp int64         `json:"timestamp"`
}

// MemberRemoveData is the GUILD_MEMBER_REMOVE dispatch payload.
type MemberRemoveData struct {
	GuildID snowflake.ID `json:"guild_id"`
	User    User         `json:"user"`
}

// Ban is a guild ban entry. It doubles as the GUILD_BAN_ADD and
// GUILD_BAN_REMOVE dispatch payload.
type Ban struct {
	GuildID   snowflake.ID `json:"guild_id"`
	User      User         `json:"user"`
	Reason    *string      `json:"reason"`
	CreatedAt string       `json:"created_at"`
}

// MessageDeleteData is the MESSAGE_DELETE dispatch payload.
type MessageDeleteData struct {
	ID        snowflake.ID  `json:"id"`
	ChannelID snowflake.ID  `json:"channel_id"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
}

// GuildDeleteData is the GUILD_DELETE dispatch payload.
type GuildDeleteData struct {
	ID snowflake.ID `json:"id"`
}

// RoleDeleteData is the ROLE_DELETE dispatch payload.
type RoleDeleteData struct {
	ID      snowflake.ID `json:"id"`
	GuildID snowflake.ID `json:"guild_id"`
}
