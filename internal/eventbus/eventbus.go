// Package eventbus carries dispatch events between REST handlers and gateway
// processes over Valkey pub/sub. Events are addressed to one of four channel
// families: guild:{id}, channel:{id}, user:{id}, and a service-wide broadcast
// channel.
package eventbus

import (
	"encoding/json"

	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// BroadcastChannel carries service-wide messages, such as reconnect requests
// before a deploy.
const BroadcastChannel = "broadcast"

// GuildChannel returns the bus channel for events visible to a guild's members.
func GuildChannel(id snowflake.ID) string { return "guild:" + id.String() }

// ChannelChannel returns the bus channel for events scoped to a single text or DM channel.
func ChannelChannel(id snowflake.ID) string { return "channel:" + id.String() }

// UserChannel returns the bus channel for events addressed to a single user's sessions.
func UserChannel(id snowflake.ID) string { return "user:" + id.String() }

// Target narrows delivery of an envelope beyond its bus channel.
type Target struct {
	GuildID      *snowflake.ID  `json:"guild_id,omitempty"`
	ChannelID    *snowflake.ID  `json:"channel_id,omitempty"`
	ExcludeUsers []snowflake.ID `json:"exclude_users,omitempty"`
}

// Excludes reports whether the target names the user in its exclusion list.
func (t *Target) Excludes(userID snowflake.ID) bool {
	if t == nil {
		return false
	}
	for _, id := range t.ExcludeUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Envelope is the JSON payload published to the bus. Data is kept raw so
// subscribers forward it without a decode/encode round trip.
type Envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Target *Target         `json:"target,omitempty"`
}
