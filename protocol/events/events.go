// Package events defines the gateway wire protocol: opcodes, the frame
// envelope, and the dispatch event names.
package events

import "encoding/json"

// Opcode identifies the frame type.
type Opcode uint8

const (
	// OpcodeDispatch carries a named event with a sequence number (S→C).
	OpcodeDispatch Opcode = 0
	// OpcodeHeartbeat is the client's keepalive; d is the last seen
	// sequence or null (C→S).
	OpcodeHeartbeat Opcode = 1
	// OpcodeIdentify authenticates a new session (C→S).
	OpcodeIdentify Opcode = 2
	// OpcodePresenceUpdate sets the client's status (C→S).
	OpcodePresenceUpdate Opcode = 3
	// OpcodeResume reconnects to an existing session (C→S).
	OpcodeResume Opcode = 4
	// OpcodeReconnect asks the client to reconnect (S→C).
	OpcodeReconnect Opcode = 5
	// OpcodeInvalidSession reports a failed identify/resume; d is a bool
	// indicating whether a resume may be retried (S→C).
	OpcodeInvalidSession Opcode = 7
	// OpcodeHello is the first server frame, advertising the heartbeat
	// interval (S→C).
	OpcodeHello Opcode = 10
	// OpcodeHeartbeatACK acknowledges a client heartbeat (S→C).
	OpcodeHeartbeatACK Opcode = 11
)

// DispatchEvent names an op-0 event.
type DispatchEvent string

const (
	Ready   DispatchEvent = "READY"
	Resumed DispatchEvent = "RESUMED"

	GuildCreate DispatchEvent = "GUILD_CREATE"
	GuildUpdate DispatchEvent = "GUILD_UPDATE"
	GuildDelete DispatchEvent = "GUILD_DELETE"

	GuildMemberAdd    DispatchEvent = "GUILD_MEMBER_ADD"
	GuildMemberUpdate DispatchEvent = "GUILD_MEMBER_UPDATE"
	GuildMemberRemove DispatchEvent = "GUILD_MEMBER_REMOVE"

	GuildBanAdd    DispatchEvent = "GUILD_BAN_ADD"
	GuildBanRemove DispatchEvent = "GUILD_BAN_REMOVE"

	ChannelCreate DispatchEvent = "CHANNEL_CREATE"
	ChannelUpdate DispatchEvent = "CHANNEL_UPDATE"
	ChannelDelete DispatchEvent = "CHANNEL_DELETE"

	RoleCreate DispatchEvent = "ROLE_CREATE"
	RoleUpdate DispatchEvent = "ROLE_UPDATE"
	RoleDelete DispatchEvent = "ROLE_DELETE"

	MessageCreate DispatchEvent = "MESSAGE_CREATE"
	MessageUpdate DispatchEvent = "MESSAGE_UPDATE"
	MessageDelete DispatchEvent = "MESSAGE_DELETE"

	TypingStart    DispatchEvent = "TYPING_START"
	PresenceUpdate DispatchEvent = "PRESENCE_UPDATE"
	UserUpdate     DispatchEvent = "USER_UPDATE"

	// Reconnect is carried on the bus broadcast channel to ask every gateway
	// to send its sessions an op 5; it is never dispatched as an op 0 event.
	Reconnect DispatchEvent = "RECONNECT"
)

// Frame is the JSON envelope for every gateway message. Type and Seq are set
// only on Dispatch frames sent by the server.
type Frame struct {
	Op   Opcode          `json:"op"`
	Type *DispatchEvent  `json:"t,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}
