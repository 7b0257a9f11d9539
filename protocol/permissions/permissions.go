// Package permissions defines the 64-bit permission bitset shared by the
// REST API and the gateway. Values are stored as BIGINT in the database and
// serialised as decimal strings in JSON.
package permissions

import (
	"encoding/json"
	"strconv"
)

// Permission is a set of permission flags.
type Permission uint64

const (
	// ViewChannel allows reading a channel and its messages.
	ViewChannel Permission = 1 << 0
	// SendMessages allows sending messages in text channels.
	SendMessages Permission = 1 << 1
	// ManageMessages allows deleting other users' messages.
	ManageMessages Permission = 1 << 2
	// ManageChannels allows creating, editing, and deleting channels.
	ManageChannels Permission = 1 << 3
	// ManageRoles allows creating, editing, deleting, and assigning roles.
	ManageRoles Permission = 1 << 4
	// ManageGuild allows editing guild settings.
	ManageGuild Permission = 1 << 5
	// KickMembers allows removing members from the guild.
	KickMembers Permission = 1 << 6
	// BanMembers allows banning members from the guild.
	BanMembers Permission = 1 << 7
	// Administrator bypasses all permission checks.
	Administrator Permission = 1 << 8
	// AttachFiles allows uploading files and images.
	AttachFiles Permission = 1 << 9
	// AddReactions allows adding emoji reactions.
	AddReactions Permission = 1 << 10
)

// Default is the permission set granted to a guild's everyone-role on
// creation.
const Default = ViewChannel | SendMessages | AddReactions | AttachFiles

// All is every permission bit set; granted to guild owners and
// administrators.
const All = Permission(^uint64(0))

// Has reports whether the set contains the given permission. Administrator
// short-circuits every check.
func (p Permission) Has(perm Permission) bool {
	if p&Administrator == Administrator {
		return true
	}
	return p&perm == perm
}

// HasAny reports whether the set contains at least one of the given bits.
func (p Permission) HasAny(perms Permission) bool {
	if p&Administrator == Administrator {
		return true
	}
	return p&perms != 0
}

// Add returns the union of the two sets.
func (p Permission) Add(perms Permission) Permission { return p | perms }

// Remove returns the set with the given bits cleared.
func (p Permission) Remove(perms Permission) Permission { return p &^ perms }

// String returns the decimal wire form.
func (p Permission) String() string { return strconv.FormatUint(uint64(p), 10) }

// MarshalJSON encodes the set as a decimal string for JavaScript safety.
func (p Permission) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts both string and number forms.
func (p *Permission) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		*p = Permission(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = Permission(n)
	return nil
}
