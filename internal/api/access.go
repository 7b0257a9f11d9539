package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// errUnknownChannel masks every channel the caller cannot see: nonexistent, in a guild they are not a member of, or
// hidden by VIEW_CHANNEL. All three cases are indistinguishable from the outside.
var errUnknownChannel = errors.New("unknown channel")

// channelGate resolves a channel and checks that the caller may see it. Handlers that operate on /channels/:channelID
// routes embed it so guild channels and DMs share one access path.
type channelGate struct {
	channels channel.Repository
	members  member.Repository
	resolver *permission.Resolver
}

// access returns the channel when the user may see it, and errUnknownChannel otherwise.
func (g *channelGate) access(ctx context.Context, userID, channelID snowflake.ID) (*channel.Channel, error) {
	ch, err := g.channels.GetByID(ctx, channelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return nil, errUnknownChannel
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}

	if ch.GuildID == nil {
		ok, err := g.channels.IsDMRecipient(ctx, channelID, userID)
		if err != nil {
			return nil, fmt.Errorf("check dm recipient: %w", err)
		}
		if !ok {
			return nil, errUnknownChannel
		}
		return ch, nil
	}

	isMember, err := g.members.IsMember(ctx, *ch.GuildID, userID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !isMember {
		return nil, errUnknownChannel
	}

	perms, err := g.resolver.ResolveChannel(ctx, userID, *ch.GuildID, channelID)
	if err != nil {
		if errors.Is(err, permission.ErrGuildNotFound) {
			return nil, errUnknownChannel
		}
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	if !perms.Has(permissions.ViewChannel) {
		return nil, errUnknownChannel
	}
	return ch, nil
}

// require additionally checks a permission beyond visibility. DM channels carry no permission model, so any required
// bit beyond visibility fails there.
func (g *channelGate) require(ctx context.Context, userID snowflake.ID, ch *channel.Channel, perm permissions.Permission) error {
	if ch.GuildID == nil {
		return permission.ErrMissingPermissions
	}
	if err := g.resolver.Require(ctx, userID, *ch.GuildID, perm); err != nil {
		if errors.Is(err, permission.ErrGuildNotFound) {
			return errUnknownChannel
		}
		return err
	}
	return nil
}
