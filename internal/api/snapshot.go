package api

import (
	"context"
	"fmt"

	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/guild"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// snapshotMemberLimit caps the member list embedded in a GUILD_CREATE payload. Larger guilds page the rest through the
// members endpoint.
const snapshotMemberLimit = 1000

// buildGuildSnapshot assembles the GUILD_CREATE payload sent to a user's own sessions when they create or join a
// guild: the guild row plus its channels, roles, members, and the presence of every connected member.
func buildGuildSnapshot(
	ctx context.Context,
	g *guild.Guild,
	channels channel.Repository,
	roles role.Repository,
	members member.Repository,
	pres *presence.Store,
) (*models.GuildSnapshot, error) {
	chs, err := channels.ListForGuild(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	rs, err := roles.ListForGuild(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	ms, err := members.List(ctx, g.ID, nil, snapshotMemberLimit)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	memberIDs := make([]snowflake.ID, len(ms))
	for i := range ms {
		memberIDs[i] = ms[i].UserID
	}
	presences, err := pres.GetMany(ctx, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("get presences: %w", err)
	}

	snapshot := &models.GuildSnapshot{
		Guild:     g.ToModel(),
		Channels:  make([]models.Channel, len(chs)),
		Roles:     make([]models.Role, len(rs)),
		Members:   make([]models.Member, len(ms)),
		Presences: presences,
	}
	for i := range chs {
		snapshot.Channels[i] = chs[i].ToModel()
	}
	for i := range rs {
		snapshot.Roles[i] = rs[i].ToModel()
	}
	for i := range ms {
		snapshot.Members[i] = ms[i].ToModel()
	}
	return snapshot, nil
}
