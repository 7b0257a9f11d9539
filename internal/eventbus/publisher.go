package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Publisher serialises dispatch events into envelopes and publishes them to
// the bus. Publishing is fire-and-forget from the caller's point of view: a
// failed publish is logged and must never fail the mutation that triggered it.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger.With().Str("component", "eventbus").Logger()}
}

// ToGuild publishes an event on the guild's channel. Users in exclude do not receive it.
func (p *Publisher) ToGuild(ctx context.Context, guildID snowflake.ID, event events.DispatchEvent, data any, exclude ...snowflake.ID) {
	p.publish(ctx, GuildChannel(guildID), event, data, &Target{GuildID: &guildID, ExcludeUsers: exclude})
}

// ToChannel publishes an event on a text or DM channel's bus channel. A non-nil guildID lets subscribers run the
// guild-level permission filter without a lookup.
func (p *Publisher) ToChannel(ctx context.Context, channelID snowflake.ID, guildID *snowflake.ID, event events.DispatchEvent, data any, exclude ...snowflake.ID) {
	p.publish(ctx, ChannelChannel(channelID), event, data,
		&Target{GuildID: guildID, ChannelID: &channelID, ExcludeUsers: exclude})
}

// ToUser publishes an event addressed to all of one user's sessions.
func (p *Publisher) ToUser(ctx context.Context, userID snowflake.ID, event events.DispatchEvent, data any) {
	p.publish(ctx, UserChannel(userID), event, data, nil)
}

// Broadcast publishes a service-wide event to every gateway process.
func (p *Publisher) Broadcast(ctx context.Context, event events.DispatchEvent, data any) {
	p.publish(ctx, BroadcastChannel, event, data, nil)
}

func (p *Publisher) publish(ctx context.Context, channel string, event events.DispatchEvent, data any, target *Target) {
	payload, err := p.encode(event, data, target)
	if err != nil {
		p.log.Error().Err(err).Str("event", string(event)).Msg("Failed to encode bus envelope")
		return
	}
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		p.log.Warn().Err(err).Str("event", string(event)).Str("channel", channel).
			Msg("Failed to publish bus event")
	}
}

func (p *Publisher) encode(event events.DispatchEvent, data any, target *Target) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	payload, err := json.Marshal(Envelope{Event: string(event), Data: raw, Target: target})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}
