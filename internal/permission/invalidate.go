package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// InvalidationMessage is published to trigger cache invalidation.
type InvalidationMessage struct {
	GuildID *snowflake.ID `json:"guild_id,omitempty"`
	UserID  *snowflake.ID `json:"user_id,omitempty"`
}

// Publisher sends cache invalidation messages via Valkey pub/sub so that every
// gateway process drops its stale entries, not just the one that handled the
// mutating request.
type Publisher struct {
	Client *redis.Client
}

// NewPublisher creates a new invalidation publisher.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{Client: client}
}

// InvalidateUser publishes an invalidation for all cached permissions of a user across guilds.
func (p *Publisher) InvalidateUser(ctx context.Context, userID snowflake.ID) error {
	return p.publish(ctx, InvalidationMessage{UserID: &userID})
}

// InvalidateGuild publishes an invalidation for all cached permissions within a guild. Used when roles change.
func (p *Publisher) InvalidateGuild(ctx context.Context, guildID snowflake.ID) error {
	return p.publish(ctx, InvalidationMessage{GuildID: &guildID})
}

// InvalidateMember publishes an invalidation for a specific guild+user pair. Used on role assignment changes.
func (p *Publisher) InvalidateMember(ctx context.Context, guildID, userID snowflake.ID) error {
	return p.publish(ctx, InvalidationMessage{GuildID: &guildID, UserID: &userID})
}

func (p *Publisher) publish(ctx context.Context, msg InvalidationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return p.Client.Publish(ctx, InvalidateChannel, data).Err()
}

// Subscriber listens for cache invalidation messages and removes cached entries.
type Subscriber struct {
	Cache  Cache
	Client *redis.Client
}

// NewSubscriber creates a new invalidation subscriber.
func NewSubscriber(cache Cache, client *redis.Client) *Subscriber {
	return &Subscriber{Cache: cache, Client: client}
}

// Run subscribes to the invalidation channel and processes messages until the
// context is cancelled. This method blocks and should be called in a goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.Client.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, payload string) {
	var msg InvalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Warn().Err(err).Str("payload", payload).Msg("Invalid invalidation message")
		return
	}

	var err error
	switch {
	case msg.GuildID != nil && msg.UserID != nil:
		err = s.Cache.DeleteExact(ctx, *msg.GuildID, *msg.UserID)
	case msg.GuildID != nil:
		err = s.Cache.DeleteByGuild(ctx, *msg.GuildID)
	case msg.UserID != nil:
		err = s.Cache.DeleteByUser(ctx, *msg.UserID)
	default:
		return
	}

	if err != nil {
		log.Warn().Err(err).Msg("Cache invalidation failed")
	}
}
