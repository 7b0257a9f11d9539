package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handler is invoked for every envelope received on a subscribed channel.
type Handler func(channel string, env Envelope)

// Subscriber maintains a single pub/sub connection with a reference-counted
// set of channel subscriptions. Gateway sessions for the same guild share one
// underlying subscription; the channel is left only when the last session
// releases it. The broadcast channel is always held.
type Subscriber struct {
	rdb      *redis.Client
	handler  Handler
	log      zerolog.Logger
	patterns []string

	mu   sync.Mutex
	refs map[string]int
	sub  *redis.PubSub
}

// NewSubscriber creates a subscriber that dispatches envelopes to handler. Patterns are glob-style channel patterns
// held for the lifetime of the subscriber; the gateway uses "channel:*" so it never has to track the full set of
// text and DM channels its sessions can see.
func NewSubscriber(rdb *redis.Client, handler Handler, logger zerolog.Logger, patterns ...string) *Subscriber {
	return &Subscriber{
		rdb:      rdb,
		handler:  handler,
		log:      logger.With().Str("component", "eventbus").Logger(),
		patterns: patterns,
		refs:     make(map[string]int),
	}
}

// Run opens the pub/sub connection and dispatches messages until the context
// is cancelled. The go-redis client reconnects and resubscribes to the held
// channel set on connection loss, so a dropped bus connection surfaces as a
// delivery gap, not an error. This method blocks and should be called in a
// goroutine.
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.Lock()
	s.sub = s.rdb.Subscribe(ctx, BroadcastChannel)
	// Channels acquired before Run started.
	held := make([]string, 0, len(s.refs))
	for ch := range s.refs {
		held = append(held, ch)
	}
	sub := s.sub
	s.mu.Unlock()

	if len(held) > 0 {
		if err := sub.Subscribe(ctx, held...); err != nil {
			s.log.Warn().Err(err).Msg("Failed to restore held bus subscriptions")
		}
	}
	if len(s.patterns) > 0 {
		if err := sub.PSubscribe(ctx, s.patterns...); err != nil {
			s.log.Warn().Err(err).Msg("Failed to subscribe bus patterns")
		}
	}
	defer func() { _ = sub.Close() }()

	s.log.Info().Msg("Event bus subscriber running")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("Invalid bus envelope")
				continue
			}
			s.handler(msg.Channel, env)
		}
	}
}

// Subscribe acquires a reference on each channel, joining those not yet held.
func (s *Subscriber) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	var fresh []string
	for _, ch := range channels {
		if s.refs[ch] == 0 {
			fresh = append(fresh, ch)
		}
		s.refs[ch]++
	}
	sub := s.sub
	s.mu.Unlock()

	if sub == nil || len(fresh) == 0 {
		return nil
	}
	return sub.Subscribe(ctx, fresh...)
}

// Unsubscribe releases a reference on each channel, leaving those that reach
// zero.
func (s *Subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	var drained []string
	for _, ch := range channels {
		if s.refs[ch] == 0 {
			continue
		}
		s.refs[ch]--
		if s.refs[ch] == 0 {
			delete(s.refs, ch)
			drained = append(drained, ch)
		}
	}
	sub := s.sub
	s.mu.Unlock()

	if sub == nil || len(drained) == 0 {
		return nil
	}
	return sub.Unsubscribe(ctx, drained...)
}
