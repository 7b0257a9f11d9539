// Package presence provides ephemeral presence and typing state backed by Valkey. Each user has one presence hash
// holding their status plus one field per connected gateway session; the hash carries a liveness TTL refreshed by
// heartbeats, so a user lapses to offline when every session stops heartbeating. Typing indicators use a 10-second
// TTL with SET NX to deduplicate rapid keystrokes.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

const (
	// presenceTTL is the lifetime of a presence hash. Heartbeats refresh this TTL so the hash expires only when the
	// user's last session stops sending heartbeats.
	presenceTTL = 120 * time.Second

	// typingTTL is the lifetime of a typing indicator key. Clients may re-trigger the typing endpoint, but SET NX
	// suppresses duplicate dispatches until the key expires.
	typingTTL = 10 * time.Second

	// statusField is the hash field holding the user's chosen status. All other fields are session entries.
	statusField = "status"

	// StatusOnline indicates the user is actively connected.
	StatusOnline = "online"
	// StatusIdle indicates the user is connected but inactive.
	StatusIdle = "idle"
	// StatusDND indicates the user does not want to be disturbed.
	StatusDND = "dnd"
	// StatusOffline is the implicit status when no presence hash exists. It is never stored in Valkey.
	StatusOffline = "offline"
)

// Store reads and writes ephemeral presence and typing state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a new presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Connect records a newly identified session in the user's presence hash and sets the status, refreshing the TTL.
// It returns true when this is the user's first connected session, meaning an online PRESENCE_UPDATE should be
// dispatched to the user's guilds.
func (s *Store) Connect(ctx context.Context, userID snowflake.ID, sessionID, status string) (bool, error) {
	key := presenceKey(userID)
	pipe := s.rdb.TxPipeline()
	exists := pipe.Exists(ctx, key)
	pipe.HSet(ctx, key, statusField, status, sessionField(sessionID), 1)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("connect presence for %s: %w", userID, err)
	}
	return exists.Val() == 0, nil
}

// Disconnect removes one session from the user's presence hash. It returns true when the removed session was the
// last one, in which case the hash is deleted and the user is now offline.
func (s *Store) Disconnect(ctx context.Context, userID snowflake.ID, sessionID string) (bool, error) {
	key := presenceKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, key, sessionField(sessionID))
	remaining := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("disconnect presence for %s: %w", userID, err)
	}
	// One remaining field is just the status; no sessions are left.
	if remaining.Val() > 1 {
		return false, nil
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return false, fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return true, nil
}

// SetStatus updates the user's status without touching session entries, refreshing the TTL.
func (s *Store) SetStatus(ctx context.Context, userID snowflake.ID, status string) error {
	key := presenceKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, statusField, status)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

// Get returns the user's current status. If no presence hash exists the user is offline.
func (s *Store) Get(ctx context.Context, userID snowflake.ID) (string, error) {
	val, err := s.rdb.HGet(ctx, presenceKey(userID), statusField).Result()
	if errors.Is(err, redis.Nil) {
		return StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("get presence for %s: %w", userID, err)
	}
	return val, nil
}

// GetMany returns the presence state for each connected user. Offline users are omitted, so the returned slice may
// be shorter than the input.
func (s *Store) GetMany(ctx context.Context, userIDs []snowflake.ID) ([]models.PresenceState, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGet(ctx, presenceKey(id), statusField)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	result := make([]models.PresenceState, 0, len(userIDs))
	for i, cmd := range cmds {
		status, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mget presence for %s: %w", userIDs[i], err)
		}
		result = append(result, models.PresenceState{
			UserID: userIDs[i],
			Status: status,
		})
	}
	return result, nil
}

// Refresh extends the TTL of the user's presence hash without changing its contents. Called on every heartbeat from
// any of the user's sessions.
func (s *Store) Refresh(ctx context.Context, userID snowflake.ID) error {
	if err := s.rdb.Expire(ctx, presenceKey(userID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// SetTyping records that the user started typing in the given channel. The key uses SET NX so repeated calls within
// the TTL window are no-ops. Returns true when the key was newly created (meaning a TYPING_START dispatch should be
// sent), and false when the key already existed (duplicate suppressed).
func (s *Store) SetTyping(ctx context.Context, channelID, userID snowflake.ID) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, typingKey(channelID, userID), 1, typingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("set typing for %s in %s: %w", userID, channelID, err)
	}
	return ok, nil
}

// ClearTyping removes the typing indicator for the given user in the given channel. Returns true when the key
// existed and was deleted.
func (s *Store) ClearTyping(ctx context.Context, channelID, userID snowflake.ID) (bool, error) {
	n, err := s.rdb.Del(ctx, typingKey(channelID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("clear typing for %s in %s: %w", userID, channelID, err)
	}
	return n > 0, nil
}

// ValidStatus returns true for statuses a client may set via opcode 3. StatusOffline is not valid because clients go
// offline by disconnecting.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusIdle, StatusDND:
		return true
	default:
		return false
	}
}

func presenceKey(userID snowflake.ID) string {
	return "presence:" + userID.String()
}

func sessionField(sessionID string) string {
	return "session:" + sessionID
}

func typingKey(channelID, userID snowflake.ID) string {
	return "typing:" + channelID.String() + ":" + userID.String()
}
