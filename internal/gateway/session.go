package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Session states persisted in the Valkey record. A Connected session has no TTL; a Disconnected session expires after
// the resume window and then can no longer be resumed.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

// sessionRecord is the JSON structure persisted under ws_session:{id}. It is the authoritative copy of the session
// while the client is Disconnected; while Connected, the local handle owns the state and the record is a shadow.
type sessionRecord struct {
	UserID         snowflake.ID `json:"user_id"`
	LastSeq        int64        `json:"last_seq"`
	State          string       `json:"state"`
	DisconnectedAt int64        `json:"disconnected_at,omitempty"`
}

// Session is a loaded session record.
type Session struct {
	ID      string
	UserID  snowflake.ID
	LastSeq int64
	State   string
}

// SessionStore manages gateway session records and replay buffers in Valkey. Each session has a record under
// ws_session:{id}, an event list under ws_events:{id} capped at the replay buffer size, and membership in a per-user
// index under user_ws_sessions:{user_id}. The resume TTL is applied only while a session is Disconnected; appending
// events never extends it, so a parked session expires on schedule no matter how busy its channels are.
type SessionStore struct {
	rdb       *redis.Client
	ttl       time.Duration
	maxReplay int
}

// NewSessionStore creates a new session store backed by the given Valkey client.
func NewSessionStore(rdb *redis.Client, ttl time.Duration, maxReplay int) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, maxReplay: maxReplay}
}

func sessionKey(sessionID string) string { return "ws_session:" + sessionID }
func eventsKey(sessionID string) string  { return "ws_events:" + sessionID }

func userSessionsKey(userID snowflake.ID) string { return "user_ws_sessions:" + userID.String() }

// Create writes a fresh Connected session record with sequence 0 and indexes it under the owning user.
func (s *SessionStore) Create(ctx context.Context, sessionID string, userID snowflake.ID) error {
	data, err := json.Marshal(sessionRecord{UserID: userID, State: StateConnected})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sessionID), data, 0)
	pipe.SAdd(ctx, userSessionsKey(userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get loads a session record. Returns ErrSessionNotFound if the record does not exist or has expired.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &Session{ID: sessionID, UserID: rec.UserID, LastSeq: rec.LastSeq, State: rec.State}, nil
}

// MarkDisconnected parks a session for resume: the record flips to Disconnected with the last delivered sequence,
// and both the record and the replay buffer are given the resume TTL.
func (s *SessionStore) MarkDisconnected(ctx context.Context, sessionID string, userID snowflake.ID, lastSeq int64) error {
	data, err := json.Marshal(sessionRecord{
		UserID:         userID,
		LastSeq:        lastSeq,
		State:          StateDisconnected,
		DisconnectedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sessionID), data, s.ttl)
	pipe.Expire(ctx, eventsKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark session disconnected: %w", err)
	}
	return nil
}

// MarkConnected transitions a resumed session back to Connected and clears the TTL from the record and buffer.
func (s *SessionStore) MarkConnected(ctx context.Context, sessionID string, userID snowflake.ID, lastSeq int64) error {
	data, err := json.Marshal(sessionRecord{UserID: userID, LastSeq: lastSeq, State: StateConnected})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(sessionID), data, 0)
	pipe.Persist(ctx, eventsKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark session connected: %w", err)
	}
	return nil
}

// Delete removes a session record, its replay buffer, and its index entry. Used on clean client close and on logout.
func (s *SessionStore) Delete(ctx context.Context, sessionID string, userID snowflake.ID) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID), eventsKey(sessionID))
	pipe.SRem(ctx, userSessionsKey(userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SessionIDsForUser returns every session ID indexed for the user, live or parked.
func (s *SessionStore) SessionIDsForUser(ctx context.Context, userID snowflake.ID) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions for user: %w", err)
	}
	return ids, nil
}

// InvalidateAllForUser removes every session record and replay buffer belonging to the user. Used on logout so stolen
// resume handles die with the refresh token.
func (s *SessionStore) InvalidateAllForUser(ctx context.Context, userID snowflake.ID) error {
	ids, err := s.SessionIDsForUser(ctx, userID)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, sessionKey(id), eventsKey(id))
	}
	pipe.Del(ctx, userSessionsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate sessions for user: %w", err)
	}
	return nil
}

// replayEntry stores a serialised dispatch frame alongside its sequence number for filtering during replay.
type replayEntry struct {
	Seq     int64           `json:"s"`
	Payload json.RawMessage `json:"p"`
}

// AppendEvent pushes a serialised dispatch frame onto the session's replay buffer, trimming to the configured
// maximum (oldest dropped). The buffer TTL is deliberately not refreshed here: only MarkDisconnected arms it, so a
// parked session's resume window is fixed at disconnect time.
func (s *SessionStore) AppendEvent(ctx context.Context, sessionID string, seq int64, payload json.RawMessage) error {
	entry, err := json.Marshal(replayEntry{Seq: seq, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}

	key := eventsKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, int64(s.maxReplay)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

// AppendDisconnected sequences and buffers an event for a parked session. While a session is Disconnected its record
// is the authoritative sequence counter, and the parking process is the only writer, so the next number comes from
// incrementing the record. Returns ErrSessionNotFound when the record is gone or the session is Connected again (a
// live session sequences its own frames wherever it is attached).
func (s *SessionStore) AppendDisconnected(ctx context.Context, sessionID string, event events.DispatchEvent, data json.RawMessage) error {
	key := sessionKey(sessionID)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}
	if rec.State != StateDisconnected {
		return ErrSessionNotFound
	}

	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("read session ttl: %w", err)
	}
	if ttl <= 0 {
		return ErrSessionNotFound
	}

	rec.LastSeq++
	frame, err := NewDispatchFrame(rec.LastSeq, event, data)
	if err != nil {
		return fmt.Errorf("build dispatch frame: %w", err)
	}
	entry, err := json.Marshal(replayEntry{Seq: rec.LastSeq, Payload: frame})
	if err != nil {
		return fmt.Errorf("marshal replay entry: %w", err)
	}
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	buffer := eventsKey(sessionID)
	pipe := s.rdb.TxPipeline()
	// The record goes back with its remaining TTL so the resume window stays fixed at disconnect time.
	pipe.Set(ctx, key, updated, ttl)
	pipe.LPush(ctx, buffer, entry)
	pipe.LTrim(ctx, buffer, 0, int64(s.maxReplay)-1)
	pipe.Expire(ctx, buffer, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append disconnected event: %w", err)
	}
	return nil
}

// Replay returns the buffered dispatch frames with sequence numbers strictly greater than afterSeq, oldest first and
// never renumbered. lastSeq is the sequence the session had reached at disconnect. If the buffer has already dropped
// events the client has not seen, the gap cannot be filled and Replay returns ErrInvalidSequence; the caller must
// tell the client to re-identify.
func (s *SessionStore) Replay(ctx context.Context, sessionID string, afterSeq, lastSeq int64) ([]json.RawMessage, error) {
	raw, err := s.rdb.LRange(ctx, eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay buffer: %w", err)
	}

	if len(raw) == 0 {
		if afterSeq < lastSeq {
			return nil, ErrInvalidSequence
		}
		return nil, nil
	}

	// LPUSH stores newest first; walk backwards for FIFO replay order.
	oldest := int64(0)
	var result []json.RawMessage
	for i := len(raw) - 1; i >= 0; i-- {
		var entry replayEntry
		if err := json.Unmarshal([]byte(raw[i]), &entry); err != nil {
			continue
		}
		if oldest == 0 || entry.Seq < oldest {
			oldest = entry.Seq
		}
		if entry.Seq > afterSeq {
			result = append(result, entry.Payload)
		}
	}

	// Buffer wrapped past the client's position: events between afterSeq and the oldest retained entry are gone.
	if afterSeq+1 < oldest {
		return nil, ErrInvalidSequence
	}
	return result, nil
}

const sessionIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewSessionID generates a random 128-bit session identifier encoded in base62.
func NewSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}

	n := new(big.Int).SetBytes(buf[:])
	base := big.NewInt(int64(len(sessionIDAlphabet)))
	digit := new(big.Int)

	id := make([]byte, 0, 22)
	for n.Sign() > 0 {
		n.DivMod(n, base, digit)
		id = append(id, sessionIDAlphabet[digit.Int64()])
	}
	for len(id) < 22 {
		id = append(id, '0')
	}
	return string(id), nil
}
