package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client represents a single WebSocket connection. Each client runs two goroutines (readPump and writePump) that
// share state only through the bounded send channel. A user may hold several clients at once, one per device.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger
	ip   string

	// Session state, protected by mu. Written during Identify/Resume, read by the Hub during dispatch. busChannels
	// is the set of bus channels this session is subscribed to, mirrored here so unregister can release them.
	mu          sync.RWMutex
	userID      snowflake.ID
	sessionID   string
	identified  bool
	busChannels map[string]struct{}

	// seq is the session's dispatch sequence; ackSeq is the last sequence the client acknowledged via heartbeat.
	seq    atomic.Int64
	ackSeq atomic.Int64

	// dispatchMu serialises sequence assignment with enqueueing so frames enter the send buffer in sequence order.
	dispatchMu sync.Mutex

	closeOnce sync.Once

	// Rate limiting state (only accessed from readPump, no mutex needed).
	opCount             int
	opWindowStart       time.Time
	presenceCount       int
	presenceWindowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, ip string, logger zerolog.Logger) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.cfg.GatewaySendBuffer),
		log:         logger,
		ip:          ip,
		busChannels: make(map[string]struct{}),
	}
}

// UserID returns the authenticated user ID.
func (c *Client) UserID() snowflake.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the session identifier.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsIdentified returns whether the client has completed authentication.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// nextSeq increments and returns the next sequence number for a dispatch event.
func (c *Client) nextSeq() int64 {
	return c.seq.Add(1)
}

// currentSeq returns the current sequence number without incrementing.
func (c *Client) currentSeq() int64 {
	return c.seq.Load()
}

// trackChannel records a bus channel held on behalf of this session.
func (c *Client) trackChannel(ch string) {
	c.mu.Lock()
	c.busChannels[ch] = struct{}{}
	c.mu.Unlock()
}

// untrackChannel forgets a bus channel.
func (c *Client) untrackChannel(ch string) {
	c.mu.Lock()
	delete(c.busChannels, ch)
	c.mu.Unlock()
}

// trackedChannels returns a snapshot of the session's bus channels.
func (c *Client) trackedChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.busChannels))
	for ch := range c.busChannels {
		out = append(out, ch)
	}
	return out
}

// readPump reads messages from the WebSocket connection and routes them by opcode. It runs in its own goroutine and
// is responsible for closing the connection when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := c.hub.cfg.HeartbeatInterval()
	c.conn.SetReadLimit(maxMessageSize)
	// Until the client identifies, the read deadline is the identify window rather than the zombie threshold.
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.GatewayIdentifyTimeout))

	identifyTimer := time.AfterFunc(c.hub.cfg.GatewayIdentifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("Client did not identify in time")
			c.closeWithCode(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			if c.IsIdentified() {
				// Missing two heartbeat intervals trips the read deadline: a zombie, not a clean close.
				if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
					c.closeWithCode(CloseSessionTimedOut, "heartbeat timeout")
				}
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame events.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Op {
		case events.OpcodeHeartbeat:
			if !c.IsIdentified() {
				c.closeWithCode(CloseNotAuthenticated, "identify first")
				return
			}
			c.handleHeartbeat(heartbeatInterval, frame.Data)
		case events.OpcodeIdentify:
			identifyTimer.Stop()
			if !c.handleIdentify(frame.Data) {
				return
			}
			// Hand off from the identify window to the zombie threshold; heartbeats re-arm it from here on.
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
		case events.OpcodeResume:
			identifyTimer.Stop()
			if !c.handleResume(frame.Data) {
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
		case events.OpcodePresenceUpdate:
			if !c.IsIdentified() {
				c.closeWithCode(CloseNotAuthenticated, "identify first")
				return
			}
			if c.presenceRateLimited() {
				c.closeWithCode(CloseRateLimited, "presence rate limit exceeded")
				return
			}
			c.handlePresenceUpdate(frame.Data)
		default:
			// Before authentication only Identify and Resume are acceptable; the close code says so.
			if !c.IsIdentified() {
				c.closeWithCode(CloseNotAuthenticated, "identify first")
			} else {
				c.closeWithCode(CloseUnknownOpcode, "unknown opcode")
			}
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and exits
// when the send channel is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// handleHeartbeat records the client's acknowledged sequence, rearms the zombie deadline, refreshes the presence
// liveness TTL, and replies with a HeartbeatACK.
func (c *Client) handleHeartbeat(heartbeatInterval time.Duration, data json.RawMessage) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))

	var lastSeen *int64
	if len(data) > 0 {
		_ = json.Unmarshal(data, &lastSeen)
	}
	if lastSeen != nil {
		c.ackSeq.Store(*lastSeen)
	}

	c.hub.heartbeat(c)

	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build heartbeat ACK")
		return
	}
	c.enqueue(ack)
}

// handleIdentify processes an op 2 Identify payload. It returns false when the connection should stop reading.
func (c *Client) handleIdentify(data json.RawMessage) bool {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return false
	}

	var id models.IdentifyData
	if err := json.Unmarshal(data, &id); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid identify payload")
		return false
	}
	if id.Token == "" {
		c.closeWithCode(CloseAuthFailed, "token required")
		return false
	}

	return c.hub.handleIdentify(c, id.Token)
}

// handleResume processes an op 4 Resume payload. It returns false when the connection should stop reading.
func (c *Client) handleResume(data json.RawMessage) bool {
	if c.IsIdentified() {
		c.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return false
	}

	var r models.ResumeData
	if err := json.Unmarshal(data, &r); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid resume payload")
		return false
	}
	if r.Token == "" || r.SessionID == "" {
		c.closeWithCode(CloseAuthFailed, "token and session_id required")
		return false
	}

	return c.hub.handleResume(c, r)
}

// handlePresenceUpdate processes an op 3 payload. Invalid statuses are dropped rather than closing the connection.
func (c *Client) handlePresenceUpdate(data json.RawMessage) {
	var p models.PresenceUpdateData
	if err := json.Unmarshal(data, &p); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid presence payload")
		return
	}
	c.hub.handlePresenceUpdate(c, p.Status)
}

// enqueue sends a message to the client's write channel. If the channel is full, the client cannot keep up and the
// connection is closed so backpressure never stalls the Hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.closeWithCode(CloseRateLimited, "send buffer overflow")
		c.hub.unregister(c)
	}
}

// closeSend closes the send channel exactly once, stopping the write pump after it drains.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited returns true if the client has exceeded the any-opcode message rate limit.
func (c *Client) rateLimited() bool {
	now := time.Now()
	if now.Sub(c.opWindowStart) > c.hub.cfg.RateLimitWSWindow {
		c.opCount = 0
		c.opWindowStart = now
	}
	c.opCount++
	return c.opCount > c.hub.cfg.RateLimitWSCount
}

// presenceRateLimited returns true if the client has exceeded the presence-update rate limit.
func (c *Client) presenceRateLimited() bool {
	now := time.Now()
	if now.Sub(c.presenceWindowStart) > c.hub.cfg.RateLimitPresenceWindow {
		c.presenceCount = 0
		c.presenceWindowStart = now
	}
	c.presenceCount++
	return c.presenceCount > c.hub.cfg.RateLimitPresenceCount
}
