package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/config"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/guild"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// Hub is the central WebSocket connection registry and event distributor. It keys sessions by session ID so one user
// can hold several connections at once (one per device); a per-user index supports logout and presence bookkeeping.
// Events arrive over the bus subscriber, pass the visibility filter, and are sequenced per session.
type Hub struct {
	cfg      *config.Config
	sessions *SessionStore
	resolver *permission.Resolver
	users    user.Repository
	guilds   guild.Repository
	channels channel.Repository
	roles    role.Repository
	members  member.Repository
	presence *presence.Store
	bus      *eventbus.Publisher
	sub      *eventbus.Subscriber
	log      zerolog.Logger

	// clients is keyed by session ID; byUser and byChannel are secondary indexes. byChannel maps a bus channel name
	// to the sessions that should receive envelopes published on it. parked tracks disconnected sessions still inside
	// their resume window, with parkedByChannel mirroring byChannel so bus events keep reaching their replay buffers.
	mu              sync.RWMutex
	clients         map[string]*Client
	byUser          map[snowflake.ID]map[string]*Client
	byChannel       map[string]map[string]*Client
	parked          map[string]*parkedSession
	parkedByChannel map[string]map[string]struct{}

	// identifyMu guards the per-IP identify rate limit state.
	identifyMu   sync.Mutex
	lastIdentify map[string]time.Time
}

// NewHub creates a new gateway hub. The hub owns a bus subscriber holding the broadcast channel and a pattern
// subscription for channel-scoped events; guild and user channels are joined per session.
func NewHub(
	rdb *redis.Client,
	cfg *config.Config,
	sessions *SessionStore,
	resolver *permission.Resolver,
	users user.Repository,
	guilds guild.Repository,
	channels channel.Repository,
	roles role.Repository,
	members member.Repository,
	presenceStore *presence.Store,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *Hub {
	h := &Hub{
		cfg:             cfg,
		sessions:        sessions,
		resolver:        resolver,
		users:           users,
		guilds:          guilds,
		channels:        channels,
		roles:           roles,
		members:         members,
		presence:        presenceStore,
		bus:             bus,
		log:             logger.With().Str("component", "gateway").Logger(),
		clients:         make(map[string]*Client),
		byUser:          make(map[snowflake.ID]map[string]*Client),
		byChannel:       make(map[string]map[string]*Client),
		parked:          make(map[string]*parkedSession),
		parkedByChannel: make(map[string]map[string]struct{}),
		lastIdentify:    make(map[string]time.Time),
	}
	h.sub = eventbus.NewSubscriber(rdb, h.handleBusEvent, logger, "channel:*")
	return h
}

// Run drives the bus subscription loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	return h.sub.Run(ctx)
}

// ServeWebSocket initialises a new client for an upgraded WebSocket connection. It sends the Hello frame and starts
// the client's read and write pumps. The caller's goroutine becomes the read pump.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, ip string) {
	client := newClient(h, conn, ip, h.log)

	hello, err := NewHelloFrame(h.cfg.GatewayHeartbeatIntervalMS)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register adds an authenticated client to the Hub's indexes.
func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}

	sessionID := client.SessionID()
	userID := client.UserID()
	h.clients[sessionID] = client
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Client)
	}
	h.byUser[userID][sessionID] = client

	h.log.Debug().Stringer("user_id", userID).Str("session_id", sessionID).
		Int("total", len(h.clients)).Msg("Client registered")
	return nil
}

// unregister removes a client from the Hub, releases its bus subscriptions, and parks its session for resume.
func (h *Hub) unregister(client *Client) {
	sessionID := client.SessionID()
	userID := client.UserID()

	h.mu.Lock()
	current, ok := h.clients[sessionID]
	if !ok || current != client {
		h.mu.Unlock()
		client.closeSend()
		return
	}
	delete(h.clients, sessionID)
	if userSessions := h.byUser[userID]; userSessions != nil {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(h.byUser, userID)
		}
	}
	tracked := client.trackedChannels()
	for _, ch := range tracked {
		if sessions := h.byChannel[ch]; sessions != nil {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.byChannel, ch)
			}
		}
	}
	h.mu.Unlock()

	client.closeSend()

	if !client.IsIdentified() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sessions.MarkDisconnected(ctx, sessionID, userID, client.currentSeq()); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to park session on disconnect")
	}

	// The parked entry keeps the session's bus subscriptions and channel index alive for the resume window, so
	// events published while the client is away still reach its replay buffer.
	h.park(sessionID, userID, tracked)

	go h.delayedOffline(userID, sessionID)

	h.log.Debug().Stringer("user_id", userID).Str("session_id", sessionID).Msg("Client unregistered")
}

// parkedSession tracks a disconnected session during its resume window: the owner, the bus channels it was receiving
// on, and the timer that reaps it when the window closes.
type parkedSession struct {
	userID   snowflake.ID
	channels []string
	timer    *time.Timer
}

// park indexes a disconnected session so bus events keep reaching its replay buffer. The session's refcounted bus
// subscriptions stay held until the parked entry is reaped.
func (h *Hub) park(sessionID string, userID snowflake.ID, channels []string) {
	p := &parkedSession{userID: userID, channels: channels}
	p.timer = time.AfterFunc(h.cfg.GatewayResumeTTL, func() { h.reapParked(sessionID) })

	h.mu.Lock()
	if old, ok := h.parked[sessionID]; ok {
		old.timer.Stop()
	}
	h.parked[sessionID] = p
	for _, ch := range channels {
		if h.parkedByChannel[ch] == nil {
			h.parkedByChannel[ch] = make(map[string]struct{})
		}
		h.parkedByChannel[ch][sessionID] = struct{}{}
	}
	h.mu.Unlock()
}

// reapParked drops a parked session's indexes and releases the bus subscriptions it was holding. Called when the
// resume window expires, when the session resumes (here or elsewhere), and when its record is gone from the store.
func (h *Hub) reapParked(sessionID string) {
	h.mu.Lock()
	p, ok := h.parked[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.parked, sessionID)
	for _, ch := range p.channels {
		if sessions := h.parkedByChannel[ch]; sessions != nil {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.parkedByChannel, ch)
			}
		}
	}
	h.mu.Unlock()

	p.timer.Stop()

	var held []string
	for _, ch := range p.channels {
		if !strings.HasPrefix(ch, "channel:") {
			held = append(held, ch)
		}
	}
	if len(held) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sub.Unsubscribe(ctx, held...); err != nil {
			h.log.Warn().Err(err).Msg("Failed to release bus subscriptions")
		}
	}
}

// delayedOffline waits out the offline grace period, then removes the session's presence entry. If it was the user's
// last session anywhere, an offline PRESENCE_UPDATE goes to each of their guilds.
func (h *Hub) delayedOffline(userID snowflake.ID, sessionID string) {
	time.Sleep(time.Duration(h.cfg.GatewayOfflineDelayMS) * time.Millisecond)

	h.mu.RLock()
	_, reconnectedHere := h.clients[sessionID]
	h.mu.RUnlock()
	if reconnectedHere {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The session may have resumed on another process within the grace window; its presence entry is live there.
	if sess, err := h.sessions.Get(ctx, sessionID); err == nil && sess.State == StateConnected {
		return
	}

	last, err := h.presence.Disconnect(ctx, userID, sessionID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to clear presence session")
		return
	}
	if !last {
		return
	}

	guildIDs, err := h.members.ListGuildIDsForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to list guilds for offline presence")
		return
	}
	h.publishPresence(ctx, userID, presence.StatusOffline, guildIDs)
}

// heartbeat refreshes the presence liveness TTL for the session's user.
func (h *Hub) heartbeat(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.Refresh(ctx, client.UserID()); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", client.UserID()).Msg("Failed to refresh presence TTL")
	}
}

// identifyAllowed enforces the per-IP identify rate limit (one attempt per window).
func (h *Hub) identifyAllowed(ip string) bool {
	now := time.Now()
	h.identifyMu.Lock()
	defer h.identifyMu.Unlock()

	if last, ok := h.lastIdentify[ip]; ok && now.Sub(last) < h.cfg.RateLimitIdentifyWindow {
		return false
	}

	// Opportunistic prune so the map does not grow with one entry per client IP forever.
	if len(h.lastIdentify) > 10000 {
		for k, v := range h.lastIdentify {
			if now.Sub(v) >= h.cfg.RateLimitIdentifyWindow {
				delete(h.lastIdentify, k)
			}
		}
	}

	h.lastIdentify[ip] = now
	return true
}

// handleIdentify authenticates a client, creates its session, sends READY followed by per-guild GUILD_CREATE
// snapshots, and joins the session's bus channels. Returns false when the connection should stop reading.
func (h *Hub) handleIdentify(client *Client, token string) bool {
	if !h.identifyAllowed(client.ip) {
		client.closeWithCode(CloseRateLimited, "identify rate limit exceeded")
		return false
	}

	claims, err := auth.ValidateAccessToken(token, h.cfg.JWTSecret, h.cfg.PublicURL)
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return false
	}
	userID, err := claims.UserID()
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to load user for identify")
		client.closeWithCode(CloseUnknownError, "internal error")
		return false
	}

	userGuilds, err := h.guilds.ListForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to list guilds for identify")
		client.closeWithCode(CloseUnknownError, "internal error")
		return false
	}
	dms, err := h.channels.ListDMsForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to list DMs for identify")
		client.closeWithCode(CloseUnknownError, "internal error")
		return false
	}

	sessionID, err := NewSessionID()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to generate session ID")
		client.closeWithCode(CloseUnknownError, "internal error")
		return false
	}
	if err := h.sessions.Create(ctx, sessionID, userID); err != nil {
		h.log.Error().Err(err).Msg("Failed to create session record")
		client.closeWithCode(CloseUnknownError, "internal error")
		return false
	}

	client.mu.Lock()
	client.userID = userID
	client.sessionID = sessionID
	client.identified = true
	client.mu.Unlock()

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return false
	}

	h.subscribeSession(ctx, client, userGuilds, dms)

	ready := models.ReadyData{
		Version:          1,
		User:             u.ToModel(),
		Guilds:           make([]models.UnavailableGuild, len(userGuilds)),
		SessionID:        sessionID,
		ResumeGatewayURL: h.cfg.PublicURL,
	}
	for i, g := range userGuilds {
		ready.Guilds[i] = models.UnavailableGuild{ID: g.ID, Unavailable: true}
	}
	h.dispatchToClient(ctx, client, events.Ready, ready)

	for i := range userGuilds {
		snapshot, sErr := h.assembleGuildSnapshot(ctx, &userGuilds[i])
		if sErr != nil {
			h.log.Warn().Err(sErr).Stringer("guild_id", userGuilds[i].ID).Msg("Failed to assemble guild snapshot")
			continue
		}
		h.dispatchToClient(ctx, client, events.GuildCreate, snapshot)
	}

	h.announceOnline(ctx, userID, sessionID, guildIDs(userGuilds))

	h.log.Info().Stringer("user_id", userID).Str("session_id", sessionID).Msg("Client identified")
	return true
}

// handleResume restores a parked session: it verifies ownership, replays buffered events with their original
// sequence numbers, emits RESUMED, and rejoins the session's bus channels. Returns false when the connection should
// stop reading.
func (h *Hub) handleResume(client *Client, data models.ResumeData) bool {
	claims, err := auth.ValidateAccessToken(data.Token, h.cfg.JWTSecret, h.cfg.PublicURL)
	if err != nil {
		h.log.Debug().Err(err).Msg("Resume token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return false
	}
	userID, err := claims.UserID()
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := h.sessions.Get(ctx, data.SessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", data.SessionID).Msg("Session not found for resume")
		h.sendInvalidSession(client, false)
		return true
	}
	if sess.UserID != userID {
		h.log.Debug().Str("session_id", data.SessionID).Msg("Resume user does not match session owner")
		h.sendInvalidSession(client, false)
		return true
	}
	if sess.State == StateConnected {
		// The session is live elsewhere; the client must identify as a new session.
		h.sendInvalidSession(client, true)
		return true
	}
	if data.Seq > sess.LastSeq {
		client.closeWithCode(CloseInvalidSequence, "sequence ahead of server")
		return false
	}

	missed, err := h.sessions.Replay(ctx, data.SessionID, data.Seq, sess.LastSeq)
	if err != nil {
		if !errors.Is(err, ErrInvalidSequence) {
			h.log.Warn().Err(err).Str("session_id", data.SessionID).Msg("Failed to read replay buffer")
		}
		h.sendInvalidSession(client, false)
		return true
	}

	userGuilds, err := h.guilds.ListForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to list guilds for resume")
		client.closeWithCode(CloseUnknownError, "internal error")
		return false
	}
	dms, err := h.channels.ListDMsForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to list DMs for resume")
		client.closeWithCode(CloseUnknownError, "internal error")
		return false
	}

	client.mu.Lock()
	client.userID = userID
	client.sessionID = data.SessionID
	client.identified = true
	client.mu.Unlock()
	client.seq.Store(sess.LastSeq)
	client.ackSeq.Store(data.Seq)

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register resumed client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return false
	}
	if err := h.sessions.MarkConnected(ctx, data.SessionID, userID, sess.LastSeq); err != nil {
		h.log.Warn().Err(err).Str("session_id", data.SessionID).Msg("Failed to mark session connected")
	}

	h.subscribeSession(ctx, client, userGuilds, dms)
	// The live subscriptions above replace the parked hold; releasing it after acquiring keeps shared refcounts up.
	h.reapParked(data.SessionID)

	// Replayed frames keep their original sequence numbers; the server never renumbers.
	for _, payload := range missed {
		client.enqueue(payload)
	}
	h.dispatchToClient(ctx, client, events.Resumed, struct{}{})

	h.announceOnline(ctx, userID, data.SessionID, guildIDs(userGuilds))

	h.log.Info().Stringer("user_id", userID).Str("session_id", data.SessionID).
		Int("replayed", len(missed)).Msg("Client resumed")
	return true
}

// handlePresenceUpdate processes a client's opcode 3. Unknown statuses are dropped.
func (h *Hub) handlePresenceUpdate(client *Client, status string) {
	if !presence.ValidStatus(status) {
		h.log.Debug().Str("status", status).Msg("Ignoring invalid presence status")
		return
	}

	userID := client.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.SetStatus(ctx, userID, status); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set presence")
		return
	}

	guildIDs, err := h.members.ListGuildIDsForUser(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to list guilds for presence update")
		return
	}
	h.publishPresence(ctx, userID, status, guildIDs)
}

// announceOnline records the session in the presence store and, if it is the user's first connected session,
// publishes an online PRESENCE_UPDATE to their guilds.
func (h *Hub) announceOnline(ctx context.Context, userID snowflake.ID, sessionID string, guildIDs []snowflake.ID) {
	first, err := h.presence.Connect(ctx, userID, sessionID, presence.StatusOnline)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set initial presence")
		return
	}
	if first {
		h.publishPresence(ctx, userID, presence.StatusOnline, guildIDs)
	}
}

// publishPresence fans a PRESENCE_UPDATE out to each of the user's guilds, excluding the user's own sessions.
func (h *Hub) publishPresence(ctx context.Context, userID snowflake.ID, status string, guildIDs []snowflake.ID) {
	data := models.PresenceUpdateData{UserID: userID, Status: status}
	for _, gid := range guildIDs {
		h.bus.ToGuild(ctx, gid, events.PresenceUpdate, data, userID)
	}
}

// subscribeSession joins the session to its bus channels: user:{id}, each guild:{id}, and the local index entry for
// each DM channel. DM channels ride the process-level channel:* pattern, so only the index is updated for them.
func (h *Hub) subscribeSession(ctx context.Context, client *Client, userGuilds []guild.Guild, dms []channel.Channel) {
	chans := make([]string, 0, len(userGuilds)+len(dms)+1)
	chans = append(chans, eventbus.UserChannel(client.UserID()))
	for _, g := range userGuilds {
		chans = append(chans, eventbus.GuildChannel(g.ID))
	}
	for _, dm := range dms {
		chans = append(chans, eventbus.ChannelChannel(dm.ID))
	}
	h.joinChannels(ctx, client, chans...)
}

// joinChannels adds the session to the local index for each bus channel and acquires non-pattern subscriptions.
func (h *Hub) joinChannels(ctx context.Context, client *Client, chans ...string) {
	sessionID := client.SessionID()

	h.mu.Lock()
	for _, ch := range chans {
		if h.byChannel[ch] == nil {
			h.byChannel[ch] = make(map[string]*Client)
		}
		h.byChannel[ch][sessionID] = client
	}
	h.mu.Unlock()

	var subscribe []string
	for _, ch := range chans {
		client.trackChannel(ch)
		if !strings.HasPrefix(ch, "channel:") {
			subscribe = append(subscribe, ch)
		}
	}
	if len(subscribe) > 0 {
		if err := h.sub.Subscribe(ctx, subscribe...); err != nil {
			h.log.Warn().Err(err).Msg("Failed to acquire bus subscriptions")
		}
	}
}

// leaveChannel removes the session from one bus channel's index and releases the subscription if it is refcounted.
func (h *Hub) leaveChannel(ctx context.Context, client *Client, ch string) {
	sessionID := client.SessionID()

	h.mu.Lock()
	if sessions := h.byChannel[ch]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(h.byChannel, ch)
		}
	}
	h.mu.Unlock()

	client.untrackChannel(ch)
	if !strings.HasPrefix(ch, "channel:") {
		if err := h.sub.Unsubscribe(ctx, ch); err != nil {
			h.log.Warn().Err(err).Str("channel", ch).Msg("Failed to release bus subscription")
		}
	}
}

// dispatchToClient assigns the next sequence number, appends the frame to the session's replay buffer, and enqueues
// it. The per-client lock keeps frames in sequence order in the send buffer.
func (h *Hub) dispatchToClient(ctx context.Context, client *Client, event events.DispatchEvent, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(event)).Msg("Failed to marshal dispatch payload")
		return
	}

	client.dispatchMu.Lock()
	defer client.dispatchMu.Unlock()

	seq := client.nextSeq()
	frame, err := NewDispatchFrame(seq, event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", string(event)).Msg("Failed to build dispatch frame")
		return
	}

	if sid := client.SessionID(); sid != "" {
		if err := h.sessions.AppendEvent(ctx, sid, seq, frame); err != nil {
			h.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to append to replay buffer")
		}
	}
	client.enqueue(frame)
}

// sendInvalidSession enqueues an InvalidSession frame; the connection stays open so the client can identify.
func (h *Hub) sendInvalidSession(client *Client, resumable bool) {
	frame, err := NewInvalidSessionFrame(resumable)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build InvalidSession frame")
		return
	}
	client.enqueue(frame)
}

// memberScoped is the slice of a GUILD_MEMBER_* payload needed for subscription upkeep.
type memberScoped struct {
	GuildID snowflake.ID `json:"guild_id"`
	User    struct {
		ID snowflake.ID `json:"id"`
	} `json:"user"`
}

// handleBusEvent is the bus subscriber callback. It resolves the envelope to the local sessions that should see it,
// applies the visibility filter, and dispatches.
func (h *Hub) handleBusEvent(busChannel string, env eventbus.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event := events.DispatchEvent(env.Event)

	if busChannel == eventbus.BroadcastChannel {
		h.handleBroadcast(ctx, event, env)
		return
	}

	targets := h.resolveTargets(busChannel, env)

	// Typing indicators are ephemeral: no sequence number, no replay buffer entry, nothing kept for parked sessions.
	if event == events.TypingStart {
		if len(targets) == 0 {
			return
		}
		frame, err := NewEphemeralDispatchFrame(event, env.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to build ephemeral dispatch frame")
			return
		}
		for _, c := range targets {
			if h.visibleTo(ctx, c.UserID(), env) {
				c.enqueue(frame)
			}
		}
		return
	}

	for _, c := range targets {
		if !h.visibleTo(ctx, c.UserID(), env) {
			continue
		}
		h.dispatchRaw(ctx, c, event, env.Data)
		h.adjustSubscriptions(ctx, c, event, env)
	}

	h.bufferParked(ctx, busChannel, event, env)
}

// bufferParked appends the event to the replay buffers of disconnected sessions still inside their resume window, so
// a later Resume replays it. The session record's sequence counter is the authority while the session is parked.
func (h *Hub) bufferParked(ctx context.Context, busChannel string, event events.DispatchEvent, env eventbus.Envelope) {
	index := busChannel
	if env.Target != nil && env.Target.ChannelID != nil && env.Target.GuildID != nil {
		index = eventbus.GuildChannel(*env.Target.GuildID)
	}

	type parkedTarget struct {
		sessionID string
		userID    snowflake.ID
	}

	h.mu.RLock()
	ids := h.parkedByChannel[index]
	targets := make([]parkedTarget, 0, len(ids))
	for sid := range ids {
		if p := h.parked[sid]; p != nil {
			targets = append(targets, parkedTarget{sessionID: sid, userID: p.userID})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if !h.visibleTo(ctx, t.userID, env) {
			continue
		}
		if err := h.sessions.AppendDisconnected(ctx, t.sessionID, event, env.Data); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// The record expired or the session went live on another process; stop holding it here.
				h.reapParked(t.sessionID)
				continue
			}
			h.log.Warn().Err(err).Str("session_id", t.sessionID).Msg("Failed to buffer event for parked session")
		}
	}
}

// handleBroadcast delivers a service-wide envelope to every identified session. A Reconnect event becomes an op 5
// frame asking clients to reconnect elsewhere.
func (h *Hub) handleBroadcast(ctx context.Context, event events.DispatchEvent, env eventbus.Envelope) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.IsIdentified() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if event == events.Reconnect {
		frame, err := NewReconnectFrame()
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to build Reconnect frame")
			return
		}
		for _, c := range targets {
			c.enqueue(frame)
		}
		return
	}

	for _, c := range targets {
		if env.Target.Excludes(c.UserID()) {
			continue
		}
		h.dispatchRaw(ctx, c, event, env.Data)
	}
}

// resolveTargets maps an envelope's bus channel to the local sessions indexed for it. Channel-scoped envelopes that
// carry a guild target arrive via the channel:* pattern and are routed through the guild's member sessions; DM
// envelopes go to the sessions indexed on the DM channel itself.
func (h *Hub) resolveTargets(busChannel string, env eventbus.Envelope) []*Client {
	index := busChannel
	if env.Target != nil && env.Target.ChannelID != nil && env.Target.GuildID != nil {
		index = eventbus.GuildChannel(*env.Target.GuildID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := h.byChannel[index]
	if len(sessions) == 0 {
		return nil
	}
	targets := make([]*Client, 0, len(sessions))
	for _, c := range sessions {
		if c.IsIdentified() {
			targets = append(targets, c)
		}
	}
	return targets
}

// visibleTo applies the per-user visibility filter: exclusion lists always win, and guild-channel-scoped events
// additionally require VIEW_CHANNEL. Guild- and DM-level visibility is implied by the subscription index.
func (h *Hub) visibleTo(ctx context.Context, userID snowflake.ID, env eventbus.Envelope) bool {
	if env.Target.Excludes(userID) {
		return false
	}
	if env.Target != nil && env.Target.ChannelID != nil && env.Target.GuildID != nil {
		perms, err := h.resolver.ResolveChannel(ctx, userID, *env.Target.GuildID, *env.Target.ChannelID)
		if err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Permission check failed during dispatch")
			return false
		}
		return perms.Has(permissions.ViewChannel)
	}
	return true
}

// dispatchRaw sequences and sends an already-marshalled payload.
func (h *Hub) dispatchRaw(ctx context.Context, client *Client, event events.DispatchEvent, data json.RawMessage) {
	client.dispatchMu.Lock()
	defer client.dispatchMu.Unlock()

	seq := client.nextSeq()
	frame, err := NewDispatchFrame(seq, event, data)
	if err != nil {
		h.log.Warn().Err(err).Str("event", string(event)).Msg("Failed to build dispatch frame")
		return
	}
	if sid := client.SessionID(); sid != "" {
		if err := h.sessions.AppendEvent(ctx, sid, seq, frame); err != nil {
			h.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to append to replay buffer")
		}
	}
	client.enqueue(frame)
}

// adjustSubscriptions keeps a session's bus channels aligned with membership changes observed in the event stream:
// joining a guild (GUILD_CREATE on the user channel) adds its guild channel, being removed or the guild being
// deleted drops it, and a new DM channel is indexed as soon as its CHANNEL_CREATE arrives.
func (h *Hub) adjustSubscriptions(ctx context.Context, c *Client, event events.DispatchEvent, env eventbus.Envelope) {
	userID := c.UserID()

	switch event {
	case events.GuildCreate:
		var g struct {
			ID snowflake.ID `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &g); err == nil && !g.ID.IsZero() {
			h.joinChannels(ctx, c, eventbus.GuildChannel(g.ID))
		}
	case events.GuildDelete:
		var g models.GuildDeleteData
		if err := json.Unmarshal(env.Data, &g); err == nil && !g.ID.IsZero() {
			h.leaveChannel(ctx, c, eventbus.GuildChannel(g.ID))
		}
	case events.GuildMemberRemove:
		var m memberScoped
		if err := json.Unmarshal(env.Data, &m); err == nil && m.User.ID == userID && !m.GuildID.IsZero() {
			h.leaveChannel(ctx, c, eventbus.GuildChannel(m.GuildID))
		}
	case events.ChannelCreate:
		var ch struct {
			ID   snowflake.ID `json:"id"`
			Type string       `json:"type"`
		}
		if err := json.Unmarshal(env.Data, &ch); err == nil && ch.Type == models.ChannelTypeDM && !ch.ID.IsZero() {
			h.joinChannels(ctx, c, eventbus.ChannelChannel(ch.ID))
		}
	}
}

// assembleGuildSnapshot builds the GUILD_CREATE payload: the guild row plus its channels, roles, members, and the
// presence of every connected member.
func (h *Hub) assembleGuildSnapshot(ctx context.Context, g *guild.Guild) (*models.GuildSnapshot, error) {
	chs, err := h.channels.ListForGuild(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	rs, err := h.roles.ListForGuild(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	ms, err := h.members.List(ctx, g.ID, nil, snapshotMemberLimit)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	memberIDs := make([]snowflake.ID, len(ms))
	for i := range ms {
		memberIDs[i] = ms[i].UserID
	}
	presences, err := h.presence.GetMany(ctx, memberIDs)
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

// snapshotMemberLimit caps the member list embedded in a GUILD_CREATE snapshot. Larger guilds page the rest through
// the members REST endpoint.
const snapshotMemberLimit = 1000

// InvalidateAllForUser force-closes the user's live sessions on this process and deletes their session records.
// Used on logout.
func (h *Hub) InvalidateAllForUser(ctx context.Context, userID snowflake.ID) error {
	h.mu.RLock()
	locals := make([]*Client, 0, len(h.byUser[userID]))
	for _, c := range h.byUser[userID] {
		locals = append(locals, c)
	}
	h.mu.RUnlock()

	for _, c := range locals {
		h.sendInvalidSession(c, false)
		h.unregister(c)
		_ = c.conn.Close()
	}

	return h.sessions.InvalidateAllForUser(ctx, userID)
}

// Shutdown gracefully closes all active connections. Each client receives a Reconnect frame and its session is
// parked so it can resume against another process; the socket then closes with Going Away.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for sid, client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, sid)
	}
	h.byUser = make(map[snowflake.ID]map[string]*Client)
	h.byChannel = make(map[string]map[string]*Client)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reconnect, _ := NewReconnectFrame()
	for _, client := range clients {
		if reconnect != nil {
			client.enqueue(reconnect)
		}
		if client.IsIdentified() {
			if err := h.sessions.MarkDisconnected(ctx, client.SessionID(), client.UserID(), client.currentSeq()); err != nil {
				h.log.Warn().Err(err).Str("session_id", client.SessionID()).Msg("Failed to park session on shutdown")
			}
		}
		client.closeSend()
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = client.conn.Close()
	}
	h.log.Info().Msg("Gateway hub shut down")
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func guildIDs(gs []guild.Guild) []snowflake.ID {
	ids := make([]snowflake.ID, len(gs))
	for i := range gs {
		ids[i] = gs[i].ID
	}
	return ids
}
