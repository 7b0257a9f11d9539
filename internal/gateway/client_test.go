package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/guild"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// gwUserRepo resolves any user ID to a fixed test user; nothing else is reachable from the gateway.
type gwUserRepo struct{}

func (gwUserRepo) Create(context.Context, user.CreateParams) (*user.User, error) {
	return nil, errFakeUnused
}
func (gwUserRepo) GetByID(_ context.Context, id snowflake.ID) (*user.User, error) {
	return &user.User{ID: id, Username: "tester", Discriminator: "0001"}, nil
}
func (gwUserRepo) GetByTag(context.Context, string, string) (*user.Credentials, error) {
	return nil, errFakeUnused
}
func (gwUserRepo) GetCredentialsByID(context.Context, snowflake.ID) (*user.Credentials, error) {
	return nil, errFakeUnused
}
func (gwUserRepo) TakenDiscriminators(context.Context, string) (map[string]bool, error) {
	return nil, errFakeUnused
}
func (gwUserRepo) UpdatePasswordHash(context.Context, snowflake.ID, string) error {
	return errFakeUnused
}
func (gwUserRepo) Update(context.Context, snowflake.ID, user.UpdateParams) (*user.User, error) {
	return nil, errFakeUnused
}
func (gwUserRepo) SetTOTPSecret(context.Context, snowflake.ID, *string) error { return errFakeUnused }

// gwGuildRepo reports no guilds, keeping identify snapshots out of these connection-level tests.
type gwGuildRepo struct{}

func (gwGuildRepo) Create(context.Context, guild.CreateParams) (*guild.Guild, error) {
	return nil, errFakeUnused
}
func (gwGuildRepo) GetByID(context.Context, snowflake.ID) (*guild.Guild, error) {
	return nil, errFakeUnused
}
func (gwGuildRepo) ListForUser(context.Context, snowflake.ID) ([]guild.Guild, error) {
	return nil, nil
}
func (gwGuildRepo) CountForUser(context.Context, snowflake.ID) (int, error) { return 0, nil }
func (gwGuildRepo) Update(context.Context, snowflake.ID, guild.UpdateParams) (*guild.Guild, error) {
	return nil, errFakeUnused
}
func (gwGuildRepo) Delete(context.Context, snowflake.ID) error { return errFakeUnused }

type gwChannelRepo struct{}

func (gwChannelRepo) ListForGuild(context.Context, snowflake.ID) ([]channel.Channel, error) {
	return nil, nil
}
func (gwChannelRepo) GetByID(context.Context, snowflake.ID) (*channel.Channel, error) {
	return nil, errFakeUnused
}
func (gwChannelRepo) Create(context.Context, channel.CreateParams) (*channel.Channel, error) {
	return nil, errFakeUnused
}
func (gwChannelRepo) Update(context.Context, snowflake.ID, channel.UpdateParams) (*channel.Channel, error) {
	return nil, errFakeUnused
}
func (gwChannelRepo) Delete(context.Context, snowflake.ID) error { return errFakeUnused }
func (gwChannelRepo) GetOrCreateDM(context.Context, snowflake.ID, snowflake.ID, snowflake.ID) (*channel.Channel, bool, error) {
	return nil, false, errFakeUnused
}
func (gwChannelRepo) ListDMsForUser(context.Context, snowflake.ID) ([]channel.Channel, error) {
	return nil, nil
}
func (gwChannelRepo) IsDMRecipient(context.Context, snowflake.ID, snowflake.ID) (bool, error) {
	return false, nil
}

// newConnTestHub builds a hub with just enough repository surface for a full Identify handshake. Zero timing values
// keep the testConfig defaults.
func newConnTestHub(t *testing.T, heartbeatIntervalMS int, identifyTimeout time.Duration) *Hub {
	t.Helper()
	_, rdb := newTestRedis(t)
	c := testConfig()
	if heartbeatIntervalMS != 0 {
		c.GatewayHeartbeatIntervalMS = heartbeatIntervalMS
	}
	if identifyTimeout != 0 {
		c.GatewayIdentifyTimeout = identifyTimeout
	}
	sessions := NewSessionStore(rdb, c.GatewayResumeTTL, c.GatewayReplayBufferSize)
	return NewHub(rdb, c, sessions, nil, gwUserRepo{}, gwGuildRepo{}, gwChannelRepo{}, nil, gwMemberRepo{},
		presence.NewStore(rdb), eventbus.NewPublisher(rdb, zerolog.Nop()), zerolog.Nop())
}

// dialGateway starts a WebSocket server backed by the hub and returns a dialled client connection.
func dialGateway(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	upgrader := websocket.FastHTTPUpgrader{}
	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			ip := ctx.RemoteIP().String()
			if err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
				hub.ServeWebSocket(conn, ip)
			}); err != nil {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
			}
		},
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWireFrame(t *testing.T, conn *websocket.Conn) events.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f events.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

func sendWireFrame(t *testing.T, conn *websocket.Conn, f events.Frame) {
	t.Helper()
	msg, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// expectClose drains the connection until the server closes it and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("read error = %v, want close %d", err, wantCode)
			}
			if ce.Code != wantCode {
				t.Errorf("close code = %d, want %d", ce.Code, wantCode)
			}
			return
		}
	}
}

// identifyOnWire completes Hello → Identify → READY for the given user.
func identifyOnWire(t *testing.T, conn *websocket.Conn, hub *Hub, userID snowflake.ID) {
	t.Helper()

	hello := readWireFrame(t, conn)
	if hello.Op != events.OpcodeHello {
		t.Fatalf("first frame Op = %d, want Hello", hello.Op)
	}

	token, err := auth.NewAccessToken(userID, hub.cfg.JWTSecret, time.Minute, hub.cfg.PublicURL)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}
	data, err := json.Marshal(models.IdentifyData{Token: token})
	if err != nil {
		t.Fatalf("marshal identify: %v", err)
	}
	sendWireFrame(t, conn, events.Frame{Op: events.OpcodeIdentify, Data: data})

	ready := readWireFrame(t, conn)
	if ready.Type == nil || *ready.Type != events.Ready {
		t.Fatalf("frame after identify = %+v, want READY", ready)
	}
}

func TestIdentifiedConnectionOutlivesIdentifyWindow(t *testing.T) {
	t.Parallel()
	hub := newConnTestHub(t, 1000, 500*time.Millisecond)
	conn := dialGateway(t, hub)

	identifyOnWire(t, conn, hub, 7)

	// Well past the identify window but inside the 2x heartbeat threshold, the first heartbeat must still get
	// through and be acknowledged instead of the server closing the connection.
	time.Sleep(time.Second)
	sendWireFrame(t, conn, events.Frame{Op: events.OpcodeHeartbeat})

	ack := readWireFrame(t, conn)
	if ack.Op != events.OpcodeHeartbeatACK {
		t.Errorf("Op = %d, want HeartbeatACK", ack.Op)
	}
}

func TestSilentConnectionClosedAsZombie(t *testing.T) {
	t.Parallel()
	hub := newConnTestHub(t, 1000, 30*time.Second)
	conn := dialGateway(t, hub)

	identifyOnWire(t, conn, hub, 7)

	// No heartbeats after READY: the server must close once two intervals pass.
	expectClose(t, conn, CloseSessionTimedOut)
}

func TestUnknownOpcodeBeforeIdentify(t *testing.T) {
	t.Parallel()
	hub := newConnTestHub(t, 0, 0)
	conn := dialGateway(t, hub)

	if f := readWireFrame(t, conn); f.Op != events.OpcodeHello {
		t.Fatalf("first frame Op = %d, want Hello", f.Op)
	}
	sendWireFrame(t, conn, events.Frame{Op: 42})

	expectClose(t, conn, CloseNotAuthenticated)
}

func TestUnknownOpcodeAfterIdentify(t *testing.T) {
	t.Parallel()
	hub := newConnTestHub(t, 0, 0)
	conn := dialGateway(t, hub)

	identifyOnWire(t, conn, hub, 7)
	sendWireFrame(t, conn, events.Frame{Op: 42})

	expectClose(t, conn, CloseUnknownOpcode)
}
