package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/channel"
	"github.com/harborchat/harbor-server/internal/config"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/guild"
	"github.com/harborchat/harbor-server/internal/invite"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/message"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/presence"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/internal/user"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// testTimeout extends the default app.Test() deadline so slower operations under the race detector do not trigger a
// spurious i/o timeout.
var testTimeout = fiber.TestConfig{Timeout: 30 * time.Second}

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// doReq sends a request through app.Test with the extended test timeout.
func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// fakeAuth injects a user ID into Locals to simulate RequireAuth. A zero ID simulates an unauthenticated request.
func fakeAuth(userID snowflake.ID) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !userID.IsZero() {
			c.Locals(auth.UserIDKey, userID)
		}
		return c.Next()
	}
}

func newTestIDs(t *testing.T) *snowflake.Generator {
	t.Helper()
	gen, err := snowflake.NewGenerator(snowflake.DefaultEpoch, 0)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	return gen
}

// newTestBus returns a publisher and presence store backed by an in-process Redis.
func newTestBus(t *testing.T) (*eventbus.Publisher, *presence.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return eventbus.NewPublisher(rdb, zerolog.Nop()), presence.NewStore(rdb)
}

func testConfig() *config.Config {
	return &config.Config{
		MaxMessageLength: 4000,
		MaxGuildsPerUser: 100,
	}
}

// fakePermStore implements permission.Store for a single-guild test world. entries maps a user to the role entries
// RolePermissions returns for them; absent users fall back to the everyone entry when one is set.
type fakePermStore struct {
	owner    snowflake.ID
	guildID  snowflake.ID
	everyone *permission.RolePermEntry
	entries  map[snowflake.ID][]permission.RolePermEntry
}

func newFakePermStore(guildID, ownerID snowflake.ID) *fakePermStore {
	return &fakePermStore{
		owner:   ownerID,
		guildID: guildID,
		entries: make(map[snowflake.ID][]permission.RolePermEntry),
	}
}

func (s *fakePermStore) grant(userID snowflake.ID, position int, perms permissions.Permission) {
	s.entries[userID] = append(s.entries[userID], permission.RolePermEntry{
		RoleID:      s.guildID + snowflake.ID(position) + 1,
		Position:    position,
		Permissions: perms,
	})
}

func (s *fakePermStore) GuildOwner(_ context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	if guildID != s.guildID {
		return 0, permission.ErrGuildNotFound
	}
	return s.owner, nil
}

func (s *fakePermStore) RolePermissions(_ context.Context, guildID, userID snowflake.ID) ([]permission.RolePermEntry, error) {
	if guildID != s.guildID {
		return nil, permission.ErrGuildNotFound
	}
	entries := s.entries[userID]
	if s.everyone != nil {
		entries = append(entries, *s.everyone)
	}
	return entries, nil
}

// nopCache implements permission.Cache without caching, so permission changes inside a test take effect immediately.
type nopCache struct{}

func (nopCache) Get(context.Context, snowflake.ID, snowflake.ID) (permissions.Permission, bool, error) {
	return 0, false, nil
}
func (nopCache) Set(context.Context, snowflake.ID, snowflake.ID, permissions.Permission) error {
	return nil
}
func (nopCache) DeleteByUser(context.Context, snowflake.ID) error              { return nil }
func (nopCache) DeleteByGuild(context.Context, snowflake.ID) error             { return nil }
func (nopCache) DeleteExact(context.Context, snowflake.ID, snowflake.ID) error { return nil }

func newTestResolver(store permission.Store) *permission.Resolver {
	return permission.NewResolver(store, nopCache{}, zerolog.Nop())
}

// --- fake repositories ---

// fakeUserRepo implements user.Repository.
type fakeUserRepo struct {
	users map[snowflake.ID]*user.Credentials
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[snowflake.ID]*user.Credentials)}
}

func (r *fakeUserRepo) seed(id snowflake.ID, username, discriminator string) *user.Credentials {
	creds := &user.Credentials{User: user.User{
		ID:            id,
		Username:      username,
		Discriminator: discriminator,
		CreatedAt:     time.Now(),
	}}
	r.users[id] = creds
	return creds
}

func (r *fakeUserRepo) Create(_ context.Context, params user.CreateParams) (*user.User, error) {
	for _, c := range r.users {
		if c.Username == params.Username && c.Discriminator == params.Discriminator {
			return nil, user.ErrAlreadyExists
		}
	}
	creds := &user.Credentials{
		User: user.User{
			ID:            params.ID,
			Username:      params.Username,
			Discriminator: params.Discriminator,
			CreatedAt:     time.Now(),
		},
		PasswordHash: params.PasswordHash,
	}
	r.users[params.ID] = creds
	return &creds.User, nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id snowflake.ID) (*user.User, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &c.User, nil
}

func (r *fakeUserRepo) GetByTag(_ context.Context, username, discriminator string) (*user.Credentials, error) {
	for _, c := range r.users {
		if c.Username == username && c.Discriminator == discriminator {
			return c, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) GetCredentialsByID(_ context.Context, id snowflake.ID) (*user.Credentials, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return c, nil
}

func (r *fakeUserRepo) TakenDiscriminators(_ context.Context, username string) (map[string]bool, error) {
	taken := make(map[string]bool)
	for _, c := range r.users {
		if c.Username == username {
			taken[c.Discriminator] = true
		}
	}
	return taken, nil
}

func (r *fakeUserRepo) UpdatePasswordHash(_ context.Context, userID snowflake.ID, hash string) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.PasswordHash = hash
	return nil
}

func (r *fakeUserRepo) Update(_ context.Context, id snowflake.ID, params user.UpdateParams) (*user.User, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	if params.Username != nil {
		for _, other := range r.users {
			if other.ID != id && other.Username == *params.Username && other.Discriminator == c.Discriminator {
				return nil, user.ErrAlreadyExists
			}
		}
		c.Username = *params.Username
	}
	return &c.User, nil
}

func (r *fakeUserRepo) SetTOTPSecret(_ context.Context, userID snowflake.ID, secret *string) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.TOTPSecret = secret
	return nil
}

// fakeGuildRepo implements guild.Repository.
type fakeGuildRepo struct {
	guilds     map[snowflake.ID]*guild.Guild
	userGuilds map[snowflake.ID][]snowflake.ID
}

func newFakeGuildRepo() *fakeGuildRepo {
	return &fakeGuildRepo{
		guilds:     make(map[snowflake.ID]*guild.Guild),
		userGuilds: make(map[snowflake.ID][]snowflake.ID),
	}
}

func (r *fakeGuildRepo) seed(id snowflake.ID, name string, ownerID snowflake.ID) *guild.Guild {
	g := &guild.Guild{ID: id, Name: name, OwnerID: ownerID, CreatedAt: time.Now()}
	r.guilds[id] = g
	r.userGuilds[ownerID] = append(r.userGuilds[ownerID], id)
	return g
}

func (r *fakeGuildRepo) Create(_ context.Context, params guild.CreateParams) (*guild.Guild, error) {
	g := &guild.Guild{ID: params.ID, Name: params.Name, OwnerID: params.OwnerID, CreatedAt: time.Now()}
	r.guilds[params.ID] = g
	r.userGuilds[params.OwnerID] = append(r.userGuilds[params.OwnerID], params.ID)
	return g, nil
}

func (r *fakeGuildRepo) GetByID(_ context.Context, id snowflake.ID) (*guild.Guild, error) {
	g, ok := r.guilds[id]
	if !ok {
		return nil, guild.ErrNotFound
	}
	return g, nil
}

func (r *fakeGuildRepo) ListForUser(_ context.Context, userID snowflake.ID) ([]guild.Guild, error) {
	var out []guild.Guild
	for _, id := range r.userGuilds[userID] {
		if g, ok := r.guilds[id]; ok {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (r *fakeGuildRepo) CountForUser(_ context.Context, userID snowflake.ID) (int, error) {
	return len(r.userGuilds[userID]), nil
}

func (r *fakeGuildRepo) Update(_ context.Context, id snowflake.ID, params guild.UpdateParams) (*guild.Guild, error) {
	g, ok := r.guilds[id]
	if !ok {
		return nil, guild.ErrNotFound
	}
	if params.Name != nil {
		g.Name = *params.Name
	}
	return g, nil
}

func (r *fakeGuildRepo) Delete(_ context.Context, id snowflake.ID) error {
	if _, ok := r.guilds[id]; !ok {
		return guild.ErrNotFound
	}
	delete(r.guilds, id)
	return nil
}

// fakeChannelRepo implements channel.Repository.
type fakeChannelRepo struct {
	channels map[snowflake.ID]*channel.Channel
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{channels: make(map[snowflake.ID]*channel.Channel)}
}

func (r *fakeChannelRepo) seed(id snowflake.ID, guildID snowflake.ID, name, chType string) *channel.Channel {
	ch := &channel.Channel{ID: id, GuildID: &guildID, Type: chType, Name: name}
	r.channels[id] = ch
	return ch
}

func (r *fakeChannelRepo) seedDM(id snowflake.ID, userA, userB snowflake.ID) *channel.Channel {
	ch := &channel.Channel{ID: id, Type: channel.TypeDM, Recipients: []snowflake.ID{userA, userB}}
	r.channels[id] = ch
	return ch
}

func (r *fakeChannelRepo) ListForGuild(_ context.Context, guildID snowflake.ID) ([]channel.Channel, error) {
	var out []channel.Channel
	for _, ch := range r.channels {
		if ch.GuildID != nil && *ch.GuildID == guildID {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeChannelRepo) GetByID(_ context.Context, id snowflake.ID) (*channel.Channel, error) {
	ch, ok := r.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	return ch, nil
}

func (r *fakeChannelRepo) Create(_ context.Context, params channel.CreateParams) (*channel.Channel, error) {
	if params.ParentID != nil {
		parent, ok := r.channels[*params.ParentID]
		if !ok {
			return nil, channel.ErrParentNotFound
		}
		if parent.Type != channel.TypeCategory || parent.GuildID == nil || *parent.GuildID != params.GuildID {
			return nil, channel.ErrInvalidParent
		}
	}
	gid := params.GuildID
	ch := &channel.Channel{
		ID:       params.ID,
		GuildID:  &gid,
		Type:     params.Type,
		Name:     params.Name,
		ParentID: params.ParentID,
		Position: len(r.channels),
	}
	r.channels[params.ID] = ch
	return ch, nil
}

func (r *fakeChannelRepo) Update(_ context.Context, id snowflake.ID, params channel.UpdateParams) (*channel.Channel, error) {
	ch, ok := r.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	if params.Name != nil {
		ch.Name = *params.Name
	}
	if params.SetParentNull {
		ch.ParentID = nil
	} else if params.ParentID != nil {
		parent, ok := r.channels[*params.ParentID]
		if !ok {
			return nil, channel.ErrParentNotFound
		}
		if parent.Type != channel.TypeCategory {
			return nil, channel.ErrInvalidParent
		}
		ch.ParentID = params.ParentID
	}
	if params.Position != nil {
		ch.Position = *params.Position
	}
	return ch, nil
}

func (r *fakeChannelRepo) Delete(_ context.Context, id snowflake.ID) error {
	if _, ok := r.channels[id]; !ok {
		return channel.ErrNotFound
	}
	delete(r.channels, id)
	return nil
}

func (r *fakeChannelRepo) GetOrCreateDM(_ context.Context, id, userA, userB snowflake.ID) (*channel.Channel, bool, error) {
	if userA == userB {
		return nil, false, channel.ErrSelfDM
	}
	for _, ch := range r.channels {
		if ch.Type != channel.TypeDM {
			continue
		}
		if hasRecipient(ch, userA) && hasRecipient(ch, userB) {
			return ch, false, nil
		}
	}
	ch := &channel.Channel{ID: id, Type: channel.TypeDM, Recipients: []snowflake.ID{userA, userB}}
	r.channels[id] = ch
	return ch, true, nil
}

func (r *fakeChannelRepo) ListDMsForUser(_ context.Context, userID snowflake.ID) ([]channel.Channel, error) {
	var out []channel.Channel
	for _, ch := range r.channels {
		if ch.Type == channel.TypeDM && hasRecipient(ch, userID) {
			out = append(out, *ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeChannelRepo) IsDMRecipient(_ context.Context, channelID, userID snowflake.ID) (bool, error) {
	ch, ok := r.channels[channelID]
	if !ok {
		return false, nil
	}
	return hasRecipient(ch, userID), nil
}

func hasRecipient(ch *channel.Channel, userID snowflake.ID) bool {
	for _, id := range ch.Recipients {
		if id == userID {
			return true
		}
	}
	return false
}

// fakeRoleRepo implements role.Repository.
type fakeRoleRepo struct {
	roles map[snowflake.ID]*role.Role
}

func newFakeRoleRepo() *fakeRoleRepo {
	return &fakeRoleRepo{roles: make(map[snowflake.ID]*role.Role)}
}

func (r *fakeRoleRepo) seed(id, guildID snowflake.ID, name string, position int, perms permissions.Permission) *role.Role {
	rl := &role.Role{ID: id, GuildID: guildID, Name: name, Position: position, Permissions: perms}
	r.roles[id] = rl
	return rl
}

func (r *fakeRoleRepo) ListForGuild(_ context.Context, guildID snowflake.ID) ([]role.Role, error) {
	var out []role.Role
	for _, rl := range r.roles {
		if rl.GuildID == guildID {
			out = append(out, *rl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *fakeRoleRepo) GetByID(_ context.Context, id snowflake.ID) (*role.Role, error) {
	rl, ok := r.roles[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	return rl, nil
}

func (r *fakeRoleRepo) Create(_ context.Context, params role.CreateParams) (*role.Role, error) {
	maxPos := 0
	for _, rl := range r.roles {
		if rl.GuildID == params.GuildID && rl.Position > maxPos {
			maxPos = rl.Position
		}
	}
	rl := &role.Role{
		ID:          params.ID,
		GuildID:     params.GuildID,
		Name:        params.Name,
		Position:    maxPos + 1,
		Permissions: params.Permissions,
	}
	r.roles[params.ID] = rl
	return rl, nil
}

func (r *fakeRoleRepo) Update(_ context.Context, id snowflake.ID, params role.UpdateParams) (*role.Role, error) {
	rl, ok := r.roles[id]
	if !ok {
		return nil, role.ErrNotFound
	}
	if params.Position != nil {
		if rl.IsEveryone() {
			return nil, role.ErrEveryoneImmutable
		}
		rl.Position = *params.Position
	}
	if params.Name != nil {
		rl.Name = *params.Name
	}
	if params.Permissions != nil {
		rl.Permissions = *params.Permissions
	}
	return rl, nil
}

func (r *fakeRoleRepo) Delete(_ context.Context, id snowflake.ID) error {
	rl, ok := r.roles[id]
	if !ok {
		return role.ErrNotFound
	}
	if rl.IsEveryone() {
		return role.ErrEveryoneImmutable
	}
	delete(r.roles, id)
	return nil
}

func (r *fakeRoleRepo) HighestPosition(_ context.Context, _, _ snowflake.ID) (int, error) {
	return 0, nil
}

// fakeMemberRepo implements member.Repository.
type fakeMemberRepo struct {
	members map[snowflake.ID]map[snowflake.ID]*member.Member
	bans    map[snowflake.ID]map[snowflake.ID]*member.Ban
}

func newFakeMemberRepo() *fakeMemberRepo {
	return &fakeMemberRepo{
		members: make(map[snowflake.ID]map[snowflake.ID]*member.Member),
		bans:    make(map[snowflake.ID]map[snowflake.ID]*member.Ban),
	}
}

func (r *fakeMemberRepo) seed(guildID, userID snowflake.ID, username string) *member.Member {
	if r.members[guildID] == nil {
		r.members[guildID] = make(map[snowflake.ID]*member.Member)
	}
	m := &member.Member{
		GuildID:       guildID,
		UserID:        userID,
		Username:      username,
		Discriminator: "0001",
		JoinedAt:      time.Now(),
	}
	r.members[guildID][userID] = m
	return m
}

func (r *fakeMemberRepo) List(_ context.Context, guildID snowflake.ID, after *snowflake.ID, limit int) ([]member.Member, error) {
	var out []member.Member
	for _, m := range r.members[guildID] {
		if after != nil && m.UserID <= *after {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeMemberRepo) Get(_ context.Context, guildID, userID snowflake.ID) (*member.Member, error) {
	m, ok := r.members[guildID][userID]
	if !ok {
		return nil, member.ErrNotFound
	}
	return m, nil
}

func (r *fakeMemberRepo) IsMember(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
	_, ok := r.members[guildID][userID]
	return ok, nil
}

func (r *fakeMemberRepo) ListGuildIDsForUser(_ context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	var out []snowflake.ID
	for guildID, users := range r.members {
		if _, ok := users[userID]; ok {
			out = append(out, guildID)
		}
	}
	return out, nil
}

func (r *fakeMemberRepo) Add(_ context.Context, guildID, userID snowflake.ID) (*member.Member, error) {
	if _, ok := r.members[guildID][userID]; ok {
		return nil, member.ErrAlreadyMember
	}
	return r.seed(guildID, userID, "user-"+userID.String()), nil
}

func (r *fakeMemberRepo) Remove(_ context.Context, guildID, userID snowflake.ID) error {
	if _, ok := r.members[guildID][userID]; !ok {
		return member.ErrNotFound
	}
	delete(r.members[guildID], userID)
	return nil
}

func (r *fakeMemberRepo) AssignRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	m, ok := r.members[guildID][userID]
	if !ok {
		return member.ErrNotFound
	}
	for _, id := range m.RoleIDs {
		if id == roleID {
			return member.ErrRoleHeld
		}
	}
	m.RoleIDs = append(m.RoleIDs, roleID)
	return nil
}

func (r *fakeMemberRepo) RemoveRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	m, ok := r.members[guildID][userID]
	if !ok {
		return member.ErrNotFound
	}
	for i, id := range m.RoleIDs {
		if id == roleID {
			m.RoleIDs = append(m.RoleIDs[:i], m.RoleIDs[i+1:]...)
			return nil
		}
	}
	return member.ErrRoleNotFound
}

func (r *fakeMemberRepo) CreateBan(_ context.Context, params member.BanParams) (*member.Ban, error) {
	if _, ok := r.bans[params.GuildID][params.UserID]; ok {
		return nil, member.ErrAlreadyBanned
	}
	if r.bans[params.GuildID] == nil {
		r.bans[params.GuildID] = make(map[snowflake.ID]*member.Ban)
	}
	username := "user-" + params.UserID.String()
	if m, ok := r.members[params.GuildID][params.UserID]; ok {
		username = m.Username
	}
	b := &member.Ban{
		GuildID:       params.GuildID,
		UserID:        params.UserID,
		Username:      username,
		Discriminator: "0001",
		Reason:        params.Reason,
		BannedBy:      params.BannedBy,
		CreatedAt:     time.Now(),
	}
	r.bans[params.GuildID][params.UserID] = b
	return b, nil
}

func (r *fakeMemberRepo) GetBan(_ context.Context, guildID, userID snowflake.ID) (*member.Ban, error) {
	b, ok := r.bans[guildID][userID]
	if !ok {
		return nil, member.ErrBanNotFound
	}
	return b, nil
}

func (r *fakeMemberRepo) RemoveBan(_ context.Context, guildID, userID snowflake.ID) error {
	if _, ok := r.bans[guildID][userID]; !ok {
		return member.ErrBanNotFound
	}
	delete(r.bans[guildID], userID)
	return nil
}

func (r *fakeMemberRepo) ListBans(_ context.Context, guildID snowflake.ID) ([]member.Ban, error) {
	var out []member.Ban
	for _, b := range r.bans[guildID] {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID > out[j].UserID })
	return out, nil
}

func (r *fakeMemberRepo) IsBanned(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
	_, ok := r.bans[guildID][userID]
	return ok, nil
}

// fakeMessageRepo implements message.Repository.
type fakeMessageRepo struct {
	messages []message.Message
}

func (r *fakeMessageRepo) seed(id, channelID, authorID snowflake.ID, content string) *message.Message {
	m := message.Message{
		ID:                  id,
		ChannelID:           channelID,
		AuthorID:            authorID,
		Content:             content,
		CreatedAt:           time.Now(),
		AuthorUsername:      "author",
		AuthorDiscriminator: "0001",
	}
	r.messages = append(r.messages, m)
	return &r.messages[len(r.messages)-1]
}

func (r *fakeMessageRepo) Create(_ context.Context, params message.CreateParams) (*message.Message, error) {
	return r.seed(params.ID, params.ChannelID, params.AuthorID, params.Content), nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id snowflake.ID) (*message.Message, error) {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return &r.messages[i], nil
		}
	}
	return nil, message.ErrNotFound
}

func (r *fakeMessageRepo) List(_ context.Context, channelID snowflake.ID, params message.ListParams) ([]message.Message, error) {
	var out []message.Message
	for _, m := range r.messages {
		if m.ChannelID != channelID {
			continue
		}
		if params.Before != nil && m.ID >= *params.Before {
			continue
		}
		if params.After != nil && m.ID <= *params.After {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (r *fakeMessageRepo) Update(_ context.Context, id snowflake.ID, content string) (*message.Message, error) {
	for i := range r.messages {
		if r.messages[i].ID == id {
			now := time.Now()
			r.messages[i].Content = content
			r.messages[i].EditedAt = &now
			return &r.messages[i], nil
		}
	}
	return nil, message.ErrNotFound
}

func (r *fakeMessageRepo) Delete(_ context.Context, id snowflake.ID) error {
	for i := range r.messages {
		if r.messages[i].ID == id {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return nil
		}
	}
	return message.ErrNotFound
}

// fakeInviteRepo implements invite.Repository.
type fakeInviteRepo struct {
	invites map[string]*invite.Invite
}

func newFakeInviteRepo() *fakeInviteRepo {
	return &fakeInviteRepo{invites: make(map[string]*invite.Invite)}
}

func (r *fakeInviteRepo) seed(code string, guildID, inviterID snowflake.ID, maxUses int) *invite.Invite {
	inv := &invite.Invite{Code: code, GuildID: guildID, InviterID: inviterID, MaxUses: maxUses, CreatedAt: time.Now()}
	r.invites[code] = inv
	return inv
}

func (r *fakeInviteRepo) Create(_ context.Context, params invite.CreateParams) (*invite.Invite, error) {
	code := "inv" + snowflake.ID(int64(len(r.invites))+1).String()
	return r.seed(code, params.GuildID, params.InviterID, params.MaxUses), nil
}

func (r *fakeInviteRepo) GetByCode(_ context.Context, code string) (*invite.Invite, error) {
	inv, ok := r.invites[code]
	if !ok {
		return nil, invite.ErrNotFound
	}
	return inv, nil
}

func (r *fakeInviteRepo) ListForGuild(_ context.Context, guildID snowflake.ID) ([]invite.Invite, error) {
	var out []invite.Invite
	for _, inv := range r.invites {
		if inv.GuildID == guildID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *fakeInviteRepo) Delete(_ context.Context, code string) error {
	if _, ok := r.invites[code]; !ok {
		return invite.ErrNotFound
	}
	delete(r.invites, code)
	return nil
}

func (r *fakeInviteRepo) Redeem(_ context.Context, code string) (*invite.Invite, error) {
	inv, ok := r.invites[code]
	if !ok {
		return nil, invite.ErrNotFound
	}
	if inv.MaxUses > 0 && inv.Uses >= inv.MaxUses {
		return nil, invite.ErrMaxUsesReached
	}
	inv.Uses++
	return inv, nil
}
