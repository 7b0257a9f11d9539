package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

type roleFixture struct {
	roles   *fakeRoleRepo
	members *fakeMemberRepo
	perms   *fakePermStore
	app     *fiber.App
}

func newRoleFixture(t *testing.T, guildID, ownerID, callerID snowflake.ID) *roleFixture {
	t.Helper()
	f := &roleFixture{
		roles:   newFakeRoleRepo(),
		members: newFakeMemberRepo(),
		perms:   newFakePermStore(guildID, ownerID),
	}
	f.members.seed(guildID, ownerID, "owner")
	if callerID != ownerID {
		f.members.seed(guildID, callerID, "caller")
	}
	// The everyone role shares the guild's ID and sits at position 0.
	f.roles.seed(guildID, guildID, "everyone", 0, permissions.Default)

	bus, _ := newTestBus(t)
	handler := NewRoleHandler(newTestIDs(t), f.roles, newTestResolver(f.perms), nopCache{}, bus, zerolog.Nop())

	f.app = fiber.New()
	f.app.Use(fakeAuth(callerID))
	guilds := f.app.Group("/guilds/:guildID", member.RequireMember(f.members))
	guilds.Get("/roles", handler.List)
	guilds.Post("/roles", handler.Create)
	guilds.Patch("/roles/:roleID", handler.Update)
	guilds.Delete("/roles/:roleID", handler.Delete)
	return f
}

func TestListRoles(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(1)
	f := newRoleFixture(t, 100, ownerID, ownerID)
	f.roles.seed(500, 100, "mods", 1, permissions.Permission(0))

	resp := doReq(t, f.app, jsonReq(http.MethodGet, "/guilds/100/roles", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	env := parseSuccess(t, body)
	var roles []struct {
		Name     string `json:"name"`
		Position int    `json:"position"`
	}
	if err := json.Unmarshal(env.Data, &roles); err != nil {
		t.Fatalf("unmarshal roles: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("got %d roles, want 2", len(roles))
	}
	if roles[0].Name != "everyone" || roles[1].Name != "mods" {
		t.Errorf("roles = %+v, want everyone then mods by position", roles)
	}
}

func TestCreateRole_RequiresManageRoles(t *testing.T) {
	t.Parallel()
	f := newRoleFixture(t, 100, 1, 10)

	resp := doReq(t, f.app, jsonReq(http.MethodPost, "/guilds/100/roles", `{"name":"mods"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.MissingPermissions) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.MissingPermissions)
	}
}

func TestCreateRole_CannotGrantUnheld(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(10)
	f := newRoleFixture(t, 100, 1, callerID)
	f.perms.grant(callerID, 5, permissions.ManageRoles)

	// ManageGuild (1<<5 = 32) is not in the caller's effective set.
	resp := doReq(t, f.app, jsonReq(http.MethodPost, "/guilds/100/roles", `{"name":"mods","permissions":"32"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
	env := parseError(t, body)
	if env.Error.Message != "Cannot grant permissions you do not hold" {
		t.Errorf("error message = %q", env.Error.Message)
	}
}

func TestCreateRole_Success(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(1)
	f := newRoleFixture(t, 100, ownerID, ownerID)

	// ViewChannel|SendMessages|ManageMessages = 7.
	resp := doReq(t, f.app, jsonReq(http.MethodPost, "/guilds/100/roles", `{"name":"mods","permissions":"7"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	env := parseSuccess(t, body)
	var r struct {
		Name        string `json:"name"`
		Position    int    `json:"position"`
		Permissions string `json:"permissions"`
	}
	if err := json.Unmarshal(env.Data, &r); err != nil {
		t.Fatalf("unmarshal role: %v", err)
	}
	if r.Name != "mods" {
		t.Errorf("name = %q, want %q", r.Name, "mods")
	}
	if r.Position != 1 {
		t.Errorf("position = %d, want 1", r.Position)
	}
	if r.Permissions != "7" {
		t.Errorf("permissions = %q, want %q", r.Permissions, "7")
	}
}

func TestCreateRole_InvalidPermissionString(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(1)
	f := newRoleFixture(t, 100, ownerID, ownerID)

	resp := doReq(t, f.app, jsonReq(http.MethodPost, "/guilds/100/roles", `{"name":"mods","permissions":"0x10"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.ValidationError) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.ValidationError)
	}
}

func TestUpdateRole_HierarchyDenied(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(10)
	f := newRoleFixture(t, 100, 1, callerID)
	f.roles.seed(500, 100, "admins", 5, permissions.Permission(0))
	// Caller holds ManageRoles but sits below the role being edited.
	f.perms.grant(callerID, 2, permissions.ManageRoles)

	resp := doReq(t, f.app, jsonReq(http.MethodPatch, "/guilds/100/roles/500", `{"name":"renamed"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.MissingPermissions) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.MissingPermissions)
	}
}

func TestUpdateRole_RepositionAboveSelfDenied(t *testing.T) {
	t.Parallel()
	callerID := snowflake.ID(10)
	f := newRoleFixture(t, 100, 1, callerID)
	f.roles.seed(500, 100, "mods", 1, permissions.Permission(0))
	f.perms.grant(callerID, 3, permissions.ManageRoles)

	// Moving the role to position 4 would place it above the caller's highest role.
	resp := doReq(t, f.app, jsonReq(http.MethodPatch, "/guilds/100/roles/500", `{"position":4}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.MissingPermissions) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.MissingPermissions)
	}
}

func TestUpdateRole_Success(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(1)
	f := newRoleFixture(t, 100, ownerID, ownerID)
	f.roles.seed(500, 100, "mods", 1, permissions.Permission(0))

	resp := doReq(t, f.app, jsonReq(http.MethodPatch, "/guilds/100/roles/500", `{"name":"moderators"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	env := parseSuccess(t, body)
	var r struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Data, &r); err != nil {
		t.Fatalf("unmarshal role: %v", err)
	}
	if r.Name != "moderators" {
		t.Errorf("name = %q, want %q", r.Name, "moderators")
	}
}

func TestUpdateRole_WrongGuildMasked(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(1)
	f := newRoleFixture(t, 100, ownerID, ownerID)
	f.roles.seed(500, 200, "other guild's", 1, permissions.Permission(0))

	resp := doReq(t, f.app, jsonReq(http.MethodPatch, "/guilds/100/roles/500", `{"name":"x"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.UnknownRole) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.UnknownRole)
	}
}

func TestDeleteRole_EveryoneImmutable(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(1)
	f := newRoleFixture(t, 100, ownerID, ownerID)

	resp := doReq(t, f.app, jsonReq(http.MethodDelete, "/guilds/100/roles/100", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	env := parseError(t, body)
	if env.Error.Code != string(apierrors.ValidationError) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.ValidationError)
	}
}

func TestDeleteRole_Success(t *testing.T) {
	t.Parallel()
	ownerID := snowflake.ID(1)
	f := newRoleFixture(t, 100, ownerID, ownerID)
	f.roles.seed(500, 100, "mods", 1, permissions.Permission(0))

	resp := doReq(t, f.app, jsonReq(http.MethodDelete, "/guilds/100/roles/500", ""))
	_ = readBody(t, resp)

	if resp.StatusCode != fiber.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if _, ok := f.roles.roles[500]; ok {
		t.Error("role still present after delete")
	}
}
