package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/internal/auth"
	"github.com/harborchat/harbor-server/internal/eventbus"
	"github.com/harborchat/harbor-server/internal/httputil"
	"github.com/harborchat/harbor-server/internal/member"
	"github.com/harborchat/harbor-server/internal/permission"
	"github.com/harborchat/harbor-server/internal/role"
	"github.com/harborchat/harbor-server/protocol/apierrors"
	"github.com/harborchat/harbor-server/protocol/events"
	"github.com/harborchat/harbor-server/protocol/models"
	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// RoleHandler serves role CRUD endpoints under /guilds/:guildID/roles.
type RoleHandler struct {
	ids      *snowflake.Generator
	roles    role.Repository
	resolver *permission.Resolver
	cache    permission.Cache
	bus      *eventbus.Publisher
	log      zerolog.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(
	ids *snowflake.Generator,
	roles role.Repository,
	resolver *permission.Resolver,
	cache permission.Cache,
	bus *eventbus.Publisher,
	logger zerolog.Logger,
) *RoleHandler {
	return &RoleHandler{ids: ids, roles: roles, resolver: resolver, cache: cache, bus: bus, log: logger}
}

// parsePermissionString decodes the decimal wire form of a permission set.
func parsePermissionString(s string) (permissions.Permission, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("permissions must be a decimal string")
	}
	return permissions.Permission(n), nil
}

// List handles GET /api/v1/guilds/:guildID/roles. Membership is enforced by middleware.
func (h *RoleHandler) List(c fiber.Ctx) error {
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	roles, err := h.roles.ListForGuild(c, guildID)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	out := make([]models.Role, len(roles))
	for i := range roles {
		out[i] = roles[i].ToModel()
	}
	return httputil.Success(c, out)
}

// Create handles POST /api/v1/guilds/:guildID/roles. Requires MANAGE_ROLES. The new role lands one position above
// the guild's current maximum; a creator who cannot reach that position could not manage what they just made, so the
// grantable set is capped at the creator's own effective permissions.
func (h *RoleHandler) Create(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}

	var body models.CreateRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	name, err := role.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	perms, err := parsePermissionString(body.Permissions)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	}

	if err := h.resolver.Require(c, userID, guildID, permissions.ManageRoles); err != nil {
		return h.mapRoleError(c, err)
	}
	effective, err := h.resolver.Resolve(c, userID, guildID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if !effective.Has(perms) {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions,
			"Cannot grant permissions you do not hold")
	}

	id, err := h.ids.Next()
	if err != nil {
		return h.mapRoleError(c, err)
	}
	r, err := h.roles.Create(c, role.CreateParams{
		ID:          id,
		GuildID:     guildID,
		Name:        name,
		Permissions: perms,
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}

	h.bus.ToGuild(c, guildID, events.RoleCreate, r.ToModel())

	return httputil.SuccessStatus(c, fiber.StatusCreated, r.ToModel())
}

// Update handles PATCH /api/v1/guilds/:guildID/roles/:roleID. The actor's highest role must outrank the role being
// edited, and also the target position when repositioning. The everyone-role accepts permission changes only; a
// permission change flushes the guild's cached permission sets.
func (h *RoleHandler) Update(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	r, err := h.guildRole(c, guildID)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	var body models.UpdateRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidBody, "Invalid request body")
	}
	if err := role.ValidateName(body.Name); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidatePosition(body.Position); err != nil {
		return h.mapRoleError(c, err)
	}

	params := role.UpdateParams{Name: body.Name, Position: body.Position}
	if body.Permissions != nil {
		perms, err := parsePermissionString(*body.Permissions)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
		}
		params.Permissions = &perms
	}

	if err := h.requireRoleAuthority(c, guildID, userID, r.Position); err != nil {
		return h.mapRoleError(c, err)
	}
	if body.Position != nil {
		if err := h.requireRoleAuthority(c, guildID, userID, *body.Position); err != nil {
			return h.mapRoleError(c, err)
		}
	}
	if params.Permissions != nil {
		effective, err := h.resolver.Resolve(c, userID, guildID)
		if err != nil {
			return h.mapRoleError(c, err)
		}
		if !effective.Has(*params.Permissions) {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions,
				"Cannot grant permissions you do not hold")
		}
	}

	updated, err := h.roles.Update(c, r.ID, params)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	if params.Permissions != nil {
		if err := h.cache.DeleteByGuild(c, guildID); err != nil {
			h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to flush permission cache")
		}
	}

	h.bus.ToGuild(c, guildID, events.RoleUpdate, updated.ToModel())

	return httputil.Success(c, updated.ToModel())
}

// Delete handles DELETE /api/v1/guilds/:guildID/roles/:roleID. Assignments to the role go with it, so the guild's
// cached permission sets are flushed.
func (h *RoleHandler) Delete(c fiber.Ctx) error {
	userID, _ := auth.UserID(c)
	guildID, ok := member.GuildID(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	}
	r, err := h.guildRole(c, guildID)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if r.IsEveryone() {
		return h.mapRoleError(c, role.ErrEveryoneImmutable)
	}

	if err := h.requireRoleAuthority(c, guildID, userID, r.Position); err != nil {
		return h.mapRoleError(c, err)
	}

	if err := h.roles.Delete(c, r.ID); err != nil {
		return h.mapRoleError(c, err)
	}

	if err := h.cache.DeleteByGuild(c, guildID); err != nil {
		h.log.Warn().Err(err).Stringer("guild_id", guildID).Msg("Failed to flush permission cache")
	}

	h.bus.ToGuild(c, guildID, events.RoleDelete, models.RoleDeleteData{ID: r.ID, GuildID: guildID})

	return c.SendStatus(fiber.StatusNoContent)
}

// guildRole parses the roleID param and returns the role, masking roles from other guilds as not found.
func (h *RoleHandler) guildRole(c fiber.Ctx, guildID snowflake.ID) (*role.Role, error) {
	roleID, err := snowflake.Parse(c.Params("roleID"))
	if err != nil {
		return nil, role.ErrNotFound
	}
	r, err := h.roles.GetByID(c, roleID)
	if err != nil {
		return nil, err
	}
	if r.GuildID != guildID {
		return nil, role.ErrNotFound
	}
	return r, nil
}

// requireRoleAuthority returns ErrMissingPermissions unless the actor holds MANAGE_ROLES and outranks the given
// position (owners always do).
func (h *RoleHandler) requireRoleAuthority(c fiber.Ctx, guildID, userID snowflake.ID, position int) error {
	if err := h.resolver.Require(c, userID, guildID, permissions.ManageRoles); err != nil {
		return err
	}
	allowed, err := h.resolver.CanAssignRole(c, guildID, userID, position)
	if err != nil {
		return err
	}
	if !allowed {
		return permission.ErrMissingPermissions
	}
	return nil
}

// mapRoleError converts role-layer errors to appropriate HTTP responses.
func (h *RoleHandler) mapRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownRole, "Unknown role")
	case errors.Is(err, role.ErrNameLength), errors.Is(err, role.ErrInvalidPosition):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, role.ErrEveryoneImmutable):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, err.Error())
	case errors.Is(err, permission.ErrGuildNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, apierrors.UnknownGuild, "Unknown guild")
	case errors.Is(err, permission.ErrMissingPermissions):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.MissingPermissions, "Missing permissions")
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("Unhandled role repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
