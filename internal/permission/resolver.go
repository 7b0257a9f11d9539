package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// ErrMissingPermissions is returned by Require when the user lacks the requested permission. Callers translate it to a
// 403 distinct from the 404 used to mask resources the user cannot see.
var ErrMissingPermissions = errors.New("missing permissions")

// Resolver computes effective permissions for a user in a guild.
type Resolver struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, log: logger}
}

// Resolve returns the effective permissions for a user in a guild, using the cache when available.
//
// Algorithm: the guild owner gets every permission; otherwise the everyone-role's bits are ORed with each assigned
// role's bits, and Administrator in the result collapses to every permission.
func (r *Resolver) Resolve(ctx context.Context, userID, guildID snowflake.ID) (permissions.Permission, error) {
	perm, ok, err := r.cache.Get(ctx, guildID, userID)
	if err != nil {
		// Cache errors are non-fatal; fall through to compute.
		r.log.Warn().Err(err).Msg("Permission cache get failed, falling through to compute")
	}
	if ok {
		return perm, nil
	}

	perm, err = r.compute(ctx, userID, guildID)
	if err != nil {
		return 0, err
	}

	if cacheErr := r.cache.Set(ctx, guildID, userID, perm); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("Permission cache set failed")
	}

	return perm, nil
}

// ResolveChannel returns the effective permissions for a user in a channel. Per-channel overwrites are not modelled, so
// the result currently equals the guild-level set; the channel ID is accepted so call sites do not change when they
// are.
func (r *Resolver) ResolveChannel(ctx context.Context, userID, guildID, channelID snowflake.ID) (permissions.Permission, error) {
	_ = channelID
	return r.Resolve(ctx, userID, guildID)
}

// Has checks whether a user has a specific permission in a guild.
func (r *Resolver) Has(ctx context.Context, userID, guildID snowflake.ID, perm permissions.Permission) (bool, error) {
	effective, err := r.Resolve(ctx, userID, guildID)
	if err != nil {
		return false, err
	}
	return effective.Has(perm), nil
}

// Require returns ErrMissingPermissions when the user lacks the given permission in the guild.
func (r *Resolver) Require(ctx context.Context, userID, guildID snowflake.ID, perm permissions.Permission) error {
	allowed, err := r.Has(ctx, userID, guildID, perm)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrMissingPermissions
	}
	return nil
}

// CanManageMember reports whether the actor may kick or otherwise moderate the target member. The owner may manage
// anyone; nobody manages the owner; otherwise the actor's highest role position must be strictly greater than the
// target's, so ties deny.
func (r *Resolver) CanManageMember(ctx context.Context, guildID, actorID, targetID snowflake.ID) (bool, error) {
	ownerID, err := r.store.GuildOwner(ctx, guildID)
	if err != nil {
		return false, err
	}
	if actorID == ownerID {
		return true, nil
	}
	if targetID == ownerID {
		return false, nil
	}

	actorPos, err := r.highestPosition(ctx, guildID, actorID)
	if err != nil {
		return false, err
	}
	targetPos, err := r.highestPosition(ctx, guildID, targetID)
	if err != nil {
		return false, err
	}
	return actorPos > targetPos, nil
}

// CanAssignRole reports whether the actor may assign or remove the role at the given position. Requires ManageRoles
// and, unless the actor is the owner, a highest role position strictly greater than the role's.
func (r *Resolver) CanAssignRole(ctx context.Context, guildID, actorID snowflake.ID, rolePosition int) (bool, error) {
	ownerID, err := r.store.GuildOwner(ctx, guildID)
	if err != nil {
		return false, err
	}
	if actorID == ownerID {
		return true, nil
	}

	allowed, err := r.Has(ctx, actorID, guildID, permissions.ManageRoles)
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, nil
	}

	actorPos, err := r.highestPosition(ctx, guildID, actorID)
	if err != nil {
		return false, err
	}
	return actorPos > rolePosition, nil
}

// compute runs the permission algorithm without consulting the cache.
func (r *Resolver) compute(ctx context.Context, userID, guildID snowflake.ID) (permissions.Permission, error) {
	ownerID, err := r.store.GuildOwner(ctx, guildID)
	if err != nil {
		return 0, err
	}
	if userID == ownerID {
		return permissions.All, nil
	}

	entries, err := r.store.RolePermissions(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("get role permissions: %w", err)
	}

	var base permissions.Permission
	for _, entry := range entries {
		base = base.Add(entry.Permissions)
	}

	if base.Has(permissions.Administrator) {
		return permissions.All, nil
	}
	return base, nil
}

// highestPosition returns the highest position among the user's assigned roles. The everyone-role does not count; a
// member with no assigned roles sits at position 0 alongside it.
func (r *Resolver) highestPosition(ctx context.Context, guildID, userID snowflake.ID) (int, error) {
	entries, err := r.store.RolePermissions(ctx, guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("get role permissions: %w", err)
	}
	highest := 0
	for _, entry := range entries {
		if entry.RoleID == guildID {
			continue
		}
		if entry.Position > highest {
			highest = entry.Position
		}
	}
	return highest, nil
}
