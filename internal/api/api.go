// Package api contains the Fiber handlers for the REST surface. Handlers stay
// thin: they parse and validate input, call into the domain packages, map
// sentinel errors to the response envelope, and publish gateway events for
// successful mutations.
package api

import (
	"context"

	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// SessionInvalidator force-closes a user's live gateway sessions and deletes
// their session records. The gateway Hub implements it; logout uses it so a
// revoked token cannot keep an open socket alive.
type SessionInvalidator interface {
	InvalidateAllForUser(ctx context.Context, userID snowflake.ID) error
}
