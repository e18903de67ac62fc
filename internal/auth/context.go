// ABOUTME: Authenticated identity for tracking who performs an operation through request handlers
// ABOUTME: Provides WithIdentity/FromContext and conversion to a transfer actor

package auth

import (
	"context"

	"github.com/2389/handoff-gateway/internal/transfer"
)

// Roles carried in the "role" claim.
const (
	RoleAdmin = transfer.RoleAdmin
	RoleAgent = transfer.RoleAgent
	RoleBot   = transfer.RoleBot
)

func validRole(r string) bool {
	return r == RoleAdmin || r == RoleAgent || r == RoleBot
}

// Identity is the authenticated caller extracted from a request.
type Identity struct {
	Subject  string // agent id for agents, operator or bot name otherwise
	Role     string
	TenantID string // empty means all tenants
}

// IsAdmin returns true if the identity has the admin role.
func (i *Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Actor converts the identity into the principal the coordinator records.
func (i *Identity) Actor() transfer.Actor {
	return transfer.Actor{ID: i.Subject, Role: i.Role, TenantID: i.TenantID}
}

// Anonymous is used for every request when authentication is disabled.
var Anonymous = &Identity{Subject: "anonymous", Role: RoleAdmin}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
