// Package auth authenticates every inbound HTTP request and WebSocket upgrade.
// A request passes two gates: the local HMAC signature check on its JWT, then
// a revocation check against the identity authority. What happens when the
// authority is unreachable is an explicit policy (fail_closed or fail_open),
// never an accident.
package auth

import "context"

// Role values recognized in token claims.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Permission names carried in token claims. The auth service grants them;
// this server only checks.
const (
	PermissionICEAdmin = "ice:admin"
)

// Identity is the authenticated principal attached to a request or signaling
// connection.
type Identity struct {
	UserID      string
	DeviceID    string
	Email       string
	Role        string
	Permissions []string
	// Degraded is set when the identity authority could not be consulted and
	// the fail_open policy let the locally-verified token through.
	Degraded bool
}

func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }

// HasPermission reports whether the token grants perm. The admin role
// implies every permission.
func (id Identity) HasPermission(perm string) bool {
	if id.IsAdmin() {
		return true
	}
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type contextKey struct{}

// ContextWithIdentity attaches id to ctx for downstream handlers.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the authenticated identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
