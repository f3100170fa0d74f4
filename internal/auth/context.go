package auth

import "context"

type roleKey struct{}

// WithRole returns ctx carrying the authenticated caller's role.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext reports the caller's role. ok is false when the request
// was not authenticated, i.e. auth is disabled.
func RoleFromContext(ctx context.Context) (role string, ok bool) {
	role, ok = ctx.Value(roleKey{}).(string)
	return role, ok
}

// Require reports whether the caller in ctx may use something that needs
// want. Unauthenticated contexts pass; the server only runs without keys on
// loopback.
func Require(ctx context.Context, want string) bool {
	role, ok := RoleFromContext(ctx)
	return !ok || Permits(role, want)
}
