package auth

import "context"

type identityKey struct{}

type identity struct {
	role    Role
	subject string
}

// WithIdentity attaches the authenticated caller to ctx.
func WithIdentity(ctx context.Context, role Role, subject string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity{role: role, subject: subject})
}

func identityFrom(ctx context.Context) identity {
	if ctx == nil {
		return identity{}
	}
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// RoleFromContext returns the caller role, or "" for anonymous requests.
func RoleFromContext(ctx context.Context) Role {
	return identityFrom(ctx).role
}

// SubjectFromContext returns the token subject: an operator name or a device id.
func SubjectFromContext(ctx context.Context) string {
	return identityFrom(ctx).subject
}

// DeviceIDFromContext returns the calling device id, or "" unless the caller
// holds a device token.
func DeviceIDFromContext(ctx context.Context) string {
	id := identityFrom(ctx)
	if id.role != RoleDevice {
		return ""
	}
	return id.subject
}
