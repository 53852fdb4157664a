package auth

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
)

// DeviceVerifier rejects device tokens whose subject is not a registered device.
type DeviceVerifier func(ctx context.Context, deviceID string) error

// Middleware authenticates bearer tokens and enforces the route policy.
type Middleware struct {
	secret  []byte
	policy  Policy
	devices DeviceVerifier
	logger  *log.Logger
}

// MiddlewareOption customizes a Middleware.
type MiddlewareOption func(*Middleware)

// WithDeviceVerifier checks device tokens against the device registry.
func WithDeviceVerifier(verify DeviceVerifier) MiddlewareOption {
	return func(m *Middleware) {
		m.devices = verify
	}
}

// WithMiddlewareLogger sets the logger used for rejected requests.
func WithMiddlewareLogger(logger *log.Logger) MiddlewareOption {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{secret: secret, policy: policy, logger: log.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap resolves the caller identity and rejects requests below the required role.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		required, ok := m.policy.RequiredRole(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := ParseJWT(bearerToken(r), m.secret)
		if err != nil {
			deny(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		role, _ := NormalizeRole(claims.Role)
		if !RoleAtLeast(role, required) {
			deny(w, http.StatusForbidden, "forbidden")
			return
		}
		if role == RoleDevice && m.devices != nil {
			if err := m.devices(r.Context(), claims.Subject); err != nil {
				m.logger.Printf("auth device rejected: device=%s path=%s err=%v", claims.Subject, r.URL.Path, err)
				deny(w, http.StatusUnauthorized, "unknown device")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), role, claims.Subject)))
	})
}

func deny(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
