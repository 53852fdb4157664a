package audit

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"droidfleet-cloud/internal/auth"
)

// FromRequest builds an entry for an operator action, taking the actor from
// the authenticated identity and the client details from r.
func FromRequest(r *http.Request, action, resourceType, resourceID, deviceID string, fields map[string]any) Entry {
	entry := Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		DeviceID:     deviceID,
	}
	if len(fields) > 0 {
		entry.Metadata, _ = json.Marshal(fields)
	}
	if r == nil {
		return entry
	}
	entry.Actor = auth.SubjectFromContext(r.Context())
	entry.Role = string(auth.RoleFromContext(r.Context()))
	entry.IP = ClientIP(r)
	entry.UserAgent = r.UserAgent()
	return entry
}

// ClientIP returns the first forwarded address, falling back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
