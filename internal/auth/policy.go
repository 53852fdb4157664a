package auth

import (
	"net/http"
	"strings"
)

// Rule grants access to every path under Prefix. Read covers GET, HEAD and
// OPTIONS; Write covers the remaining methods.
type Rule struct {
	Prefix string
	Read   Role
	Write  Role
}

// Policy maps request paths to the role they require.
type Policy struct {
	exempt   map[string]struct{}
	prefixes []string
	rules    []Rule
}

// DefaultRules protects the operator API, device enrollment and the device channel.
var DefaultRules = []Rule{
	{Prefix: "/device/", Read: RoleDevice, Write: RoleDevice},
	{Prefix: "/api/v1/devices", Read: RoleViewer, Write: RoleAdmin},
	{Prefix: "/api/v1/commands", Read: RoleViewer, Write: RoleOperator},
	{Prefix: "/api/", Read: RoleViewer, Write: RoleOperator},
}

// NewDefaultPolicy builds a policy over DefaultRules with the given exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	return NewPolicy(DefaultRules, exemptPaths, exemptPrefixes)
}

// NewPolicy builds a policy. Rules are matched in order; the first prefix match wins.
func NewPolicy(rules []Rule, exemptPaths []string, exemptPrefixes []string) Policy {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		exempt[path] = struct{}{}
	}
	return Policy{exempt: exempt, prefixes: exemptPrefixes, rules: rules}
}

// IsExempt reports whether r skips authentication entirely.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.exempt[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves the role r needs. ok is false for unguarded paths.
func (p Policy) RequiredRole(r *http.Request) (role Role, ok bool) {
	if r == nil {
		return "", false
	}
	for _, rule := range p.rules {
		if !strings.HasPrefix(r.URL.Path, rule.Prefix) {
			continue
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return rule.Read, true
		default:
			return rule.Write, true
		}
	}
	return "", false
}
