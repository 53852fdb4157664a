package auth

// Role represents a caller role.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
	// RoleDevice is held by Android devices; the token subject is the device id.
	RoleDevice Role = "device"
)

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleViewer, RoleOperator, RoleAdmin, RoleDevice:
		return Role(value), true
	default:
		return "", false
	}
}

// RoleAtLeast returns true when role satisfies required role. Device tokens sit
// outside the operator hierarchy and only satisfy RoleDevice.
func RoleAtLeast(role Role, required Role) bool {
	if role == RoleDevice || required == RoleDevice {
		return role == required
	}
	return roleRank(role) >= roleRank(required)
}

func roleRank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}
