package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleStudent    = "student"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsResponder reports whether the role answers calls.
func IsResponder(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

// ValidRole reports whether role is one this service issues.
func ValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}
