package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanAccessParty reports whether the caller may act on data belonging to partyIDs.
// Admins may access any party; everyone else only themselves.
func CanAccessParty(role, callerID string, partyIDs ...string) bool {
	if IsAdmin(role) {
		return true
	}
	if callerID == "" {
		return false
	}
	for _, id := range partyIDs {
		if id == callerID {
			return true
		}
	}
	return false
}
