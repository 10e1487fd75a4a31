package auth

// Role names are stored verbatim on user records.
const (
	RoleBot         = "bot"
	RoleFileManager = "filemanager"
	RoleAdmin       = "admin"
)

var roleRanks = map[string]int{
	RoleBot:         1,
	RoleFileManager: 2,
	RoleAdmin:       3,
}

// Rank returns the privilege level of a role. Unknown roles rank 0
// and therefore satisfy no requirement.
func Rank(role string) int {
	return roleRanks[role]
}

// IsValidRole reports whether role is one of the known role names.
func IsValidRole(role string) bool {
	_, ok := roleRanks[role]
	return ok
}

// HasPermission reports whether a holder of role meets the required
// role. Higher roles include every lower role's permissions.
func HasPermission(role, required string) bool {
	req := roleRanks[required]
	if req == 0 {
		return false
	}
	return roleRanks[role] >= req
}
