// Package rbac maps workspace membership roles to the actions they allow.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers resolving identifiers, viewing issues and boards.
	ActionRead Action = "read"
	// ActionWrite covers creating issues, patching them and moving cards.
	ActionWrite Action = "write"
	// ActionAdmin covers creating spaces and managing members.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a stored role string to a Role. An empty string means no
// membership and yields "", which Can rejects for every action.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return Role(role)
	case "":
		return ""
	default:
		return RoleViewer
	}
}
