package rbac

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// PublicSubject is the reserved subject id representing anonymous access.
// A (PublicSubject, project, viewer) grant makes the project publicly
// readable.
const PublicSubject = "public"

// Rank orders roles as viewer < editor < owner. Unknown roles rank below
// viewer.
func Rank(role Role) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether role grants at least the privileges of min.
func AtLeast(role, min Role) bool {
	return Rank(role) >= Rank(min)
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return true
	default:
		return false
	}
}

// Normalize maps an arbitrary role string to a known role, defaulting to
// viewer.
func Normalize(role string) Role {
	if Valid(role) {
		return Role(role)
	}
	return RoleViewer
}
