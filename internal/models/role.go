package models

// Role is a user's role within a group.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleModerator, RoleMember:
		return true
	}
	return false
}

// CanModerate is the single privilege predicate for moderator actions
// (message deletion, muting).
func (r Role) CanModerate() bool {
	return r == RoleOwner || r == RoleModerator
}
