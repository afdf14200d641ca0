// Package rbac defines the document access roles derived from a user's
// participant-group membership: owners drive the lifecycle, participants may
// sign, viewers read.
package rbac

type Role string
type Action string

const (
	RoleViewer      Role = "viewer"
	RoleParticipant Role = "participant"
	RoleOwner       Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionSign    Action = "sign"
	ActionManage  Action = "manage"
	ActionDiscard Action = "discard"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleParticipant:
		return action == ActionRead || action == ActionSign
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleParticipant, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
