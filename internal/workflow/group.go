package workflow

type GroupRole string

const (
	RolePreApproval  GroupRole = "PRE_APPROVAL"
	RoleExecution    GroupRole = "EXECUTION"
	RolePostApproval GroupRole = "POST_APPROVAL"
	RoleOwners       GroupRole = "OWNERS"
	RoleViewers      GroupRole = "VIEWERS"
)

// GroupRoles lists every role in display order.
var GroupRoles = []GroupRole{
	RolePreApproval,
	RoleExecution,
	RolePostApproval,
	RoleOwners,
	RoleViewers,
}

func (r GroupRole) Valid() bool {
	for _, role := range GroupRoles {
		if role == r {
			return true
		}
	}
	return false
}

// NormalizeGroupRole maps free-form input to a GroupRole, empty when unknown.
func NormalizeGroupRole(raw string) GroupRole {
	r := GroupRole(raw)
	if r.Valid() {
		return r
	}
	return ""
}

type Participant struct {
	ID         string
	Name       string
	Initials   string
	Email      string
	IsExternal bool
	Signed     bool
}

type ParticipantGroup struct {
	Role         GroupRole
	Title        string
	SigningOrder bool
	Participants []Participant
}

// GroupSet is the full set of participant groups for one document. All
// mutating operations are copy-on-write: the receiver is never modified and
// concurrent readers never observe a half-updated group.
type GroupSet []ParticipantGroup

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// DefaultGroupSet seeds the five groups with the given participant as owner.
func DefaultGroupSet(owner Participant) GroupSet {
	owner.Signed = false
	return GroupSet{
		{Role: RolePreApproval, Title: "Pre-approval"},
		{Role: RoleExecution, Title: "Execution"},
		{Role: RolePostApproval, Title: "Post-approval"},
		{Role: RoleOwners, Title: "Owners", Participants: []Participant{owner}},
		{Role: RoleViewers, Title: "Viewers"},
	}
}

// Group returns the group with the given role.
func (gs GroupSet) Group(role GroupRole) (ParticipantGroup, bool) {
	for _, g := range gs {
		if g.Role == role {
			return g, true
		}
	}
	return ParticipantGroup{}, false
}

func (gs GroupSet) clone() GroupSet {
	next := make(GroupSet, len(gs))
	for i, g := range gs {
		participants := make([]Participant, len(g.Participants))
		copy(participants, g.Participants)
		g.Participants = participants
		next[i] = g
	}
	return next
}

func (gs GroupSet) replace(group ParticipantGroup) GroupSet {
	next := gs.clone()
	for i, g := range next {
		if g.Role == group.Role {
			next[i] = group
			return next
		}
	}
	return append(next, group)
}

// AddParticipant returns a new set with the participant appended to the
// group. A participant id already present in the same group is rejected; the
// same person may still appear in other groups.
func (gs GroupSet) AddParticipant(role GroupRole, p Participant) (GroupSet, error) {
	group, ok := gs.Group(role)
	if !ok {
		return nil, ErrUnknownGroup
	}
	for _, existing := range group.Participants {
		if existing.ID == p.ID {
			return nil, ErrDuplicateParticipant
		}
	}
	group.Participants = append(append([]Participant(nil), group.Participants...), p)
	return gs.replace(group), nil
}

// RemoveParticipant returns a new set without the participant. Removing the
// sole remaining owner is forbidden. Removing an id that is not present is a
// no-op.
func (gs GroupSet) RemoveParticipant(role GroupRole, participantID string) (GroupSet, error) {
	group, ok := gs.Group(role)
	if !ok {
		return nil, ErrUnknownGroup
	}
	idx := -1
	for i, p := range group.Participants {
		if p.ID == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return gs, nil
	}
	if role == RoleOwners && len(group.Participants) == 1 {
		return nil, ErrLastOwnerProtected
	}
	participants := make([]Participant, 0, len(group.Participants)-1)
	participants = append(participants, group.Participants[:idx]...)
	participants = append(participants, group.Participants[idx+1:]...)
	group.Participants = participants
	return gs.replace(group), nil
}

// Reorder moves the participant one position up or down. Moves past a list
// boundary are no-ops by policy, not errors.
func (gs GroupSet) Reorder(role GroupRole, participantID string, direction Direction) (GroupSet, error) {
	group, ok := gs.Group(role)
	if !ok {
		return nil, ErrUnknownGroup
	}
	idx := -1
	for i, p := range group.Participants {
		if p.ID == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrUnknownParticipant
	}
	target := idx
	switch direction {
	case DirectionUp:
		target = idx - 1
	case DirectionDown:
		target = idx + 1
	}
	if target < 0 || target >= len(group.Participants) || target == idx {
		return gs, nil
	}
	participants := append([]Participant(nil), group.Participants...)
	participants[idx], participants[target] = participants[target], participants[idx]
	group.Participants = participants
	return gs.replace(group), nil
}

// SetSigningOrder toggles strict list-order signing for the group.
func (gs GroupSet) SetSigningOrder(role GroupRole, enabled bool) (GroupSet, error) {
	group, ok := gs.Group(role)
	if !ok {
		return nil, ErrUnknownGroup
	}
	group.SigningOrder = enabled
	return gs.replace(group), nil
}

// AnySigned reports whether any participant across any group has signed.
func (gs GroupSet) AnySigned() bool {
	for _, g := range gs {
		for _, p := range g.Participants {
			if p.Signed {
				return true
			}
		}
	}
	return false
}

// ClearSignatures returns a copy of the set with every signed flag reset.
// Used when spawning a controlled copy.
func (gs GroupSet) ClearSignatures() GroupSet {
	next := gs.clone()
	for i := range next {
		for j := range next[i].Participants {
			next[i].Participants[j].Signed = false
		}
	}
	return next
}
