package workflow

// ActiveSigner returns the participant expected to sign next. With
// signingOrder enabled it is the first unsigned participant in list order;
// with it disabled there is no single active signer and any unsigned
// participant may act. The second return is false when no one is expected to
// sign (soft-order group, fully signed, or empty).
func ActiveSigner(group ParticipantGroup) (string, bool) {
	if !group.SigningOrder {
		return "", false
	}
	for _, p := range group.Participants {
		if !p.Signed {
			return p.ID, true
		}
	}
	return "", false
}

// IsGroupComplete reports whether the group blocks nothing: every participant
// has signed, or the group is empty. An empty group imposes no requirement so
// unused stages can be passed through.
func IsGroupComplete(group ParticipantGroup) bool {
	for _, p := range group.Participants {
		if !p.Signed {
			return false
		}
	}
	return true
}

// Sign returns a copy of the group with the participant's signature recorded.
// Under a strict signing order only the active signer may sign.
func Sign(group ParticipantGroup, participantID string) (ParticipantGroup, error) {
	idx := -1
	for i, p := range group.Participants {
		if p.ID == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ParticipantGroup{}, ErrUnknownParticipant
	}
	if group.Participants[idx].Signed {
		return ParticipantGroup{}, ErrAlreadySigned
	}
	if active, ok := ActiveSigner(group); ok && active != participantID {
		return ParticipantGroup{}, ErrNotActiveSigner
	}
	participants := append([]Participant(nil), group.Participants...)
	participants[idx].Signed = true
	group.Participants = participants
	return group, nil
}
