package workflow

import (
	"errors"
	"testing"
)

func TestAddParticipantRejectsDuplicate(t *testing.T) {
	gs := DefaultGroupSet(Participant{ID: "u_owner", Name: "Dana"})

	next, err := gs.AddParticipant(RolePreApproval, Participant{ID: "u_alice", Name: "Alice"})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := next.AddParticipant(RolePreApproval, Participant{ID: "u_alice"}); !errors.Is(err, ErrDuplicateParticipant) {
		t.Fatalf("expected ErrDuplicateParticipant, got %v", err)
	}

	// Same person in another group is fine (e.g. owner who also pre-approves).
	if _, err := next.AddParticipant(RoleOwners, Participant{ID: "u_alice"}); err != nil {
		t.Fatalf("cross-group add failed: %v", err)
	}
}

func TestRemoveLastOwnerProtected(t *testing.T) {
	gs := DefaultGroupSet(Participant{ID: "u_owner"})

	if _, err := gs.RemoveParticipant(RoleOwners, "u_owner"); !errors.Is(err, ErrLastOwnerProtected) {
		t.Fatalf("expected ErrLastOwnerProtected, got %v", err)
	}

	withSecond, err := gs.AddParticipant(RoleOwners, Participant{ID: "u_second"})
	if err != nil {
		t.Fatalf("add second owner failed: %v", err)
	}
	next, err := withSecond.RemoveParticipant(RoleOwners, "u_owner")
	if err != nil {
		t.Fatalf("remove non-last owner failed: %v", err)
	}
	owners, _ := next.Group(RoleOwners)
	if len(owners.Participants) != 1 || owners.Participants[0].ID != "u_second" {
		t.Fatalf("unexpected owners after removal: %+v", owners.Participants)
	}
}

func TestRemoveMissingParticipantIsNoop(t *testing.T) {
	gs := DefaultGroupSet(Participant{ID: "u_owner"})
	next, err := gs.RemoveParticipant(RoleViewers, "u_ghost")
	if err != nil {
		t.Fatalf("remove of missing participant errored: %v", err)
	}
	if len(next) != len(gs) {
		t.Fatalf("group set changed shape")
	}
}

func TestReorderBoundariesAreNoops(t *testing.T) {
	gs := DefaultGroupSet(Participant{ID: "u_owner"})
	gs, _ = gs.AddParticipant(RolePreApproval, Participant{ID: "u_a"})
	gs, _ = gs.AddParticipant(RolePreApproval, Participant{ID: "u_b"})
	gs, _ = gs.AddParticipant(RolePreApproval, Participant{ID: "u_c"})

	// First item cannot move up, last cannot move down.
	same, err := gs.Reorder(RolePreApproval, "u_a", DirectionUp)
	if err != nil {
		t.Fatalf("boundary reorder errored: %v", err)
	}
	group, _ := same.Group(RolePreApproval)
	if group.Participants[0].ID != "u_a" {
		t.Fatalf("boundary move changed order: %+v", group.Participants)
	}
	same, err = gs.Reorder(RolePreApproval, "u_c", DirectionDown)
	if err != nil {
		t.Fatalf("boundary reorder errored: %v", err)
	}
	group, _ = same.Group(RolePreApproval)
	if group.Participants[2].ID != "u_c" {
		t.Fatalf("boundary move changed order: %+v", group.Participants)
	}

	moved, err := gs.Reorder(RolePreApproval, "u_c", DirectionUp)
	if err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	group, _ = moved.Group(RolePreApproval)
	if group.Participants[1].ID != "u_c" || group.Participants[2].ID != "u_b" {
		t.Fatalf("unexpected order after move: %+v", group.Participants)
	}
}

func TestCopyOnWriteLeavesOriginalIntact(t *testing.T) {
	gs := DefaultGroupSet(Participant{ID: "u_owner"})
	gs, _ = gs.AddParticipant(RolePreApproval, Participant{ID: "u_a"})

	mutated, err := gs.SetSigningOrder(RolePreApproval, true)
	if err != nil {
		t.Fatalf("set signing order failed: %v", err)
	}
	original, _ := gs.Group(RolePreApproval)
	changed, _ := mutated.Group(RolePreApproval)
	if original.SigningOrder {
		t.Fatalf("original set was mutated")
	}
	if !changed.SigningOrder {
		t.Fatalf("signing order not applied on the copy")
	}
}

func TestClearSignatures(t *testing.T) {
	gs := DefaultGroupSet(Participant{ID: "u_owner"})
	gs, _ = gs.AddParticipant(RolePreApproval, Participant{ID: "u_a", Signed: true})

	if !gs.AnySigned() {
		t.Fatalf("expected AnySigned before clearing")
	}
	cleared := gs.ClearSignatures()
	if cleared.AnySigned() {
		t.Fatalf("expected no signatures after clearing")
	}
	if !gs.AnySigned() {
		t.Fatalf("clearing mutated the original set")
	}
}
