package workflow

import "unicode/utf8"

// Document is the stage machine's view of a document. EditStamp is the
// monotonic version marker the staleness guard compares; content bytes are
// outside this engine.
type Document struct {
	ID         string
	Stage      Stage
	EditStamp  int64
	HasContent bool
	PDFURL     string
	ParentID   string
}

// stageGates maps a stage to the group whose completion gates the advance out
// of it. Execute→PostApprove and Closed→Finalised are ungated by signatures.
var stageGates = map[Stage]GroupRole{
	StagePreApprove:  RolePreApproval,
	StagePostApprove: RolePostApproval,
}

// StageRole returns the participant group associated with a working stage.
func StageRole(s Stage) (GroupRole, bool) {
	switch s {
	case StagePreApprove:
		return RolePreApproval, true
	case StageExecute:
		return RoleExecution, true
	case StagePostApprove:
		return RolePostApproval, true
	}
	return "", false
}

// CanAdvance reports whether the document may move one stage forward given
// the current signatures.
func CanAdvance(doc Document, groups GroupSet) bool {
	if doc.Stage.Terminal() {
		return false
	}
	gate, gated := stageGates[doc.Stage]
	if !gated {
		return true
	}
	group, ok := groups.Group(gate)
	if !ok {
		return true
	}
	return IsGroupComplete(group)
}

// Advance computes the next stage. The caller performs the staleness check
// before committing and, when the target is Finalised, routes through the
// finalisation job instead of an immediate stage write.
func Advance(doc Document, groups GroupSet) (Stage, error) {
	if doc.Stage.Terminal() {
		return "", ErrTerminalState
	}
	if !CanAdvance(doc, groups) {
		return "", ErrIncompleteSignatures
	}
	next, ok := NextStage(doc.Stage)
	if !ok {
		return "", ErrTerminalState
	}
	return next, nil
}

// GoBack computes the previous working stage. The reason is recorded for
// audit and must meet the minimum length.
func GoBack(doc Document, reason string, minReasonLen int) (Stage, error) {
	if doc.Stage == StageVoided {
		return "", ErrTerminalState
	}
	if utf8.RuneCountInString(reason) < minReasonLen {
		return "", ErrReasonTooShort
	}
	prev, ok := PreviousWorkingStage(doc.Stage)
	if !ok {
		return "", ErrTerminalState
	}
	return prev, nil
}

// Disposition is the outcome of the void-or-delete policy.
type Disposition string

const (
	DispositionVoid   Disposition = "VOID"
	DispositionDelete Disposition = "DELETE"
)

// VoidOrDelete decides how a document may be discarded. The first signature
// anywhere, or authored content, consumes the document: it must be voided
// with a recorded reason rather than silently deleted.
func VoidOrDelete(doc Document, groups GroupSet) Disposition {
	if doc.HasContent || groups.AnySigned() {
		return DispositionVoid
	}
	return DispositionDelete
}

// Void validates the transition into the absorbing Voided state.
func Void(doc Document) (Stage, error) {
	if doc.Stage.Terminal() {
		return "", ErrTerminalState
	}
	return StageVoided, nil
}

// Reopen validates moving a finalised document back to Closed. Valid only
// from Finalised with a produced PDF; the caller clears pdfUrl on commit.
// Explicit user confirmation is upstream policy, not enforced here.
func Reopen(doc Document) (Stage, error) {
	if doc.Stage != StageFinalised || doc.PDFURL == "" {
		return "", ErrNotReopenable
	}
	return StageClosed, nil
}
