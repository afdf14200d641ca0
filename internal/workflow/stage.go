// Package workflow implements the approval lifecycle of a document: the
// ordered stage machine, per-stage participant groups, signing-order
// enforcement, and the void/delete policy. Everything in this package is a
// pure computation over immutable snapshots; persistence and staleness
// checking belong to the caller.
package workflow

type Stage string

const (
	StagePreApprove  Stage = "PRE_APPROVE"
	StageExecute     Stage = "EXECUTE"
	StagePostApprove Stage = "POST_APPROVE"
	StageClosed      Stage = "CLOSED"
	StageFinalised   Stage = "FINALISED"
	StageVoided      Stage = "VOIDED"
)

// orderedStages is the forward path of the lifecycle. Voided sits outside the
// sequence and is reachable from any non-terminal stage.
var orderedStages = []Stage{
	StagePreApprove,
	StageExecute,
	StagePostApprove,
	StageClosed,
	StageFinalised,
}

func (s Stage) Valid() bool {
	if s == StageVoided {
		return true
	}
	return stageIndex(s) >= 0
}

// Terminal reports whether no forward transition exists from s.
func (s Stage) Terminal() bool {
	return s == StageFinalised || s == StageVoided
}

func stageIndex(s Stage) int {
	for i, stage := range orderedStages {
		if stage == s {
			return i
		}
	}
	return -1
}

// NextStage returns the stage one step forward in the ordered sequence.
func NextStage(s Stage) (Stage, bool) {
	idx := stageIndex(s)
	if idx < 0 || idx >= len(orderedStages)-1 {
		return "", false
	}
	return orderedStages[idx+1], true
}

// PreviousWorkingStage returns the go-back target. From Finalised the target
// is Closed, the last working stage, not a literal single-step reversal.
func PreviousWorkingStage(s Stage) (Stage, bool) {
	if s == StageFinalised {
		return StageClosed, true
	}
	idx := stageIndex(s)
	if idx <= 0 {
		return "", false
	}
	return orderedStages[idx-1], true
}

// NormalizeStage maps free-form input to a Stage, empty when unrecognized.
func NormalizeStage(raw string) Stage {
	s := Stage(raw)
	if s.Valid() {
		return s
	}
	return ""
}
