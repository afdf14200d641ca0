package workflow

import "errors"

// Validation errors are user-correctable and must never be retried
// automatically. ErrTerminalState marks a programming/usage error: callers
// should log it as a defect, not offer a retry.
var (
	ErrDuplicateParticipant = errors.New("participant already present in group")
	ErrLastOwnerProtected   = errors.New("cannot remove the sole owner")
	ErrIncompleteSignatures = errors.New("required signatures incomplete")
	ErrReasonTooShort       = errors.New("reason does not meet minimum length")
	ErrTerminalState        = errors.New("document stage permits no transition")
	ErrNotReopenable        = errors.New("only a finalised document with a PDF can be reopened")
	ErrUnknownGroup         = errors.New("unknown participant group")
	ErrUnknownParticipant   = errors.New("participant not in group")
	ErrNotActiveSigner      = errors.New("participant is not the active signer")
	ErrAlreadySigned        = errors.New("participant has already signed")
)
