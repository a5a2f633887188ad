package types

import "time"

// ConfirmationStatus is the observed commitment level of a submitted transaction.
type ConfirmationStatus string

const (
	// StatusSubmitted is the seed status emitted before the first poll.
	StatusSubmitted ConfirmationStatus = "submitted"
	// StatusProcessed means the transaction landed in a block on the node's fork.
	StatusProcessed ConfirmationStatus = "processed"
	// StatusConfirmed means a supermajority voted on the block.
	StatusConfirmed ConfirmationStatus = "confirmed"
	// StatusFinalized means the block is rooted.
	StatusFinalized ConfirmationStatus = "finalized"
	// StatusFailed means the transaction executed with an error.
	StatusFailed ConfirmationStatus = "failed"
	// StatusTimeout means no terminal status was observed within the watch budget.
	// It reports "status unknown", not a failure.
	StatusTimeout ConfirmationStatus = "timeout"
)

// String converts ConfirmationStatus to string representation.
func (s ConfirmationStatus) String() string {
	return string(s)
}

// Rank orders statuses along the happy path. Terminal off-path statuses rank above finalized
// so that nothing can be emitted after them.
func (s ConfirmationStatus) Rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusProcessed:
		return 1
	case StatusConfirmed:
		return 2
	case StatusFinalized, StatusFailed, StatusTimeout:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further status can follow s.
func (s ConfirmationStatus) IsTerminal() bool {
	switch s {
	case StatusFinalized, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// ParseCommitment maps an RPC confirmationStatus string onto a ConfirmationStatus.
func ParseCommitment(s string) (ConfirmationStatus, bool) {
	switch s {
	case "processed":
		return StatusProcessed, true
	case "confirmed":
		return StatusConfirmed, true
	case "finalized":
		return StatusFinalized, true
	default:
		return "", false
	}
}

// StatusEvent is a single emission of the confirmation monitor.
type StatusEvent struct {
	Signature  string
	Status     ConfirmationStatus
	Slot       uint64
	Err        string
	ObservedAt time.Time
}

// OutcomeKind tags a SubmissionOutcome.
type OutcomeKind int

const (
	// OutcomeSubmitted means a node accepted the transaction.
	OutcomeSubmitted OutcomeKind = iota
	// OutcomeRetry means every endpoint failed transiently; try again on a later run.
	OutcomeRetry
	// OutcomeFailed means the transaction can never succeed as encoded.
	OutcomeFailed
)

// String converts OutcomeKind to string representation.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SubmissionOutcome is the result of one submission attempt.
//
// Fields:
// - Kind: which variant is populated.
// - Signature: the on-chain signature, set for OutcomeSubmitted.
// - Reason: the permanent failure reason, set for OutcomeFailed.
// - Err: the underlying error for OutcomeRetry and OutcomeFailed.
type SubmissionOutcome struct {
	Kind      OutcomeKind
	Signature string
	Reason    FailureReason
	Err       error
}

// Submitted builds an OutcomeSubmitted value.
func Submitted(signature string) SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomeSubmitted, Signature: signature}
}

// Retry builds an OutcomeRetry value.
func Retry(err error) SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomeRetry, Err: err}
}

// Failed builds an OutcomeFailed value.
func Failed(reason FailureReason, err error) SubmissionOutcome {
	return SubmissionOutcome{Kind: OutcomeFailed, Reason: reason, Err: err}
}
