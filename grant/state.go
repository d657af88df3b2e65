package grant

import (
	"fmt"
	"time"

	"github.com/medisafe/accessgrant/requestlog"
	"golang.org/x/xerrors"
)

// State is the step an attempt is at.
type State int

const (
	// Idle means no attempt was made yet.
	Idle State = iota
	// HashRequested means the backend is issuing the attestation.
	HashRequested
	// Submitting means the attestation is being anchored on the ledger.
	Submitting
	// Confirming means the backend is told about the anchored attestation.
	Confirming
	// Settled means the decision is stored. It is terminal.
	Settled
	// Failed means the attempt stopped, the request is still pending and a
	// new attempt can be started.
	Failed
)

var stateNames = map[State]string{
	Idle:          "idle",
	HashRequested: "hash_requested",
	Submitting:    "submitting",
	Confirming:    "confirming",
	Settled:       "settled",
	Failed:        "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for k, v := range stateNames {
		if v == s {
			return k, nil
		}
	}
	return Idle, xerrors.Errorf("unknown state %q", s)
}

// active reports whether an attempt in this state is still running.
func (s State) active() bool {
	return s == HashRequested || s == Submitting || s == Confirming
}

// Reason tells why an attempt failed.
type Reason int

const (
	// NoReason is the reason of an attempt that did not fail.
	NoReason Reason = iota
	// AuthExpired means the session is gone, the user has to log in again.
	AuthExpired
	// BackendRejected means the backend answered 403 or 500.
	BackendRejected
	// SubmissionTimeout means the ledger did not include the transaction in time.
	SubmissionTimeout
	// SubmissionRejected means the ledger refused the transaction.
	SubmissionRejected
	// SubmissionFailed means the transaction could not be sent.
	SubmissionFailed
	// UnexpectedStatus covers every other backend failure.
	UnexpectedStatus
	// StoreConflict means the request log refused the decision.
	StoreConflict
)

var reasonNames = map[Reason]string{
	NoReason:           "",
	AuthExpired:        "auth_expired",
	BackendRejected:    "backend_rejected",
	SubmissionTimeout:  "submission_timeout",
	SubmissionRejected: "submission_rejected",
	SubmissionFailed:   "submission_failed",
	UnexpectedStatus:   "unexpected_status",
	StoreConflict:      "store_conflict",
}

func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ParseReason is the inverse of Reason.String.
func ParseReason(s string) (Reason, error) {
	for k, v := range reasonNames {
		if v == s {
			return k, nil
		}
	}
	return NoReason, xerrors.Errorf("unknown reason %q", s)
}

// Attempt is one try at deciding a request.
type Attempt struct {
	ID        string
	RequestID string
	Decision  requestlog.Decision
	State     State
	Reason    Reason
	// Message is what the user is shown when the attempt failed
	Message   string
	Hash      string
	TxHash    []byte
	StartedAt time.Time
	UpdatedAt time.Time
}

// Result is a settled decision.
type Result struct {
	Attempt Attempt
	Request requestlog.AccessRequest
	// Notify is the confirmation message of the backend
	Notify string
}

// DecisionError is returned by Decide when an attempt fails.
type DecisionError struct {
	RequestID string
	Reason    Reason
	Message   string
	Err       error
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("deciding %s: %s: %s", e.RequestID, e.Reason, e.Message)
}

// Unwrap returns the error that stopped the attempt.
func (e *DecisionError) Unwrap() error {
	return e.Err
}
