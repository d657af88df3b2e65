package requestlog

import "time"

// Status is the consent status of an access request.
type Status int

const (
	// Pending is the status of a request the patient has not decided yet.
	Pending Status = iota
	// Approved means the patient granted access.
	Approved
	// Declined means the patient refused access.
	Declined
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Approved:
		return "Approved"
	case Declined:
		return "Declined"
	default:
		return "Unknown"
	}
}

// Decision is what the patient answers to an access request.
type Decision int

const (
	// Decline refuses access. Its wire value is 0.
	Decline Decision = iota
	// Accept grants access. Its wire value is 1.
	Accept
)

// Valid reports whether d is Accept or Decline.
func (d Decision) Valid() bool {
	return d == Accept || d == Decline
}

// Outcome is the status a request reaches once d is settled.
func (d Decision) Outcome() Status {
	if d == Accept {
		return Approved
	}
	return Declined
}

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Decline:
		return "decline"
	default:
		return "invalid"
	}
}

// AccessRequest is one row of the patient's request log.
type AccessRequest struct {
	SerialNo      int
	RequestID     string
	RequestedAt   time.Time
	RequesterName string
	Note          string
	Status        Status
	// DecidedAt is zero while Status is Pending
	DecidedAt time.Time
	// RequestedAtText and DecidedAtText keep the backend's date when it could
	// not be parsed into RequestedAt or DecidedAt
	RequestedAtText string
	DecidedAtText   string
}

// IsPending reports whether the request still waits for a decision.
func (r AccessRequest) IsPending() bool {
	return r.Status == Pending
}
