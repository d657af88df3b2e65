package backend

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/medisafe/accessgrant/requestlog"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Attestation is the object the backend issues for one (request, decision)
// pair. It is used for exactly one attempt and never stored.
type Attestation struct {
	RequestID string
	Decision  requestlog.Decision
	// Hash is the value anchored on the ledger
	Hash string
	// Object is the backend's obj, passed back verbatim on confirmation
	Object json.RawMessage
}

// Confirmation is the backend's acknowledgement of a persisted decision.
type Confirmation struct {
	Notify string
}

// reply is the envelope every endpoint answers with.
type reply struct {
	StatusCode *int            `json:"statusCode"`
	Notify     string          `json:"notify"`
	Obj        json.RawMessage `json:"obj"`
	Data       json.RawMessage `json:"data"`
	Principal  string          `json:"principal"`
	Msg        string          `json:"msg"`
}

type generateHashRequest struct {
	AccessStatus int    `json:"access_status"`
	RequestHash  string `json:"request_hash"`
}

type updateHashRequest struct {
	Obj json.RawMessage `json:"obj"`
}

// attestationObject is the part of obj the client needs to read.
type attestationObject struct {
	CurrentHash string `json:"current_hash"`
}

type logRow struct {
	SerialNo      int      `json:"sno"`
	Date          flexTime `json:"date"`
	DoctorName    string   `json:"doctor_name"`
	Note          string   `json:"note"`
	RequestHash   string   `json:"request_hash"`
	AccessStatus  int      `json:"access_status"`
	AccessGivenOn flexTime `json:"access_given_on"`
}

// Wire values of access_status.
const (
	wirePending  = -1
	wireDeclined = 0
	wireApproved = 1
)

func decisionToWire(d requestlog.Decision) int {
	if d == requestlog.Accept {
		return wireApproved
	}
	return wireDeclined
}

func statusFromWire(v int) (requestlog.Status, error) {
	switch v {
	case wirePending:
		return requestlog.Pending, nil
	case wireApproved:
		return requestlog.Approved, nil
	case wireDeclined:
		return requestlog.Declined, nil
	default:
		return requestlog.Pending, xerrors.Errorf("access_status %d: %w", v, ErrMalformedResponse)
	}
}

func (r logRow) toAccessRequest() (requestlog.AccessRequest, error) {
	if r.RequestHash == "" {
		return requestlog.AccessRequest{}, xerrors.Errorf("row %d has no request_hash: %w", r.SerialNo, ErrMalformedResponse)
	}
	st, err := statusFromWire(r.AccessStatus)
	if err != nil {
		return requestlog.AccessRequest{}, err
	}
	ar := requestlog.AccessRequest{
		SerialNo:      r.SerialNo,
		RequestID:     r.RequestHash,
		RequestedAt:     r.Date.Time,
		RequestedAtText: r.Date.Raw,
		RequesterName:   r.DoctorName,
		Note:            r.Note,
		Status:          st,
	}
	if st != requestlog.Pending {
		ar.DecidedAt = r.AccessGivenOn.Time
		ar.DecidedAtText = r.AccessGivenOn.Raw
	}
	return ar, nil
}

// flexTime accepts the timestamp shapes the backend produces: nanoseconds
// since the epoch (as a number or a numeric string) or a formatted date.
type flexTime struct {
	time.Time
	// Raw is the value when no layout matched
	Raw string
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006, 3:04:05 PM",
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.Time = time.Unix(0, ns)
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.Time = t
			return nil
		}
	}
	logrus.WithField("value", s).Warn("unparsed timestamp in request log, kept as text")
	f.Raw = s
	return nil
}
