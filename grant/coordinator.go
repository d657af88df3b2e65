// Package grant drives a patient's decision on an access request through the
// attestation handshake: the backend issues a hash, the hash is anchored on
// the ledger, the backend is told, and only then is the request log updated.
package grant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medisafe/accessgrant/backend"
	"github.com/medisafe/accessgrant/identity"
	"github.com/medisafe/accessgrant/ledger"
	"github.com/medisafe/accessgrant/requestlog"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	// ErrDecisionInProgress is returned when the request already has a
	// running attempt.
	ErrDecisionInProgress = xerrors.New("a decision is already in progress")
	// ErrInvalidDecision is returned for a decision other than accept or
	// decline.
	ErrInvalidDecision = xerrors.New("invalid decision")
)

// HashService is the backend side of the handshake.
type HashService interface {
	RequestHash(ctx context.Context, requestID string, decision requestlog.Decision) (*backend.Attestation, error)
	ConfirmHash(ctx context.Context, att *backend.Attestation) (*backend.Confirmation, error)
	GetRequestLog(ctx context.Context) ([]requestlog.AccessRequest, error)
}

// Anchor puts attestation hashes on the ledger.
type Anchor interface {
	Submit(ctx context.Context, p ledger.Payload) (*ledger.TxConfirmation, error)
}

// Recorder keeps a trace of every attempt transition.
type Recorder interface {
	Record(ctx context.Context, a Attempt) error
}

// Options holds the optional collaborators of a Coordinator.
type Options struct {
	// Navigator is used to send the user back to the login page
	Navigator identity.Navigator
	Journal   Recorder
	Now       func() time.Time
}

// Coordinator runs decisions on the requests of one store.
type Coordinator struct {
	store   *requestlog.Store
	hashes  HashService
	anchor  Anchor
	session identity.Session
	nav     identity.Navigator
	journal Recorder
	now     func() time.Time

	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewCoordinator returns a coordinator with no attempt.
func NewCoordinator(store *requestlog.Store, hashes HashService, anchor Anchor,
	session identity.Session, opts Options) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:    store,
		hashes:   hashes,
		anchor:   anchor,
		session:  session,
		nav:      opts.Navigator,
		journal:  opts.Journal,
		now:      now,
		attempts: make(map[string]*Attempt),
	}
}

// Decide runs one attempt of decision on requestID. The request log is only
// updated once the attestation is anchored and the backend confirmed it; any
// failure returns a *DecisionError and leaves the request pending.
//
// ErrUnknownRequest, ErrNotPending and ErrDecisionInProgress are returned
// before anything is sent.
func (c *Coordinator) Decide(ctx context.Context, requestID string, decision requestlog.Decision) (*Result, error) {
	if !decision.Valid() {
		return nil, xerrors.Errorf("%v: %w", decision, ErrInvalidDecision)
	}
	a, err := c.begin(requestID, decision)
	if err != nil {
		return nil, err
	}
	logger := logrus.WithFields(logrus.Fields{
		"request_id": requestID,
		"attempt":    a.ID,
		"decision":   decision,
	})
	logger.Info("decision started")

	if !c.session.IsAuthenticated(ctx) {
		return nil, c.fail(ctx, a, AuthExpired, "", identity.ErrNoSession)
	}
	c.record(ctx, a)

	att, err := c.hashes.RequestHash(ctx, requestID, decision)
	if err != nil {
		return nil, c.fail(ctx, a, backendReason(err), backend.Notify(err), err)
	}
	c.update(ctx, a, func(a *Attempt) {
		a.State = Submitting
		a.Hash = att.Hash
	})

	conf, err := c.anchor.Submit(ctx, ledger.Payload{
		RequestID: requestID,
		Hash:      att.Hash,
		Note:      att.Object,
	})
	if err != nil {
		return nil, c.fail(ctx, a, ledgerReason(err), err.Error(), err)
	}
	c.update(ctx, a, func(a *Attempt) {
		a.State = Confirming
		a.TxHash = conf.TxHash
	})

	confirmation, err := c.hashes.ConfirmHash(ctx, att)
	if err != nil {
		return nil, c.fail(ctx, a, backendReason(err), backend.Notify(err), err)
	}

	err = c.store.ApplyDecision(requestID, decision.Outcome(), c.now())
	if err != nil {
		return nil, c.fail(ctx, a, StoreConflict, err.Error(), err)
	}
	c.update(ctx, a, func(a *Attempt) {
		a.State = Settled
	})
	logger.WithField("state", Settled).Info("decision settled")

	ar, _ := c.store.Get(requestID)
	return &Result{
		Attempt: c.Attempt(requestID),
		Request: ar,
		Notify:  confirmation.Notify,
	}, nil
}

// Refresh reloads the request log from the backend. The store is left as it
// was when the fetch fails.
func (c *Coordinator) Refresh(ctx context.Context) error {
	requests, err := c.hashes.GetRequestLog(ctx)
	if err != nil {
		if leadsToEntryPoint(err) {
			c.toEntryPoint()
		}
		return xerrors.Errorf("refreshing the request log: %w", err)
	}
	c.store.Load(requests)
	return nil
}

// Attempt returns the last attempt on requestID. Its state is Idle when
// there was none.
func (c *Coordinator) Attempt(requestID string) Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.attempts[requestID]
	if !ok {
		return Attempt{RequestID: requestID, State: Idle}
	}
	return *a
}

// begin checks the request can be decided and reserves it.
func (c *Coordinator) begin(requestID string, decision requestlog.Decision) (*Attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ar, ok := c.store.Get(requestID)
	if !ok {
		return nil, xerrors.Errorf("%s: %w", requestID, requestlog.ErrUnknownRequest)
	}
	if !ar.IsPending() {
		return nil, xerrors.Errorf("%s is %v: %w", requestID, ar.Status, requestlog.ErrNotPending)
	}
	if prev, ok := c.attempts[requestID]; ok && prev.State.active() {
		return nil, xerrors.Errorf("%s: %w", requestID, ErrDecisionInProgress)
	}

	now := c.now()
	a := &Attempt{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Decision:  decision,
		State:     HashRequested,
		StartedAt: now,
		UpdatedAt: now,
	}
	c.attempts[requestID] = a
	return a, nil
}

func (c *Coordinator) update(ctx context.Context, a *Attempt, f func(*Attempt)) {
	c.mu.Lock()
	f(a)
	a.UpdatedAt = c.now()
	c.mu.Unlock()
	c.record(ctx, a)
}

func (c *Coordinator) fail(ctx context.Context, a *Attempt, reason Reason, msg string, err error) error {
	if msg == "" {
		msg = err.Error()
	}
	c.update(ctx, a, func(a *Attempt) {
		a.State = Failed
		a.Reason = reason
		a.Message = msg
	})
	logrus.WithFields(logrus.Fields{
		"request_id": a.RequestID,
		"attempt":    a.ID,
		"reason":     reason,
	}).Warn("decision failed: ", err)

	if reason == AuthExpired || leadsToEntryPoint(err) {
		c.toEntryPoint()
	}
	return &DecisionError{
		RequestID: a.RequestID,
		Reason:    reason,
		Message:   msg,
		Err:       err,
	}
}

func (c *Coordinator) record(ctx context.Context, a *Attempt) {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	snapshot := *a
	c.mu.Unlock()
	if err := c.journal.Record(ctx, snapshot); err != nil {
		logrus.WithField("attempt", a.ID).Error("recording the attempt: ", err)
	}
}

func (c *Coordinator) toEntryPoint() {
	if c.nav == nil {
		return
	}
	if err := c.nav.ToEntryPoint(); err != nil {
		logrus.Error("going back to the entry point: ", err)
	}
}

// leadsToEntryPoint reports whether err sends the user back to the entry point:
// the session expired or the backend answered with a status it gives no
// meaning to. Malformed replies and transport errors do not.
func leadsToEntryPoint(err error) bool {
	if xerrors.Is(err, backend.ErrAuthExpired) {
		return true
	}
	var se *backend.StatusError
	return xerrors.As(err, &se) && xerrors.Is(se, backend.ErrUnexpectedStatus)
}

func backendReason(err error) Reason {
	switch {
	case xerrors.Is(err, backend.ErrAuthExpired):
		return AuthExpired
	case xerrors.Is(err, backend.ErrForbidden), xerrors.Is(err, backend.ErrServerError):
		return BackendRejected
	default:
		return UnexpectedStatus
	}
}

func ledgerReason(err error) Reason {
	switch {
	case xerrors.Is(err, ledger.ErrSubmissionTimeout):
		return SubmissionTimeout
	case xerrors.Is(err, ledger.ErrSubmissionRejected):
		return SubmissionRejected
	default:
		return SubmissionFailed
	}
}
