// Package requestlog holds the patient's log of doctor access requests and
// the rules under which a request may change status.
package requestlog

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

var (
	// ErrUnknownRequest is returned when no request has the given id.
	ErrUnknownRequest = xerrors.New("no such access request")
	// ErrNotPending is returned when a decided request is decided again.
	ErrNotPending = xerrors.New("the access request is not pending")
	// ErrInvalidOutcome is returned when a decision would move a request back to Pending.
	ErrInvalidOutcome = xerrors.New("a decision must be Approved or Declined")
)

// Store is the in-memory request log. Readers always observe whole rows.
type Store struct {
	mu       sync.RWMutex
	requests []AccessRequest
}

// NewStore returns an empty log.
func NewStore() *Store {
	return &Store{}
}

// Load replaces the whole log, keeping the order given by the backend.
func (s *Store) Load(requests []AccessRequest) {
	cp := make([]AccessRequest, len(requests))
	copy(cp, requests)

	s.mu.Lock()
	s.requests = cp
	s.mu.Unlock()
	logrus.WithField("count", len(cp)).Debug("request log loaded")
}

// ApplyDecision moves the pending request requestID to outcome.
func (s *Store) ApplyDecision(requestID string, outcome Status, decidedAt time.Time) error {
	if outcome != Approved && outcome != Declined {
		return ErrInvalidOutcome
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.find(requestID)
	if idx == -1 {
		return xerrors.Errorf("applying %v to %s: %w", outcome, requestID, ErrUnknownRequest)
	}
	if !s.requests[idx].IsPending() {
		logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"status":     s.requests[idx].Status,
			"outcome":    outcome,
		}).Error("decision applied to a request that is not pending")
		return xerrors.Errorf("applying %v to %s: %w", outcome, requestID, ErrNotPending)
	}
	s.requests[idx].Status = outcome
	s.requests[idx].DecidedAt = decidedAt
	return nil
}

// Get returns a copy of the request requestID.
func (s *Store) Get(requestID string) (AccessRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.find(requestID)
	if idx == -1 {
		return AccessRequest{}, false
	}
	return s.requests[idx], true
}

// Snapshot returns an ordered copy of the log for rendering.
func (s *Store) Snapshot() []AccessRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make([]AccessRequest, len(s.requests))
	copy(cp, s.requests)
	return cp
}

// find returns the index of requestID or -1. Callers hold the lock.
func (s *Store) find(requestID string) int {
	for i, r := range s.requests {
		if r.RequestID == requestID {
			return i
		}
	}
	return -1
}
