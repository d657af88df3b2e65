package grant

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/medisafe/accessgrant/backend"
	"github.com/medisafe/accessgrant/identity"
	"github.com/medisafe/accessgrant/ledger"
	"github.com/medisafe/accessgrant/requestlog"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var testNow = time.Date(2020, 5, 4, 10, 30, 0, 0, time.UTC)

type fakeHashes struct {
	mu        sync.Mutex
	calls     []string
	issued    int
	hashErr   error
	confErr   error
	logErr    error
	log       []requestlog.AccessRequest
	onConfirm func()
}

func (f *fakeHashes) RequestHash(ctx context.Context, requestID string, decision requestlog.Decision) (*backend.Attestation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "request_hash")
	if f.hashErr != nil {
		return nil, f.hashErr
	}
	f.issued++
	hash := fmt.Sprintf("hash-%d", f.issued)
	return &backend.Attestation{
		RequestID: requestID,
		Decision:  decision,
		Hash:      hash,
		Object:    []byte(`{"current_hash":"` + hash + `"}`),
	}, nil
}

func (f *fakeHashes) ConfirmHash(ctx context.Context, att *backend.Attestation) (*backend.Confirmation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "confirm_hash")
	onConfirm := f.onConfirm
	f.mu.Unlock()
	if onConfirm != nil {
		onConfirm()
	}
	if f.confErr != nil {
		return nil, f.confErr
	}
	return &backend.Confirmation{Notify: "Access updated"}, nil
}

func (f *fakeHashes) GetRequestLog(ctx context.Context) ([]requestlog.AccessRequest, error) {
	if f.logErr != nil {
		return nil, f.logErr
	}
	return f.log, nil
}

func (f *fakeHashes) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAnchor struct {
	mu       sync.Mutex
	payloads []ledger.Payload
	err      error
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeAnchor) Submit(ctx context.Context, p ledger.Payload) (*ledger.TxConfirmation, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ledger.TxConfirmation{RequestID: p.RequestID, Hash: p.Hash, TxHash: []byte("tx-" + p.Hash), Rounds: 4}, nil
}

func (f *fakeAnchor) submitted() []ledger.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Payload(nil), f.payloads...)
}

type fakeSession struct {
	expired bool
}

func (s fakeSession) IsAuthenticated(ctx context.Context) bool { return !s.expired }

func (s fakeSession) HTTPClient(ctx context.Context) *http.Client { return http.DefaultClient }

type fakeNavigator struct {
	mu    sync.Mutex
	calls int
}

func (n *fakeNavigator) ToEntryPoint() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

type memJournal struct {
	mu      sync.Mutex
	entries []Attempt
}

func (j *memJournal) Record(ctx context.Context, a Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, a)
	return nil
}

func (j *memJournal) states() []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	var s []State
	for _, e := range j.entries {
		s = append(s, e.State)
	}
	return s
}

type testEnv struct {
	store   *requestlog.Store
	hashes  *fakeHashes
	anchor  *fakeAnchor
	nav     *fakeNavigator
	journal *memJournal
	c       *Coordinator
}

func newTestEnv(session identity.Session) *testEnv {
	env := &testEnv{
		store:   requestlog.NewStore(),
		hashes:  &fakeHashes{},
		anchor:  &fakeAnchor{},
		nav:     &fakeNavigator{},
		journal: &memJournal{},
	}
	env.store.Load([]requestlog.AccessRequest{
		{SerialNo: 1, RequestID: "h1", RequesterName: "Dr. Grey", Status: requestlog.Pending},
		{SerialNo: 2, RequestID: "h2", RequesterName: "Dr. House", Status: requestlog.Pending},
	})
	env.c = NewCoordinator(env.store, env.hashes, env.anchor, session, Options{
		Navigator: env.nav,
		Journal:   env.journal,
		Now:       func() time.Time { return testNow },
	})
	return env
}

func (env *testEnv) requireStatus(t *testing.T, requestID string, status requestlog.Status) {
	ar, ok := env.store.Get(requestID)
	require.True(t, ok)
	require.Equal(t, status, ar.Status)
	if status == requestlog.Pending {
		require.True(t, ar.DecidedAt.IsZero())
	}
}

func requireReason(t *testing.T, err error, reason Reason) *DecisionError {
	var de *DecisionError
	require.True(t, xerrors.As(err, &de), "%v", err)
	require.Equal(t, reason, de.Reason)
	return de
}

func TestCoordinator_Refresh(t *testing.T) {
	env := newTestEnv(fakeSession{})
	env.hashes.log = []requestlog.AccessRequest{
		{SerialNo: 1, RequestID: "h9", RequesterName: "Dr. Who", Status: requestlog.Pending},
	}
	require.NoError(t, env.c.Refresh(context.Background()))
	snap := env.store.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "h9", snap[0].RequestID)
	require.True(t, snap[0].IsPending())

	env.hashes.logErr = &backend.StatusError{Op: "get_request_log", Code: 500}
	err := env.c.Refresh(context.Background())
	require.True(t, xerrors.Is(err, backend.ErrServerError))
	require.Len(t, env.store.Snapshot(), 1)
	require.Equal(t, 0, env.nav.calls)

	env.hashes.logErr = &backend.StatusError{Op: "get_request_log", Code: 302}
	err = env.c.Refresh(context.Background())
	require.True(t, xerrors.Is(err, backend.ErrAuthExpired))
	require.Equal(t, 1, env.nav.calls)
	require.Len(t, env.store.Snapshot(), 1)
}

func TestCoordinator_Accept(t *testing.T) {
	env := newTestEnv(fakeSession{})

	res, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	require.NoError(t, err)
	require.Equal(t, "Access updated", res.Notify)
	require.Equal(t, requestlog.Approved, res.Request.Status)
	require.Equal(t, testNow, res.Request.DecidedAt)
	require.Equal(t, Settled, res.Attempt.State)
	require.Equal(t, "hash-1", res.Attempt.Hash)
	require.Equal(t, []byte("tx-hash-1"), res.Attempt.TxHash)

	require.Equal(t, []string{"request_hash", "confirm_hash"}, env.hashes.called())
	payloads := env.anchor.submitted()
	require.Len(t, payloads, 1)
	require.Equal(t, "h1", payloads[0].RequestID)
	require.Equal(t, "hash-1", payloads[0].Hash)
	require.Equal(t, []byte(`{"current_hash":"hash-1"}`), payloads[0].Note)

	env.requireStatus(t, "h1", requestlog.Approved)
	env.requireStatus(t, "h2", requestlog.Pending)
	require.Equal(t, []State{HashRequested, Submitting, Confirming, Settled}, env.journal.states())
	require.Equal(t, Settled, env.c.Attempt("h1").State)
	require.Equal(t, Idle, env.c.Attempt("h2").State)

	// terminal
	_, err = env.c.Decide(context.Background(), "h1", requestlog.Decline)
	require.True(t, xerrors.Is(err, requestlog.ErrNotPending))
	require.Len(t, env.anchor.submitted(), 1)
}

func TestCoordinator_Decline(t *testing.T) {
	env := newTestEnv(fakeSession{})
	res, err := env.c.Decide(context.Background(), "h2", requestlog.Decline)
	require.NoError(t, err)
	require.Equal(t, requestlog.Declined, res.Request.Status)
	env.requireStatus(t, "h2", requestlog.Declined)
}

func TestCoordinator_SubmissionTimeout(t *testing.T) {
	env := newTestEnv(fakeSession{})
	env.anchor.err = &ledger.SubmissionError{Kind: ledger.ErrSubmissionTimeout, Cause: xerrors.New("didn't get included")}

	res, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	require.Nil(t, res)
	de := requireReason(t, err, SubmissionTimeout)
	require.Contains(t, de.Message, "submission timeout")
	require.True(t, xerrors.Is(err, ledger.ErrSubmissionTimeout))

	require.Equal(t, []string{"request_hash"}, env.hashes.called())
	env.requireStatus(t, "h1", requestlog.Pending)
	require.Equal(t, Failed, env.c.Attempt("h1").State)
	require.Equal(t, 0, env.nav.calls)
}

func TestCoordinator_BackendForbidden(t *testing.T) {
	env := newTestEnv(fakeSession{})
	env.hashes.hashErr = &backend.StatusError{Op: "generate_access_hash", Code: 403, Notify: "not allowed"}

	_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	de := requireReason(t, err, BackendRejected)
	require.Equal(t, "not allowed", de.Message)
	require.Empty(t, env.anchor.submitted())
	env.requireStatus(t, "h1", requestlog.Pending)
	require.Equal(t, "not allowed", env.c.Attempt("h1").Message)
}

func TestCoordinator_ConfirmRedirect(t *testing.T) {
	env := newTestEnv(fakeSession{})
	env.hashes.confErr = &backend.StatusError{Op: "update_access_hash", Code: 302}

	_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, AuthExpired)
	require.True(t, xerrors.Is(err, backend.ErrAuthExpired))
	require.Len(t, env.anchor.submitted(), 1)
	require.Equal(t, 1, env.nav.calls)
	env.requireStatus(t, "h1", requestlog.Pending)
	require.Equal(t, []State{HashRequested, Submitting, Confirming, Failed}, env.journal.states())
}

func TestCoordinator_SessionExpired(t *testing.T) {
	env := newTestEnv(fakeSession{expired: true})

	_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, AuthExpired)
	require.True(t, xerrors.Is(err, identity.ErrNoSession))
	require.Empty(t, env.hashes.called())
	require.Empty(t, env.anchor.submitted())
	require.Equal(t, 1, env.nav.calls)
	env.requireStatus(t, "h1", requestlog.Pending)
}

func TestCoordinator_FailuresKeepPending(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(env *testEnv)
		reason Reason
	}{
		{"hash server error", func(env *testEnv) {
			env.hashes.hashErr = &backend.StatusError{Op: "generate_access_hash", Code: 500, Notify: "try later"}
		}, BackendRejected},
		{"hash unexpected status", func(env *testEnv) {
			env.hashes.hashErr = &backend.StatusError{Op: "generate_access_hash", Code: 418}
		}, UnexpectedStatus},
		{"hash malformed", func(env *testEnv) {
			env.hashes.hashErr = xerrors.Errorf("no obj: %w", backend.ErrMalformedResponse)
		}, UnexpectedStatus},
		{"ledger rejected", func(env *testEnv) {
			env.anchor.err = &ledger.SubmissionError{Kind: ledger.ErrSubmissionRejected, Cause: xerrors.New("refused")}
		}, SubmissionRejected},
		{"ledger failed", func(env *testEnv) {
			env.anchor.err = &ledger.SubmissionError{Kind: ledger.ErrSubmissionFailed, Cause: xerrors.New("eof")}
		}, SubmissionFailed},
		{"confirm forbidden", func(env *testEnv) {
			env.hashes.confErr = &backend.StatusError{Op: "update_access_hash", Code: 403, Notify: "hash mismatch"}
		}, BackendRejected},
		{"confirm unexpected", func(env *testEnv) {
			env.hashes.confErr = &backend.StatusError{Op: "update_access_hash", Code: 404}
		}, UnexpectedStatus},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := newTestEnv(fakeSession{})
			c.setup(env)
			_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
			requireReason(t, err, c.reason)
			env.requireStatus(t, "h1", requestlog.Pending)
			require.Equal(t, Failed, env.c.Attempt("h1").State)
			for _, s := range env.journal.states() {
				require.NotEqual(t, Settled, s)
			}
		})
	}
}

func TestCoordinator_StoreConflict(t *testing.T) {
	env := newTestEnv(fakeSession{})
	// the row gets decided elsewhere while the backend confirms
	env.hashes.onConfirm = func() {
		env.store.Load([]requestlog.AccessRequest{
			{RequestID: "h1", Status: requestlog.Declined, DecidedAt: testNow},
		})
	}
	_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, StoreConflict)
	require.True(t, xerrors.Is(err, requestlog.ErrNotPending))
	env.requireStatus(t, "h1", requestlog.Declined)
}

func TestCoordinator_Guard(t *testing.T) {
	env := newTestEnv(fakeSession{})

	_, err := env.c.Decide(context.Background(), "nope", requestlog.Accept)
	require.True(t, xerrors.Is(err, requestlog.ErrUnknownRequest))
	_, err = env.c.Decide(context.Background(), "h1", requestlog.Decision(7))
	require.True(t, xerrors.Is(err, ErrInvalidDecision))
	require.Empty(t, env.hashes.called())

	env.anchor.entered = make(chan struct{})
	env.anchor.release = make(chan struct{})
	done := make(chan error)
	go func() {
		_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
		done <- err
	}()
	<-env.anchor.entered
	require.Equal(t, Submitting, env.c.Attempt("h1").State)

	_, err = env.c.Decide(context.Background(), "h1", requestlog.Decline)
	require.True(t, xerrors.Is(err, ErrDecisionInProgress))
	// the rejected attempt left no trace
	require.Equal(t, []string{"request_hash"}, env.hashes.called())
	require.Equal(t, requestlog.Accept, env.c.Attempt("h1").Decision)

	close(env.anchor.release)
	require.NoError(t, <-done)
	env.requireStatus(t, "h1", requestlog.Approved)
}

func TestCoordinator_ConcurrentRequests(t *testing.T) {
	env := newTestEnv(fakeSession{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"h1", "h2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.c.Decide(context.Background(), id, requestlog.Accept)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	env.requireStatus(t, "h1", requestlog.Approved)
	env.requireStatus(t, "h2", requestlog.Approved)
}

func TestCoordinator_RetryRequestsFreshHash(t *testing.T) {
	env := newTestEnv(fakeSession{})
	env.anchor.err = &ledger.SubmissionError{Kind: ledger.ErrSubmissionTimeout, Cause: xerrors.New("timeout")}

	_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, SubmissionTimeout)
	first := env.c.Attempt("h1")

	env.anchor.err = nil
	res, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, res.Attempt.ID)

	payloads := env.anchor.submitted()
	require.Len(t, payloads, 2)
	require.Equal(t, "hash-1", payloads[0].Hash)
	require.Equal(t, "hash-2", payloads[1].Hash)
	require.Equal(t, []string{"request_hash", "request_hash", "confirm_hash"}, env.hashes.called())
	env.requireStatus(t, "h1", requestlog.Approved)
}

func TestStateAndReasonNames(t *testing.T) {
	for s := Idle; s <= Failed; s++ {
		back, err := ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, back)
	}
	for r := NoReason; r <= StoreConflict; r++ {
		back, err := ParseReason(r.String())
		require.NoError(t, err)
		require.Equal(t, r, back)
	}
	_, err := ParseState("bogus")
	require.Error(t, err)
}

func TestCoordinator_UnexpectedStatusGoesToEntryPoint(t *testing.T) {
	env := newTestEnv(fakeSession{})
	env.hashes.hashErr = &backend.StatusError{Op: "generate_access_hash", Code: 404}

	_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, UnexpectedStatus)
	require.Equal(t, 1, env.nav.calls)
	require.Empty(t, env.anchor.submitted())
	env.requireStatus(t, "h1", requestlog.Pending)

	env.hashes.logErr = &backend.StatusError{Op: "get_request_log", Code: 401}
	err = env.c.Refresh(context.Background())
	require.True(t, xerrors.Is(err, backend.ErrUnexpectedStatus))
	require.Equal(t, 2, env.nav.calls)
	require.Len(t, env.store.Snapshot(), 2)
}

func TestCoordinator_MalformedReplyStaysPut(t *testing.T) {
	env := newTestEnv(fakeSession{})
	env.hashes.hashErr = xerrors.Errorf("no obj: %w", backend.ErrMalformedResponse)
	_, err := env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, UnexpectedStatus)

	env.hashes.hashErr = xerrors.Errorf("calling /generate_access_hash: %w", xerrors.New("connection reset"))
	_, err = env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, UnexpectedStatus)

	env.anchor.err = &ledger.SubmissionError{Kind: ledger.ErrSubmissionFailed, Cause: xerrors.New("eof")}
	env.hashes.hashErr = nil
	_, err = env.c.Decide(context.Background(), "h1", requestlog.Accept)
	requireReason(t, err, SubmissionFailed)

	require.Equal(t, 0, env.nav.calls)
	env.requireStatus(t, "h1", requestlog.Pending)
}
