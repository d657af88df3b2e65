package ledger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"golang.org/x/xerrors"
)

// fakeChain records what the submitter sends and fails on demand.
type fakeChain struct {
	counter    uint64
	counterErr error
	addErr     error
	addResp    *byzcoin.AddTxResponse
	sent       []byzcoin.ClientTransaction
	waits      []int
}

func (f *fakeChain) CreateTransaction(instrs ...byzcoin.Instruction) (byzcoin.ClientTransaction, error) {
	return byzcoin.ClientTransaction{Instructions: instrs}, nil
}

func (f *fakeChain) AddTransactionAndWait(tx byzcoin.ClientTransaction, wait int) (*byzcoin.AddTxResponse, error) {
	f.sent = append(f.sent, tx)
	f.waits = append(f.waits, wait)
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.addResp != nil {
		return f.addResp, nil
	}
	f.counter++
	return &byzcoin.AddTxResponse{}, nil
}

func (f *fakeChain) GetSignerCounters(ids ...string) (*byzcoin.GetSignerCountersResponse, error) {
	if f.counterErr != nil {
		return nil, f.counterErr
	}
	return &byzcoin.GetSignerCountersResponse{Counters: []uint64{f.counter}}, nil
}

func newTestSubmitter(chain Chain) *Submitter {
	return NewSubmitter(chain, darc.NewSignerEd25519(nil, nil), byzcoin.NewInstanceID([]byte("instance")))
}

func TestSubmitter_Submit(t *testing.T) {
	chain := &fakeChain{counter: 7}
	s := newTestSubmitter(chain)

	conf, err := s.Submit(context.Background(), Payload{RequestID: "h1", Hash: "anchor", Note: []byte(`{"a":1}`)})
	require.NoError(t, err)
	require.Equal(t, "h1", conf.RequestID)
	require.Equal(t, "anchor", conf.Hash)
	require.True(t, conf.NoteIncluded)
	require.Equal(t, ConfirmationRounds, conf.Rounds)
	require.NotEmpty(t, conf.TxHash)

	require.Len(t, chain.sent, 1)
	require.Equal(t, []int{4}, chain.waits)
	inst := chain.sent[0].Instructions[0]
	require.Equal(t, s.instance, inst.InstanceID)
	require.Equal(t, ContractAccessHashID, inst.Invoke.ContractID)
	require.Equal(t, MethodAddAccessHash, inst.Invoke.Command)
	require.Equal(t, []byte("anchor"), inst.Invoke.Args.Search("hash"))
	require.Equal(t, []byte(`{"a":1}`), inst.Invoke.Args.Search("note"))
	require.Equal(t, []uint64{8}, inst.SignerCounter)
	require.Len(t, inst.SignerIdentities, 1)
	require.Len(t, inst.Signatures, 1)

	// the counter is read again for the next submission
	_, err = s.Submit(context.Background(), Payload{RequestID: "h2", Hash: "anchor2"})
	require.NoError(t, err)
	require.Equal(t, []uint64{9}, chain.sent[1].Instructions[0].SignerCounter)
	require.Nil(t, chain.sent[1].Instructions[0].Invoke.Args.Search("note"))
}

func TestSubmitter_NoteBudget(t *testing.T) {
	chain := &fakeChain{}
	s := newTestSubmitter(chain)

	exact := bytes.Repeat([]byte("a"), NoteBudget)
	conf, err := s.Submit(context.Background(), Payload{RequestID: "h1", Hash: "x1", Note: exact})
	require.NoError(t, err)
	require.True(t, conf.NoteIncluded)
	require.Equal(t, exact, chain.sent[0].Instructions[0].Invoke.Args.Search("note"))

	over := bytes.Repeat([]byte("a"), NoteBudget+1)
	conf, err = s.Submit(context.Background(), Payload{RequestID: "h1", Hash: "x2", Note: over})
	require.NoError(t, err)
	require.False(t, conf.NoteIncluded)
	// omitted, not truncated
	require.Nil(t, chain.sent[1].Instructions[0].Invoke.Args.Search("note"))
	require.Len(t, chain.sent[1].Instructions[0].Invoke.Args, 1)
}

func TestSubmitter_Failures(t *testing.T) {
	cases := []struct {
		addErr error
		kind   error
	}{
		{xerrors.New("tls://127.0.0.1:2002 Contract accesshash got Instruction 1a2b and returned error: hash x is already anchored"), ErrSubmissionRejected},
		{xerrors.New("transaction is in block, but got refused"), ErrSubmissionRejected},
		{xerrors.Errorf("did not find transaction after %v blocks", 4), ErrSubmissionTimeout},
		{xerrors.New("didn't get included after 4 blocks"), ErrSubmissionTimeout},
		{xerrors.New("inclusion not found"), ErrSubmissionTimeout},
		{xerrors.New("websocket: close 1006"), ErrSubmissionFailed},
		{xerrors.New("dial tcp 127.0.0.1:2002: connect: connection refused"), ErrSubmissionFailed},
	}
	for _, c := range cases {
		s := newTestSubmitter(&fakeChain{addErr: c.addErr})
		conf, err := s.Submit(context.Background(), Payload{RequestID: "h1", Hash: "anchor"})
		require.Nil(t, conf)
		require.True(t, xerrors.Is(err, c.kind), "%v", err)
		var se *SubmissionError
		require.True(t, xerrors.As(err, &se))
		require.Equal(t, c.addErr, se.Cause)
	}

	chain := &fakeChain{counterErr: xerrors.New("no roster")}
	_, err := newTestSubmitter(chain).Submit(context.Background(), Payload{RequestID: "h1", Hash: "anchor"})
	require.True(t, xerrors.Is(err, ErrSubmissionFailed))
	require.Empty(t, chain.sent)

	_, err = newTestSubmitter(&fakeChain{}).Submit(context.Background(), Payload{RequestID: "h1"})
	require.True(t, xerrors.Is(err, ErrSubmissionFailed))
}

func TestSubmitter_RefusedInBlock(t *testing.T) {
	chain := &fakeChain{addResp: &byzcoin.AddTxResponse{Error: "hash anchor is already anchored"}}
	conf, err := newTestSubmitter(chain).Submit(context.Background(), Payload{RequestID: "h1", Hash: "anchor"})
	require.Nil(t, conf)
	require.True(t, xerrors.Is(err, ErrSubmissionRejected), "%v", err)
	require.Contains(t, err.Error(), "already anchored")
}

func TestSubmitter_CanceledContext(t *testing.T) {
	chain := &fakeChain{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestSubmitter(chain).Submit(ctx, Payload{RequestID: "h1", Hash: "anchor"})
	require.True(t, xerrors.Is(err, ErrSubmissionFailed))
	require.Empty(t, chain.sent)
}

func TestAccessHashLog_Contains(t *testing.T) {
	hl := AccessHashLog{Entries: []AccessHashEntry{{Hash: "a"}, {Hash: "b"}}}
	require.True(t, hl.Contains("b"))
	require.False(t, hl.Contains("c"))
}
