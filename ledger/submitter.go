// Package ledger anchors access decisions on a byzcoin ledger: it signs and
// submits the add_access_hash invocation and waits for its inclusion.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

const (
	// ConfirmationRounds is the number of block intervals a submission waits
	// for inclusion.
	ConfirmationRounds = 4
	// NoteBudget is the largest note, in bytes, attached to a submission.
	NoteBudget = 1024
)

var (
	// ErrSubmissionTimeout means the transaction was not included in time.
	ErrSubmissionTimeout = xerrors.New("submission timeout")
	// ErrSubmissionRejected means the transaction was included but refused.
	ErrSubmissionRejected = xerrors.New("submission rejected")
	// ErrSubmissionFailed covers every other failure to submit.
	ErrSubmissionFailed = xerrors.New("submission failed")
)

// SubmissionError is a failed submission. It unwraps to one of the
// ErrSubmission* sentinels; Cause is the error reported by the chain.
type SubmissionError struct {
	Kind  error
	Cause error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
}

// Unwrap returns the kind of failure.
func (e *SubmissionError) Unwrap() error {
	return e.Kind
}

// Chain is the part of *byzcoin.Client the submitter needs.
type Chain interface {
	CreateTransaction(instrs ...byzcoin.Instruction) (byzcoin.ClientTransaction, error)
	AddTransactionAndWait(tx byzcoin.ClientTransaction, wait int) (*byzcoin.AddTxResponse, error)
	GetSignerCounters(ids ...string) (*byzcoin.GetSignerCountersResponse, error)
}

// Payload is what gets anchored for one decision.
type Payload struct {
	RequestID string
	Hash      string
	// Note is the serialized decision context
	Note []byte
}

// TxConfirmation describes an included submission.
type TxConfirmation struct {
	RequestID    string
	Hash         string
	TxHash       []byte
	InstanceID   byzcoin.InstanceID
	Rounds       int
	NoteIncluded bool
}

// Submitter anchors attestation hashes on one accesshash instance.
type Submitter struct {
	chain    Chain
	signer   darc.Signer
	instance byzcoin.InstanceID
	rounds   int
	// submissions of one signer are serialized, they share the signer counter
	mu sync.Mutex
}

// NewSubmitter returns a submitter signing with signer.
func NewSubmitter(chain Chain, signer darc.Signer, instance byzcoin.InstanceID) *Submitter {
	return &Submitter{
		chain:    chain,
		signer:   signer,
		instance: instance,
		rounds:   ConfirmationRounds,
	}
}

// Submit anchors p.Hash and waits up to ConfirmationRounds for inclusion.
func (s *Submitter) Submit(ctx context.Context, p Payload) (*TxConfirmation, error) {
	if p.Hash == "" {
		return nil, &SubmissionError{ErrSubmissionFailed, xerrors.New("empty attestation hash")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, &SubmissionError{ErrSubmissionFailed, err}
	}

	counter, err := s.nextCounter()
	if err != nil {
		return nil, &SubmissionError{ErrSubmissionFailed, err}
	}
	args := byzcoin.Arguments{{Name: "hash", Value: []byte(p.Hash)}}
	noteIncluded := false
	if len(p.Note) > 0 {
		if FitsNoteBudget(p.Note) {
			args = append(args, byzcoin.Argument{Name: "note", Value: p.Note})
			noteIncluded = true
		} else {
			log.Lvlf2("note of %d bytes for %s exceeds the budget, omitted", len(p.Note), p.RequestID)
		}
	}

	tx, err := s.chain.CreateTransaction(byzcoin.Instruction{
		InstanceID: s.instance,
		Invoke: &byzcoin.Invoke{
			ContractID: ContractAccessHashID,
			Command:    MethodAddAccessHash,
			Args:       args,
		},
		SignerCounter: []uint64{counter},
	})
	if err != nil {
		return nil, &SubmissionError{ErrSubmissionFailed, xerrors.Errorf("creating the transaction: %w", err)}
	}
	err = tx.FillSignersAndSignWith(s.signer)
	if err != nil {
		return nil, &SubmissionError{ErrSubmissionFailed, xerrors.Errorf("signing: %w", err)}
	}

	log.Lvlf2("anchoring %s for request %s", p.Hash, p.RequestID)
	resp, err := s.chain.AddTransactionAndWait(tx, s.rounds)
	if err != nil {
		log.Error("adding transaction to the ledger:", err)
		return nil, &SubmissionError{classify(err), err}
	}
	if resp != nil && resp.Error != "" {
		// included in a block but refused by the contract
		log.Error("transaction refused by the ledger:", resp.Error)
		return nil, &SubmissionError{ErrSubmissionRejected, xerrors.New(resp.Error)}
	}
	return &TxConfirmation{
		RequestID:    p.RequestID,
		Hash:         p.Hash,
		TxHash:       tx.Instructions.Hash(),
		InstanceID:   s.instance,
		Rounds:       s.rounds,
		NoteIncluded: noteIncluded,
	}, nil
}

// FitsNoteBudget reports whether note can be attached whole.
func FitsNoteBudget(note []byte) bool {
	return len(note) <= NoteBudget
}

// nextCounter reads the signer counter from the chain so a retried
// submission never reuses a stale counter.
func (s *Submitter) nextCounter() (uint64, error) {
	resp, err := s.chain.GetSignerCounters(s.signer.Identity().String())
	if err != nil {
		return 0, xerrors.Errorf("getting the signer counter: %w", err)
	}
	if len(resp.Counters) != 1 {
		return 0, xerrors.Errorf("expected one signer counter, got %d", len(resp.Counters))
	}
	return resp.Counters[0] + 1, nil
}

// classify maps the error returned by AddTransactionAndWait to a submission
// failure kind. The chain only reports these conditions as text.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "returned error"), strings.Contains(msg, "got refused"):
		return ErrSubmissionRejected
	case strings.Contains(msg, "did not find transaction"), strings.Contains(msg, "didn't get included"),
		strings.Contains(msg, "inclusion not found"):
		return ErrSubmissionTimeout
	default:
		return ErrSubmissionFailed
	}
}

// Deploy spawns a new accesshash instance under darcID. The darc needs the
// spawn:accesshash and invoke:accesshash.add_access_hash rules.
func Deploy(chain Chain, signer darc.Signer, darcID darc.ID) (byzcoin.InstanceID, error) {
	resp, err := chain.GetSignerCounters(signer.Identity().String())
	if err != nil {
		return byzcoin.InstanceID{}, xerrors.Errorf("getting the signer counter: %w", err)
	}
	if len(resp.Counters) != 1 {
		return byzcoin.InstanceID{}, xerrors.Errorf("expected one signer counter, got %d", len(resp.Counters))
	}
	ctx, err := chain.CreateTransaction(byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(darcID),
		Spawn: &byzcoin.Spawn{
			ContractID: ContractAccessHashID,
		},
		SignerCounter: []uint64{resp.Counters[0] + 1},
	})
	if err != nil {
		return byzcoin.InstanceID{}, xerrors.Errorf("creating the transaction: %w", err)
	}
	err = ctx.FillSignersAndSignWith(signer)
	if err != nil {
		return byzcoin.InstanceID{}, xerrors.Errorf("signing: %w", err)
	}
	_, err = chain.AddTransactionAndWait(ctx, 10)
	if err != nil {
		return byzcoin.InstanceID{}, xerrors.Errorf("adding transaction to the ledger: %w", err)
	}
	id := ctx.Instructions[0].DeriveID("")
	log.Lvl1("[INFO] accesshash instance spawned:", id)
	return id, nil
}

// Prover is the part of *byzcoin.Client used to read instances.
type Prover interface {
	GetProof(key []byte) (*byzcoin.GetProofResponse, error)
}

// ReadLog returns the hashes anchored on instance.
func ReadLog(p Prover, instance byzcoin.InstanceID) (*AccessHashLog, error) {
	pr, err := p.GetProof(instance.Slice())
	if err != nil {
		return nil, xerrors.Errorf("getting the proof of the accesshash instance: %w", err)
	}
	v, cid, _, err := pr.Proof.Get(instance.Slice())
	if err != nil {
		return nil, xerrors.Errorf("getting the value: %w", err)
	}
	if cid != ContractAccessHashID {
		return nil, xerrors.Errorf("instance is a %s, not an %s", cid, ContractAccessHashID)
	}
	hl := &AccessHashLog{}
	err = protobuf.Decode(v, hl)
	if err != nil {
		return nil, xerrors.Errorf("decoding the access hash log: %w", err)
	}
	return hl, nil
}
