package ledger

import (
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ContractAccessHashID is the ID of the contract anchoring access decisions.
var ContractAccessHashID = "accesshash"

// MethodAddAccessHash is the only invoke command of the contract.
const MethodAddAccessHash = "add_access_hash"

func init() {
	err := byzcoin.RegisterGlobalContract(ContractAccessHashID, contractAccessHashFromBytes)
	if err != nil {
		log.ErrFatal(err)
	}
}

// ContractAccessHash holds the data stored by the accesshash contract
type ContractAccessHash struct {
	byzcoin.BasicContract
	AccessHashLog
}

func contractAccessHashFromBytes(in []byte) (byzcoin.Contract, error) {
	c := &ContractAccessHash{}
	err := protobuf.Decode(in, &c.AccessHashLog)
	if err != nil {
		return nil, xerrors.Errorf("decoding the access hash log: %w", err)
	}
	return c, nil
}

// Spawn implements the byzcoin.Contract interface. It creates an empty log.
func (c *ContractAccessHash) Spawn(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		return
	}
	buf, err := protobuf.Encode(&AccessHashLog{})
	if err != nil {
		return nil, nil, xerrors.Errorf("encoding the empty log: %w", err)
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Create, inst.DeriveID(""),
			ContractAccessHashID, buf, darcID),
	}
	return
}

// Invoke implements the byzcoin.Contract interface. add_access_hash appends
// the hash argument, a hash can only be anchored once.
func (c *ContractAccessHash) Invoke(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	v, _, _, darcID, err := rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		return
	}

	if inst.Invoke.Command != MethodAddAccessHash {
		return nil, nil, xerrors.Errorf("accesshash contract only supports %s", MethodAddAccessHash)
	}
	hash := string(inst.Invoke.Args.Search("hash"))
	if hash == "" {
		return nil, nil, xerrors.New("missing hash argument")
	}
	hl := AccessHashLog{}
	err = protobuf.Decode(v, &hl)
	if err != nil {
		return nil, nil, xerrors.Errorf("decoding the access hash log: %w", err)
	}
	if hl.Contains(hash) {
		return nil, nil, xerrors.Errorf("hash %s is already anchored", hash)
	}
	hl.Entries = append(hl.Entries, AccessHashEntry{
		Hash: hash,
		Note: inst.Invoke.Args.Search("note"),
	})
	buf, err := protobuf.Encode(&hl)
	if err != nil {
		return nil, nil, xerrors.Errorf("encoding the access hash log: %w", err)
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID,
			ContractAccessHashID, buf, darcID),
	}
	return
}

// Delete implements the byzcoin.Contract interface
func (c *ContractAccessHash) Delete(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		return
	}
	sc = byzcoin.StateChanges{
		byzcoin.NewStateChange(byzcoin.Remove, inst.InstanceID, ContractAccessHashID, nil, darcID),
	}
	return
}
