package utils

import (
	"encoding/hex"
	"strings"

	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"golang.org/x/xerrors"
)

// ProofGetter is the part of *byzcoin.Client used to read instances.
type ProofGetter interface {
	GetProofFromLatest(key []byte) (*byzcoin.GetProofResponse, error)
}

// GetDarcByID returns a DARC given its ID as a byte array
func GetDarcByID(cl ProofGetter, id []byte) (*darc.Darc, error) {
	pr, err := cl.GetProofFromLatest(id)
	if err != nil {
		return nil, xerrors.Errorf("getting the proof of darc %x: %w", id, err)
	}
	vs, cid, _, err := pr.Proof.Get(id)
	if err != nil {
		return nil, xerrors.Errorf("could not find darc for %x", id)
	}
	if cid != byzcoin.ContractDarcID {
		return nil, xerrors.Errorf("unexpected contract %v, expected a darc", cid)
	}
	return darc.NewFromProtobuf(vs)
}

// StringToDarcID converts a string representation of a DARC to a byte array
func StringToDarcID(id string) (darc.ID, error) {
	if id == "" {
		return nil, xerrors.New("no string given")
	}
	return hex.DecodeString(strings.TrimPrefix(id, "darc:"))
}

// StringToInstanceID converts the hex representation of an instance ID.
func StringToInstanceID(id string) (byzcoin.InstanceID, error) {
	if id == "" {
		return byzcoin.InstanceID{}, xerrors.New("no instance ID given")
	}
	buf, err := hex.DecodeString(id)
	if err != nil {
		return byzcoin.InstanceID{}, xerrors.Errorf("decoding instance ID: %w", err)
	}
	if len(buf) != 32 {
		return byzcoin.InstanceID{}, xerrors.Errorf("instance ID must be 32 bytes, got %d", len(buf))
	}
	return byzcoin.NewInstanceID(buf), nil
}

// CheckRules returns an error naming the first action of actions d has no
// rule for.
func CheckRules(d *darc.Darc, actions ...darc.Action) error {
	for _, a := range actions {
		if !d.Rules.Contains(a) {
			return xerrors.Errorf("darc %x has no rule for %s", d.GetBaseID(), a)
		}
	}
	return nil
}
