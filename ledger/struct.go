package ledger

// AccessHashEntry is one anchored decision.
type AccessHashEntry struct {
	Hash string
	// Note is the serialized decision context, empty when it did not fit
	Note []byte
}

// AccessHashLog is the value stored by an accesshash contract instance.
// A slice is used instead of a map: map iteration order is not deterministic
// across nodes and consensus on the resulting state would fail.
type AccessHashLog struct {
	Entries []AccessHashEntry
}

// Contains reports whether hash is already anchored.
func (l *AccessHashLog) Contains(hash string) bool {
	for _, e := range l.Entries {
		if e.Hash == hash {
			return true
		}
	}
	return false
}
