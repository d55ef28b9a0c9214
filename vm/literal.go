package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// The literal section of a module is a canonical-CBOR array of Terms.
// Canonical mode keeps module binaries deterministic, so the integrity
// checksum is stable for identical input.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// encodeLiterals serializes a literal table to CBOR bytes.
func encodeLiterals(lits []Term) ([]byte, error) {
	return cborEncMode.Marshal(lits)
}

// decodeLiterals deserializes a literal table from CBOR bytes.
func decodeLiterals(data []byte) ([]Term, error) {
	var lits []Term
	if err := cbor.Unmarshal(data, &lits); err != nil {
		return nil, fmt.Errorf("vm: unmarshal literals: %w", err)
	}
	return lits, nil
}

// literalOK reports whether a term may appear in a module literal table.
// Pids, ports, refs and closures are runtime identities, not constants.
func literalOK(t Term) bool {
	switch t.Kind {
	case TermPid, TermPort, TermRef, TermClosure:
		return false
	case TermTuple, TermMap, TermList:
		for _, e := range t.Elems {
			if !literalOK(e) {
				return false
			}
		}
		if t.Tail != nil {
			return literalOK(*t.Tail)
		}
	}
	return true
}
