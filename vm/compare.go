package vm

import (
	"bytes"
	"math/big"
)

// ---------------------------------------------------------------------------
// Structural equality and the total term order
// ---------------------------------------------------------------------------

// The total order over all terms, fixed for the runtime and used by map
// key sorting, comparison opcodes and pattern matching:
//
//	number < atom < reference < closure < port < pid
//	       < tuple < map < nil < list < binary
//
// Numbers compare numerically regardless of integer/float representation;
// numerically equal values of the two numeric types compare equal. Atoms
// compare by name. Tuples compare by arity first, then left to right.
// Maps compare by size, then by sorted keys, then by values. Lists
// compare head first, then tail. Binaries compare lexicographically.

const (
	rankNumber = iota
	rankAtom
	rankRef
	rankClosure
	rankPort
	rankPid
	rankTuple
	rankMap
	rankNil
	rankList
	rankBinary
)

func (h *Heap) rank(v Value) int {
	switch {
	case v.IsFloat(), v.IsSmallInt():
		return rankNumber
	case v.IsAtom():
		return rankAtom
	case v.IsPort():
		return rankPort
	case v.IsPid():
		return rankPid
	case v.IsNil():
		return rankNil
	}
	switch h.BoxKind(v) {
	case hdrBig:
		return rankNumber
	case hdrRef:
		return rankRef
	case hdrClosure:
		return rankClosure
	case hdrCons:
		return rankList
	case hdrTuple:
		return rankTuple
	case hdrMap:
		return rankMap
	case hdrBinary, hdrBinRef:
		return rankBinary
	}
	return rankNumber
}

// Compare orders two terms. It never fails: any two values of any types
// are comparable. The result is negative, zero or positive.
func (h *Heap) Compare(a, b Value) int {
	ra, rb := h.rank(a), h.rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case rankNumber:
		return h.compareNumbers(a, b)
	case rankAtom:
		na, nb := h.atoms.Name(a.Atom()), h.atoms.Name(b.Atom())
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case rankRef:
		return cmpUint64(h.RefToken(a), h.RefToken(b))
	case rankClosure:
		ma, fa, _, _ := h.ClosureInfo(a)
		mb, fb, _, _ := h.ClosureInfo(b)
		if ma != mb {
			return ma - mb
		}
		return fa - fb
	case rankPort:
		return cmpUint64(uint64(a.Port()), uint64(b.Port()))
	case rankPid:
		return cmpUint64(uint64(a.Pid()), uint64(b.Pid()))
	case rankTuple:
		na, nb := h.TupleArity(a), h.TupleArity(b)
		if na != nb {
			return na - nb
		}
		for i := 0; i < na; i++ {
			if c := h.Compare(h.TupleElem(a, i), h.TupleElem(b, i)); c != 0 {
				return c
			}
		}
		return 0
	case rankMap:
		na, nb := h.MapSize(a), h.MapSize(b)
		if na != nb {
			return na - nb
		}
		for i := 0; i < na; i++ {
			ka, _ := h.MapPair(a, i)
			kb, _ := h.MapPair(b, i)
			if c := h.Compare(ka, kb); c != 0 {
				return c
			}
		}
		for i := 0; i < na; i++ {
			_, va := h.MapPair(a, i)
			_, vb := h.MapPair(b, i)
			if c := h.Compare(va, vb); c != 0 {
				return c
			}
		}
		return 0
	case rankNil:
		return 0
	case rankList:
		if c := h.Compare(h.Head(a), h.Head(b)); c != 0 {
			return c
		}
		return h.Compare(h.Tail(a), h.Tail(b))
	case rankBinary:
		return bytes.Compare(h.BinaryBytes(a), h.BinaryBytes(b))
	}
	return 0
}

// Equal reports structural equality under the total order.
func (h *Heap) Equal(a, b Value) bool {
	if a == b {
		// Identical words: always equal, and cheap for immediates and
		// shared boxes.
		return true
	}
	return h.Compare(a, b) == 0
}

func (h *Heap) compareNumbers(a, b Value) int {
	// Two small ints: exact integer comparison.
	if a.IsSmallInt() && b.IsSmallInt() {
		return cmpInt64(a.SmallInt(), b.SmallInt())
	}
	// Any bignum involved: compare as big.Int (floats go through big.Float).
	if h.isBignum(a) || h.isBignum(b) {
		fa, fb := h.toBigFloat(a), h.toBigFloat(b)
		return fa.Cmp(fb)
	}
	// At least one float: compare as float64.
	fa, fb := h.toFloat(a), h.toFloat(b)
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func (h *Heap) isBignum(v Value) bool {
	return v.IsBoxed() && h.BoxKind(v) == hdrBig
}

func (h *Heap) isNumber(v Value) bool {
	return v.IsFloat() || v.IsSmallInt() || h.isBignum(v)
}

func (h *Heap) toFloat(v Value) float64 {
	if v.IsSmallInt() {
		return float64(v.SmallInt())
	}
	return v.Float64()
}

func (h *Heap) toBigFloat(v Value) *big.Float {
	switch {
	case v.IsSmallInt():
		return new(big.Float).SetInt64(v.SmallInt())
	case v.IsFloat():
		return new(big.Float).SetFloat64(v.Float64())
	}
	return new(big.Float).SetInt(h.BigInt(v))
}

// toBigInt converts an integer term (small or big) to a big.Int.
func (h *Heap) toBigInt(v Value) *big.Int {
	if v.IsSmallInt() {
		return big.NewInt(v.SmallInt())
	}
	return h.BigInt(v)
}

func (h *Heap) isInteger(v Value) bool {
	return v.IsSmallInt() || h.isBignum(v)
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
