package vm

import (
	"fmt"
	"math/big"
)

// ---------------------------------------------------------------------------
// Term: the external, heap-independent form of a value
// ---------------------------------------------------------------------------

// Term is a self-contained tree representation of a runtime value. It is
// the only form in which data crosses a heap boundary: message sends
// export the value from the sender's heap into a Term and import it into
// the receiver's heap, module literals are serialized as Terms, and port
// drivers see nothing but Terms. No Term ever holds a heap index.
type Term struct {
	Kind  TermKind `cbor:"k"`
	Int   int64    `cbor:"i,omitempty"` // int / pid / port / ref token / fn index
	Big   *big.Int `cbor:"n,omitempty"`
	Float float64  `cbor:"f,omitempty"`
	Atom  string   `cbor:"a,omitempty"` // atom name / closure module name
	Bytes []byte   `cbor:"b,omitempty"`
	Elems []Term   `cbor:"e,omitempty"` // tuple/list elems, map k/v pairs, captures
	Tail  *Term    `cbor:"t,omitempty"` // improper list tail
}

// TermKind discriminates the external term forms.
type TermKind uint8

const (
	TermInt TermKind = iota + 1
	TermBig
	TermFloat
	TermAtom
	TermNil
	TermTuple
	TermList
	TermMap
	TermBinary
	TermPid
	TermPort
	TermRef
	TermClosure
)

// Convenience constructors, used heavily by tests and native drivers.

func IntTerm(n int64) Term        { return Term{Kind: TermInt, Int: n} }
func FloatTerm(f float64) Term    { return Term{Kind: TermFloat, Float: f} }
func AtomTerm(name string) Term   { return Term{Kind: TermAtom, Atom: name} }
func NilTerm() Term               { return Term{Kind: TermNil} }
func BinTerm(b []byte) Term       { return Term{Kind: TermBinary, Bytes: b} }
func TupleTerm(es ...Term) Term   { return Term{Kind: TermTuple, Elems: es} }
func ListTerm(es ...Term) Term    { return Term{Kind: TermList, Elems: es} }
func PidTerm(p PID) Term          { return Term{Kind: TermPid, Int: int64(p)} }
func PortTerm(p PortID) Term      { return Term{Kind: TermPort, Int: int64(p)} }
func BigTerm(n *big.Int) Term     { return Term{Kind: TermBig, Big: n} }

// ---------------------------------------------------------------------------
// Export: heap value -> Term
// ---------------------------------------------------------------------------

// Export deep-copies a heap value into its external form. A visited set
// keyed by source slot guards traversal: terms are immutable so true
// cycles cannot arise, but the guard turns a corrupted heap into an error
// instead of a hang. Shared substructure is expanded.
func (h *Heap) Export(v Value) (Term, error) {
	return h.export(v, make(map[int]int), 0)
}

// visitKey maps a (heap, slot) pair into the visited set; the literal
// arena shares the index space with the process heap, so its slots are
// folded into the negative range.
func visitKey(hh *Heap, slot int) int {
	if hh.literal {
		return -slot - 1
	}
	return slot
}

func (h *Heap) export(v Value, visiting map[int]int, depth int) (Term, error) {
	switch {
	case v.IsSmallInt():
		return IntTerm(v.SmallInt()), nil
	case v.IsFloat():
		return FloatTerm(v.Float64()), nil
	case v.IsAtom():
		return AtomTerm(h.atoms.Name(v.Atom())), nil
	case v.IsPid():
		return PidTerm(v.Pid()), nil
	case v.IsPort():
		return PortTerm(v.Port()), nil
	case v.IsNil():
		return NilTerm(), nil
	}

	hh, slot := h.resolve(v)
	key := visitKey(hh, slot)
	if visiting[key] > 0 {
		return Term{}, fmt.Errorf("export: cyclic term at slot %d", slot)
	}
	visiting[key]++
	defer func() { visiting[key]-- }()

	switch h.BoxKind(v) {
	case hdrBig:
		return BigTerm(h.BigInt(v)), nil
	case hdrRef:
		return Term{Kind: TermRef, Int: int64(h.RefToken(v))}, nil
	case hdrBinary, hdrBinRef:
		data := h.BinaryBytes(v)
		out := make([]byte, len(data))
		copy(out, data)
		return BinTerm(out), nil
	case hdrTuple:
		n := h.TupleArity(v)
		elems := make([]Term, n)
		for i := 0; i < n; i++ {
			t, err := h.export(h.TupleElem(v, i), visiting, depth+1)
			if err != nil {
				return Term{}, err
			}
			elems[i] = t
		}
		return Term{Kind: TermTuple, Elems: elems}, nil
	case hdrMap:
		n := h.MapSize(v)
		elems := make([]Term, 0, 2*n)
		for i := 0; i < n; i++ {
			k, val := h.MapPair(v, i)
			kt, err := h.export(k, visiting, depth+1)
			if err != nil {
				return Term{}, err
			}
			vt, err := h.export(val, visiting, depth+1)
			if err != nil {
				return Term{}, err
			}
			elems = append(elems, kt, vt)
		}
		return Term{Kind: TermMap, Elems: elems}, nil
	case hdrClosure:
		modID, fnIdx, arity, ncaps := h.ClosureInfo(v)
		caps := make([]Term, ncaps)
		for i := 0; i < ncaps; i++ {
			t, err := h.export(h.ClosureCapture(v, i), visiting, depth+1)
			if err != nil {
				return Term{}, err
			}
			caps[i] = t
		}
		return Term{
			Kind:  TermClosure,
			Int:   int64(uint64(modID)<<32 | uint64(uint32(fnIdx))),
			Float: float64(arity),
			Elems: caps,
		}, nil
	case hdrCons:
		// Walk the spine iteratively; improper tails go to Tail. Every
		// spine cell stays marked for the duration of the walk, so a
		// cycle anywhere on the spine is caught, not only one that
		// closes back on the entry cell.
		var elems []Term
		var spine []int
		defer func() {
			for _, k := range spine {
				visiting[k]--
			}
		}()
		cur := v
		for {
			head, err := h.export(h.Head(cur), visiting, depth+1)
			if err != nil {
				return Term{}, err
			}
			elems = append(elems, head)
			tail := h.Tail(cur)
			if tail.IsNil() {
				return Term{Kind: TermList, Elems: elems}, nil
			}
			if tail.IsBoxed() && h.BoxKind(tail) == hdrCons {
				th, tslot := h.resolve(tail)
				tkey := visitKey(th, tslot)
				if visiting[tkey] > 0 {
					return Term{}, fmt.Errorf("export: cyclic list at slot %d", tslot)
				}
				visiting[tkey]++
				spine = append(spine, tkey)
				cur = tail
				continue
			}
			tt, err := h.export(tail, visiting, depth+1)
			if err != nil {
				return Term{}, err
			}
			return Term{Kind: TermList, Elems: elems, Tail: &tt}, nil
		}
	}
	return Term{}, fmt.Errorf("export: unknown boxed kind %d", h.BoxKind(v))
}

// ---------------------------------------------------------------------------
// Import: Term -> heap value
// ---------------------------------------------------------------------------

// Import materializes a Term into this heap, allocating as needed. On a
// process heap a failing allocation runs that process's collector; on the
// literal arena the heap just grows. Pids, ports and refs import as
// immediates/boxes without any liveness check: identity comparisons on
// dead processes stay valid because ids are never reused.
func (h *Heap) Import(t Term) (Value, error) {
	switch t.Kind {
	case TermInt:
		if t.Int >= MinSmallInt && t.Int <= MaxSmallInt {
			return FromSmallInt(t.Int), nil
		}
		return h.Big(big.NewInt(t.Int))
	case TermBig:
		return h.Big(t.Big)
	case TermFloat:
		return FromFloat64(t.Float), nil
	case TermAtom:
		return h.atoms.Value(t.Atom), nil
	case TermNil:
		return Nil, nil
	case TermPid:
		return FromPid(PID(t.Int)), nil
	case TermPort:
		return FromPort(PortID(t.Int)), nil
	case TermRef:
		return h.Ref(uint64(t.Int))
	case TermBinary:
		return h.Binary(t.Bytes)
	case TermTuple:
		base := len(h.tmpRoots)
		if err := h.importElems(t.Elems, base); err != nil {
			return Nil, err
		}
		return h.tupleFromRoots(base)
	case TermMap:
		base := len(h.tmpRoots)
		if err := h.importElems(t.Elems, base); err != nil {
			return Nil, err
		}
		return h.mapFromRoots(base)
	case TermClosure:
		modID := int(uint64(t.Int) >> 32)
		fnIdx := int(uint32(uint64(t.Int)))
		base := len(h.tmpRoots)
		if err := h.importElems(t.Elems, base); err != nil {
			return Nil, err
		}
		return h.closureFromRoots(modID, fnIdx, int(t.Float), base)
	case TermList:
		base := len(h.tmpRoots)
		if err := h.importElems(t.Elems, base); err != nil {
			return Nil, err
		}
		if t.Tail != nil {
			v, err := h.Import(*t.Tail)
			if err != nil {
				h.popRoots(base)
				return Nil, err
			}
			h.pushRoot(v)
		}
		return h.listFromRoots(base, t.Tail != nil)
	}
	return Nil, fmt.Errorf("import: unknown term kind %d", t.Kind)
}

// importElems imports each element and stages it on tmpRoots.
func (h *Heap) importElems(elems []Term, base int) error {
	for _, e := range elems {
		v, err := h.Import(e)
		if err != nil {
			h.popRoots(base)
			return err
		}
		h.pushRoot(v)
	}
	return nil
}
