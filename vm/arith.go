package vm

import "math/big"

// ---------------------------------------------------------------------------
// Numeric operations with transparent bignum promotion
// ---------------------------------------------------------------------------

// Small-int products are computed in int64 only when both operands fit
// in 31 bits; anything wider goes through big.Int and demotes on the way
// out if it fits. Mixed int/float arithmetic produces a float.

const mulFastLimit = 1 << 31

func badarith() *GuestFault {
	return &GuestFault{Class: RaiseError, Reason: FromAtom(AtomBadarith)}
}

// binArith pops two operands off p's stack and pushes the result of op.
func binArith(p *Process, op Opcode) error {
	h := p.heap
	b := p.pop()
	a := p.pop()
	if !h.isNumber(a) || !h.isNumber(b) {
		return badarith()
	}

	switch op {
	case OpAdd, OpSub, OpMul:
		if a.IsSmallInt() && b.IsSmallInt() {
			av, bv := a.SmallInt(), b.SmallInt()
			var r int64
			fast := true
			switch op {
			case OpAdd:
				r = av + bv
			case OpSub:
				r = av - bv
			case OpMul:
				if av > -mulFastLimit && av < mulFastLimit &&
					bv > -mulFastLimit && bv < mulFastLimit {
					r = av * bv
				} else {
					fast = false
				}
			}
			if fast && r >= MinSmallInt && r <= MaxSmallInt {
				p.push(FromSmallInt(r))
				return nil
			}
		}
		if h.isBignum(a) || h.isBignum(b) || (a.IsSmallInt() && b.IsSmallInt()) {
			// Integer path through big.Int; Heap.Big demotes small results.
			ba, bb := h.toBigInt(a), h.toBigInt(b)
			r := new(big.Int)
			switch op {
			case OpAdd:
				r.Add(ba, bb)
			case OpSub:
				r.Sub(ba, bb)
			case OpMul:
				r.Mul(ba, bb)
			}
			v, err := h.Big(r)
			if err != nil {
				return err
			}
			p.push(v)
			return nil
		}
		// Mixed or pure float.
		fa, fb := h.toFloat(a), h.toFloat(b)
		var r float64
		switch op {
		case OpAdd:
			r = fa + fb
		case OpSub:
			r = fa - fb
		case OpMul:
			r = fa * fb
		}
		p.push(FromFloat64(r))
		return nil

	case OpIntDiv, OpRem:
		if !h.isInteger(a) || !h.isInteger(b) {
			return badarith()
		}
		if a.IsSmallInt() && b.IsSmallInt() {
			bv := b.SmallInt()
			if bv == 0 {
				return badarith()
			}
			av := a.SmallInt()
			if op == OpIntDiv {
				p.push(FromSmallInt(av / bv))
			} else {
				p.push(FromSmallInt(av % bv))
			}
			return nil
		}
		ba, bb := h.toBigInt(a), h.toBigInt(b)
		if bb.Sign() == 0 {
			return badarith()
		}
		r := new(big.Int)
		if op == OpIntDiv {
			r.Quo(ba, bb)
		} else {
			r.Rem(ba, bb)
		}
		v, err := h.Big(r)
		if err != nil {
			return err
		}
		p.push(v)
		return nil

	case OpDiv:
		fb := h.toFloat(b)
		if h.isBignum(b) {
			bf, _ := h.toBigFloat(b).Float64()
			fb = bf
		}
		fa := h.toFloat(a)
		if h.isBignum(a) {
			af, _ := h.toBigFloat(a).Float64()
			fa = af
		}
		if fb == 0 {
			return badarith()
		}
		p.push(FromFloat64(fa / fb))
		return nil
	}
	return badarith()
}

// negOp pops one operand and pushes its negation.
func negOp(p *Process) error {
	h := p.heap
	a := p.pop()
	switch {
	case a.IsSmallInt():
		n := -a.SmallInt()
		if n <= MaxSmallInt {
			p.push(FromSmallInt(n))
			return nil
		}
		v, err := h.Big(big.NewInt(n))
		if err != nil {
			return err
		}
		p.push(v)
		return nil
	case a.IsFloat():
		p.push(FromFloat64(-a.Float64()))
		return nil
	case h.isBignum(a):
		r := new(big.Int).Neg(h.BigInt(a))
		v, err := h.Big(r)
		if err != nil {
			return err
		}
		p.push(v)
		return nil
	}
	return badarith()
}
