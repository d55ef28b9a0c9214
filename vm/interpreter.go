package vm

import (
	"encoding/binary"
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Interpreter: fetch-decode-execute
// ---------------------------------------------------------------------------
//
// execute runs one scheduling slice of a process: at most one reduction
// budget of instructions. All execution state (frames, operand stack,
// catch stack) lives in the PCB, so returning from execute at any
// instruction boundary is a complete continuation; the Go call stack
// carries nothing across a suspension.
//
// Exit signals are observed between instructions: a pending signal set by
// another process takes effect before the next opcode, which is what
// makes link propagation happen "before any further instruction".

func classAtom(class int) Value {
	switch class {
	case RaiseThrow:
		return FromAtom(AtomThrow)
	case RaiseExit:
		return FromAtom(AtomExit)
	}
	return FromAtom(AtomError)
}

func (m *Machine) execute(p *Process) sliceOutcome {
	p.reds = m.cfg.Reductions
	for {
		if p.hasSignal.Load() {
			p.mu.Lock()
			reason := p.pendingExit
			p.pendingExit = nil
			p.hasSignal.Store(false)
			p.mu.Unlock()
			if reason != nil {
				m.terminate(p, *reason)
				return sliceExited
			}
		}
		if p.reds <= 0 {
			return sliceYield
		}

		f := &p.frames[len(p.frames)-1]
		code := f.mod.Code
		if f.ip >= len(code) {
			m.terminate(p, TupleTerm(AtomTerm("unresolved_opcode"), IntTerm(-1)))
			return sliceExited
		}
		op := Opcode(code[f.ip])
		f.ip++
		p.reds--

		switch op {
		case OpNOP:

		case OpPOP:
			p.pop()

		case OpDUP:
			p.push(p.peek())

		// --- constants ---

		case OpPushNil:
			p.push(Nil)

		case OpPushInt8:
			p.push(FromSmallInt(int64(int8(code[f.ip]))))
			f.ip++

		case OpPushInt32:
			p.push(FromSmallInt(int64(int32(binary.BigEndian.Uint32(code[f.ip:])))))
			f.ip += 4

		case OpPushFloat:
			p.push(FromFloat64(math.Float64frombits(binary.BigEndian.Uint64(code[f.ip:]))))
			f.ip += 8

		case OpPushAtom:
			idx := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip += 2
			p.push(FromAtom(f.mod.Atoms[idx]))

		case OpPushLiteral:
			idx := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip += 2
			p.push(f.mod.Literals[idx])

		// --- locals ---

		case OpPushLocal:
			p.push(p.stack[f.bp+int(code[f.ip])])
			f.ip++

		case OpStoreLocal:
			p.stack[f.bp+int(code[f.ip])] = p.pop()
			f.ip++

		case OpPushCaptured:
			arity := f.mod.Funcs[f.fn].Arity
			p.push(p.stack[f.bp+arity+int(code[f.ip])])
			f.ip++

		// --- construction / destructuring ---

		case OpMakeCons:
			if err := p.heap.ensure(3); err != nil {
				m.terminate(p, AtomTerm("out_of_memory"))
				return sliceExited
			}
			tail := p.pop()
			head := p.pop()
			v, _ := p.heap.Cons(head, tail)
			p.push(v)

		case OpMakeTuple:
			n := int(code[f.ip])
			f.ip++
			if err := p.heap.ensure(n + 1); err != nil {
				m.terminate(p, AtomTerm("out_of_memory"))
				return sliceExited
			}
			v, _ := p.heap.Tuple(p.stack[p.sp-n : p.sp]...)
			p.sp -= n
			p.push(v)

		case OpMakeMap:
			n := int(code[f.ip]) // pair count
			f.ip++
			if err := p.heap.ensure(2*n + 1); err != nil {
				m.terminate(p, AtomTerm("out_of_memory"))
				return sliceExited
			}
			v, _ := p.heap.Map(p.stack[p.sp-2*n : p.sp])
			p.sp -= 2 * n
			p.push(v)

		case OpMakeClosure:
			fnIdx := int(binary.BigEndian.Uint16(code[f.ip:]))
			ncaps := int(code[f.ip+2])
			f.ip += 3
			if err := p.heap.ensure(ncaps + 3); err != nil {
				m.terminate(p, AtomTerm("out_of_memory"))
				return sliceExited
			}
			arity := f.mod.Funcs[fnIdx].Arity
			v, _ := p.heap.Closure(f.mod.id, fnIdx, arity, p.stack[p.sp-ncaps:p.sp])
			p.sp -= ncaps
			p.push(v)

		case OpGetTupleElem:
			i := int(code[f.ip])
			f.ip++
			v := p.peek()
			if !v.IsBoxed() || p.heap.BoxKind(v) != hdrTuple || i >= p.heap.TupleArity(v) {
				if !m.fault(p, RaiseError, FromAtom(AtomBadarg)) {
					return sliceExited
				}
				continue
			}
			p.push(p.heap.TupleElem(v, i))

		case OpUncons:
			v := p.pop()
			if !v.IsBoxed() || p.heap.BoxKind(v) != hdrCons {
				if !m.fault(p, RaiseError, FromAtom(AtomBadarg)) {
					return sliceExited
				}
				continue
			}
			p.push(p.heap.Tail(v))
			p.push(p.heap.Head(v))

		// --- arithmetic ---

		case OpAdd, OpSub, OpMul, OpIntDiv, OpRem, OpDiv:
			if err := binArith(p, op); err != nil {
				if !m.faultErr(p, err) {
					return sliceExited
				}
			}

		case OpNeg:
			if err := negOp(p); err != nil {
				if !m.faultErr(p, err) {
					return sliceExited
				}
			}

		// --- comparison ---

		case OpLt, OpLe, OpGt, OpGe, OpEq, OpNe:
			b := p.pop()
			a := p.pop()
			c := p.heap.Compare(a, b)
			var r bool
			switch op {
			case OpLt:
				r = c < 0
			case OpLe:
				r = c <= 0
			case OpGt:
				r = c > 0
			case OpGe:
				r = c >= 0
			case OpEq:
				r = c == 0
			case OpNe:
				r = c != 0
			}
			p.push(FromBool(r))

		// --- control flow ---

		case OpJump:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip = target

		case OpJumpTrue, OpJumpFalse:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip += 2
			v := p.pop()
			if v != True && v != False {
				if !m.fault(p, RaiseError, FromAtom(AtomBadarg)) {
					return sliceExited
				}
				continue
			}
			if (op == OpJumpTrue) == (v == True) {
				f.ip = target
			}

		// --- calls ---

		case OpCall, OpTailCall:
			fnIdx := int(binary.BigEndian.Uint16(code[f.ip:]))
			argc := int(code[f.ip+2])
			f.ip += 3
			if !m.enterCall(p, f.mod, fnIdx, argc, op == OpTailCall) {
				return sliceExited
			}

		case OpCallExt, OpTailCallExt:
			impIdx := int(binary.BigEndian.Uint16(code[f.ip:]))
			argc := int(code[f.ip+2])
			f.ip += 3
			imp := f.mod.Imports[impIdx]
			st := m.resolveImport(imp)
			if st == nil {
				if !m.fault(p, RaiseError, FromAtom(AtomUndef)) {
					return sliceExited
				}
				continue
			}
			if st.native == nil {
				if !m.enterCall(p, st.mod, st.fnIdx, argc, op == OpTailCallExt) {
					return sliceExited
				}
				continue
			}
			outcome, done := m.callNative(p, st.native, argc, op == OpTailCallExt)
			if done {
				return outcome
			}

		case OpCallFun:
			argc := int(code[f.ip])
			f.ip++
			if !m.enterClosure(p, argc) {
				return sliceExited
			}

		case OpReturn:
			if m.doReturn(p) {
				m.terminate(p, AtomTerm("normal"))
				return sliceExited
			}

		// --- pattern tests ---

		case OpTestType:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			tc := int(code[f.ip+2])
			f.ip += 3
			if !typeMatches(p.heap, p.peek(), tc) {
				f.ip = target
			}

		case OpTestTuple:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			arity := int(code[f.ip+2])
			f.ip += 3
			v := p.peek()
			if !v.IsBoxed() || p.heap.BoxKind(v) != hdrTuple || p.heap.TupleArity(v) != arity {
				f.ip = target
			}

		case OpTestEqLit:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			lit := int(binary.BigEndian.Uint16(code[f.ip+2:]))
			f.ip += 4
			if !p.heap.Equal(p.peek(), f.mod.Literals[lit]) {
				f.ip = target
			}

		// --- receive ---

		case OpRecvFetch:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip += 2
			t, ok := p.mailboxPeek()
			if !ok {
				f.ip = target
				continue
			}
			v, err := p.heap.Import(t)
			if err != nil {
				m.terminate(p, AtomTerm("out_of_memory"))
				return sliceExited
			}
			p.push(v)

		case OpRecvSkip:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip += 2
			p.mailboxSkip()
			f.ip = target

		case OpRecvAccept:
			p.mailboxAccept()

		case OpWait:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip += 2
			p.mu.Lock()
			if len(p.mailbox) > p.recvSave {
				p.mu.Unlock()
				f.ip = target
				continue
			}
			f.ip = target
			p.state = StateWaitReceive
			p.mu.Unlock()
			return sliceBlocked

		case OpWaitTimeout:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			ms := int64(binary.BigEndian.Uint32(code[f.ip+2:]))
			f.ip += 6
			p.mu.Lock()
			if p.timedOut {
				// Timeout fired: fall through to the after-clause, with
				// the scan position rewound for the next receive.
				p.timedOut = false
				p.recvSave = 0
				p.recvDeadline = time.Time{}
				p.timerTok++
				p.mu.Unlock()
				continue
			}
			if len(p.mailbox) > p.recvSave {
				p.mu.Unlock()
				f.ip = target
				continue
			}
			// The deadline is fixed when the receive first blocks;
			// re-blocking after non-matching traffic arms only the
			// remainder, so a message stream cannot postpone the
			// after-clause.
			if p.recvDeadline.IsZero() {
				p.recvDeadline = time.Now().Add(msToDuration(ms))
			}
			d := time.Until(p.recvDeadline)
			f.ip -= 7 // re-run this instruction on wakeup
			p.timerTok++
			tok := p.timerTok
			p.state = StateWaitReceive
			p.mu.Unlock()
			m.timers.schedule(p.id, tok, d)
			return sliceBlocked

		// --- exceptions ---

		case OpTryPush:
			target := int(binary.BigEndian.Uint16(code[f.ip:]))
			f.ip += 2
			p.catches = append(p.catches, catchFrame{
				frameIdx: len(p.frames) - 1,
				sp:       p.sp,
				ip:       target,
			})

		case OpTryPop:
			if n := len(p.catches); n > 0 {
				p.catches = p.catches[:n-1]
			}

		case OpRaise:
			class := int(code[f.ip])
			f.ip++
			reason := p.pop()
			if !m.fault(p, class, reason) {
				return sliceExited
			}

		default:
			m.terminate(p, TupleTerm(AtomTerm("unresolved_opcode"), IntTerm(int64(op))))
			return sliceExited
		}
	}
}

// ---------------------------------------------------------------------------
// Call machinery
// ---------------------------------------------------------------------------

// enterCall pushes (or, for tail calls, replaces) an activation. Returns
// false if the process died raising the resulting fault.
func (m *Machine) enterCall(p *Process, mod *Module, fnIdx, argc int, tail bool) bool {
	fi := mod.Funcs[fnIdx]
	if fi.Arity != argc {
		return m.fault(p, RaiseError, FromAtom(AtomBadarg))
	}
	if tail {
		f := &p.frames[len(p.frames)-1]
		copy(p.stack[f.bp:], p.stack[p.sp-argc:p.sp])
		p.sp = f.bp + argc
		for i := argc; i < fi.NLocals; i++ {
			p.push(Nil)
		}
		f.mod = mod
		f.fn = fnIdx
		f.ip = fi.Entry
		return true
	}
	bp := p.sp - argc
	for i := argc; i < fi.NLocals; i++ {
		p.push(Nil)
	}
	p.frames = append(p.frames, frame{mod: mod, fn: fnIdx, ip: fi.Entry, bp: bp})
	return true
}

// enterClosure applies the closure sitting under argc arguments on the
// stack. The callee sees its arguments as locals [0, argc) and its
// captures as locals [argc, argc+ncaps).
func (m *Machine) enterClosure(p *Process, argc int) bool {
	v := p.stack[p.sp-argc-1]
	if !v.IsBoxed() || p.heap.BoxKind(v) != hdrClosure {
		return m.fault(p, RaiseError, FromAtom(AtomBadfun))
	}
	modID, fnIdx, arity, ncaps := p.heap.ClosureInfo(v)
	if arity != argc {
		return m.fault(p, RaiseError, FromAtom(AtomBadarg))
	}
	mod := m.moduleByID(modID)
	if mod == nil {
		return m.fault(p, RaiseError, FromAtom(AtomBadfun))
	}
	caps := make([]Value, ncaps)
	for i := 0; i < ncaps; i++ {
		caps[i] = p.heap.ClosureCapture(v, i)
	}
	// Squeeze the closure slot out from under its arguments.
	copy(p.stack[p.sp-argc-1:], p.stack[p.sp-argc:p.sp])
	p.sp--
	bp := p.sp - argc
	for _, c := range caps {
		p.push(c)
	}
	fi := mod.Funcs[fnIdx]
	for i := argc + ncaps; i < fi.NLocals; i++ {
		p.push(Nil)
	}
	p.frames = append(p.frames, frame{mod: mod, fn: fnIdx, ip: fi.Entry, bp: bp})
	return true
}

// doReturn pops the current activation. Returns true when the initial
// activation returned, i.e. the process finished normally.
func (p *Process) truncCatches() {
	for len(p.catches) > 0 && p.catches[len(p.catches)-1].frameIdx >= len(p.frames) {
		p.catches = p.catches[:len(p.catches)-1]
	}
}

func (m *Machine) doReturn(p *Process) bool {
	rv := p.pop()
	f := p.frames[len(p.frames)-1]
	p.frames = p.frames[:len(p.frames)-1]
	p.truncCatches()
	if len(p.frames) == 0 {
		return true
	}
	p.sp = f.bp
	p.push(rv)
	return false
}

// callNative runs a synchronous native function in the caller's context.
// It returns (outcome, true) when the slice must end.
func (m *Machine) callNative(p *Process, impl NativeFunc, argc int, tail bool) (sliceOutcome, bool) {
	args := p.stack[p.sp-argc : p.sp]
	rv, err := impl(p, args)
	if err != nil {
		switch e := err.(type) {
		case *GuestFault:
			if !m.fault(p, e.Class, e.Reason) {
				return sliceExited, true
			}
			return 0, false
		case errSleep:
			p.sp -= argc
			p.push(FromAtom(AtomOk))
			if tail {
				if m.doReturn(p) {
					m.terminate(p, AtomTerm("normal"))
					return sliceExited, true
				}
			}
			p.mu.Lock()
			p.timerTok++
			tok := p.timerTok
			p.state = StateWaitTimer
			p.mu.Unlock()
			m.timers.schedule(p.id, tok, e.d)
			return sliceBlocked, true
		case errPortFull:
			// Rewind to the call instruction and retry once the port
			// has drained.
			f := &p.frames[len(p.frames)-1]
			f.ip -= 4
			p.mu.Lock()
			p.state = StateWaitPort
			p.mu.Unlock()
			e.port.addWaiter(p)
			return sliceBlocked, true
		default:
			m.terminate(p, AtomTerm("out_of_memory"))
			return sliceExited, true
		}
	}
	p.sp -= argc
	p.push(rv)
	if tail {
		if m.doReturn(p) {
			m.terminate(p, AtomTerm("normal"))
			return sliceExited, true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Fault handling
// ---------------------------------------------------------------------------

// fault raises a guest exception: unwind to the innermost catch handler,
// or terminate the process when none is installed. Returns false when
// the process died.
func (m *Machine) fault(p *Process, class int, reason Value) bool {
	if n := len(p.catches); n > 0 {
		cf := p.catches[n-1]
		p.catches = p.catches[:n-1]
		p.frames = p.frames[:cf.frameIdx+1]
		p.sp = cf.sp
		// Root the reason across the tuple allocation.
		p.push(reason)
		if err := p.heap.ensure(3); err != nil {
			m.terminate(p, AtomTerm("out_of_memory"))
			return false
		}
		r := p.pop()
		t, _ := p.heap.Tuple(classAtom(class), r)
		p.push(t)
		p.frames[len(p.frames)-1].ip = cf.ip
		return true
	}

	rt, err := p.heap.Export(reason)
	if err != nil {
		rt = AtomTerm("badarg")
	}
	if class == RaiseThrow {
		rt = TupleTerm(AtomTerm("nocatch"), rt)
	}
	m.terminate(p, rt)
	return false
}

// faultErr routes an error from a helper: guest faults unwind, anything
// else is an allocation failure.
func (m *Machine) faultErr(p *Process, err error) bool {
	if gf, ok := err.(*GuestFault); ok {
		return m.fault(p, gf.Class, gf.Reason)
	}
	m.terminate(p, AtomTerm("out_of_memory"))
	return false
}

// typeMatches implements OpTestType.
func typeMatches(h *Heap, v Value, tc int) bool {
	switch tc {
	case TcNumber:
		return h.isNumber(v)
	case TcInteger:
		return h.isInteger(v)
	case TcFloat:
		return v.IsFloat()
	case TcAtom:
		return v.IsAtom()
	case TcNil:
		return v.IsNil()
	case TcCons:
		return v.IsBoxed() && h.BoxKind(v) == hdrCons
	case TcList:
		return v.IsNil() || (v.IsBoxed() && h.BoxKind(v) == hdrCons)
	case TcTuple:
		return v.IsBoxed() && h.BoxKind(v) == hdrTuple
	case TcMap:
		return v.IsBoxed() && h.BoxKind(v) == hdrMap
	case TcPid:
		return v.IsPid()
	case TcPort:
		return v.IsPort()
	case TcRef:
		return v.IsBoxed() && h.BoxKind(v) == hdrRef
	case TcClosure:
		return v.IsBoxed() && h.BoxKind(v) == hdrClosure
	case TcBinary:
		if !v.IsBoxed() {
			return false
		}
		k := h.BoxKind(v)
		return k == hdrBinary || k == hdrBinRef
	}
	return false
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
