package vm

import (
	"math/big"
	"testing"
	"time"
)

// runMod assembles a module named "t", spawns its exported main/0 and
// returns the exit reason. Programs report results by exiting with the
// value under test as the reason.
func runMod(t *testing.T, cfg Config, build func(b *ModuleBuilder)) Term {
	t.Helper()
	b := NewModuleBuilder("t")
	build(b)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	m := NewMachine(cfg)
	if _, err := m.LoadModule(data); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	m.Start()
	defer m.Stop()

	_, done, err := m.Spawn("t", "main", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case reason := <-done:
		return reason
	case <-time.After(5 * time.Second):
		t.Fatal("program timed out")
		return Term{}
	}
}

// exitTop emits the instruction that exits the process with the value
// on top of the stack.
func exitTop(b *ModuleBuilder) {
	b.Op(OpRaise).U8(RaiseExit)
}

func wantInt(t *testing.T, got Term, want int64) {
	t.Helper()
	if got.Kind != TermInt || got.Int != want {
		t.Fatalf("result = %s, want %d", got, want)
	}
}

func wantAtom(t *testing.T, got Term, want string) {
	t.Helper()
	if got.Kind != TermAtom || got.Atom != want {
		t.Fatalf("result = %s, want %s", got, want)
	}
}

func TestArithBasics(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpPushInt8).U8(20)
		b.Op(OpPushInt8).U8(4)
		b.Op(OpMul)
		b.Op(OpPushInt32).I32(-38)
		b.Op(OpAdd)
		exitTop(b)
	})
	wantInt(t, got, 42)
}

func TestArithMixedFloat(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpPushFloat).F64(1.5)
		b.Op(OpPushInt8).U8(3)
		b.Op(OpMul)
		exitTop(b)
	})
	if got.Kind != TermFloat || got.Float != 4.5 {
		t.Fatalf("result = %s, want 4.5", got)
	}
}

func TestFactorialPromotesToBignum(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpPushInt8).U8(25)
		b.Op(OpCall).U16(1).U8(1)
		exitTop(b)

		base := b.NewLabel()
		b.Func("fact", 1, 1, false)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(1)
		b.Op(OpLe)
		b.Op(OpJumpTrue).Target(base)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(1)
		b.Op(OpSub)
		b.Op(OpCall).U16(1).U8(1)
		b.Op(OpMul)
		b.Op(OpReturn)
		b.Mark(base)
		b.Op(OpPushInt8).U8(1)
		b.Op(OpReturn)
	})
	want := new(big.Int).MulRange(1, 25)
	if got.Kind != TermBig || got.Big.Cmp(want) != 0 {
		t.Fatalf("result = %s, want %s", got, want)
	}
}

func TestIntDivByZeroFaults(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpPushInt8).U8(1)
		b.Op(OpPushInt8).U8(0)
		b.Op(OpIntDiv)
		exitTop(b)
	})
	// Uncaught error-class fault: the reason atom is the exit reason.
	wantAtom(t, got, "badarith")
}

func TestTryCatchesRaise(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		handler := b.NewLabel()
		b.Func("main", 0, 0, true)
		b.Op(OpTryPush).Target(handler)
		b.Op(OpPushAtom).U16(int(b.Atom("boom")))
		b.Op(OpRaise).U8(RaiseError)
		b.Mark(handler)
		// Handler receives {Class, Reason}.
		exitTop(b)
	})
	if got.Kind != TermTuple || len(got.Elems) != 2 {
		t.Fatalf("result = %s, want a 2-tuple", got)
	}
	wantAtom(t, got.Elems[0], "error")
	wantAtom(t, got.Elems[1], "boom")
}

func TestTryCatchesArithFault(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		handler := b.NewLabel()
		b.Func("main", 0, 0, true)
		b.Op(OpTryPush).Target(handler)
		b.Op(OpPushAtom).U16(int(b.Atom("oops")))
		b.Op(OpPushInt8).U8(1)
		b.Op(OpAdd)
		b.Mark(handler)
		b.Op(OpGetTupleElem).U8(0)
		exitTop(b)
	})
	// The handler restores sp, dropping the half-evaluated operands.
	wantAtom(t, got, "error")
}

func TestTryPopDisarmsHandler(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		handler := b.NewLabel()
		b.Func("main", 0, 0, true)
		b.Op(OpTryPush).Target(handler)
		b.Op(OpTryPop)
		b.Op(OpPushAtom).U16(int(b.Atom("late")))
		b.Op(OpRaise).U8(RaiseThrow)
		b.Mark(handler)
		b.Op(OpPushAtom).U16(int(b.Atom("caught")))
		exitTop(b)
	})
	// Uncaught throw wraps in {nocatch, Reason}.
	if got.Kind != TermTuple || len(got.Elems) != 2 {
		t.Fatalf("result = %s, want {nocatch, late}", got)
	}
	wantAtom(t, got.Elems[0], "nocatch")
	wantAtom(t, got.Elems[1], "late")
}

func TestHandlerSkippedOnReturn(t *testing.T) {
	// A handler installed inside a callee must not survive its return.
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpCall).U16(1).U8(0)
		b.Op(OpPOP)
		b.Op(OpPushAtom).U16(int(b.Atom("boom")))
		b.Op(OpRaise).U8(RaiseError)

		handler := b.NewLabel()
		b.Func("inner", 0, 0, false)
		b.Op(OpTryPush).Target(handler)
		b.Op(OpPushAtom).U16(int(b.Atom("fine")))
		b.Op(OpReturn)
		b.Mark(handler)
		b.Op(OpPushAtom).U16(int(b.Atom("wrong")))
		b.Op(OpReturn)
	})
	wantAtom(t, got, "boom")
}

func TestClosureCapturesAndCall(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 1, true)
		b.Op(OpPushInt8).U8(10)
		b.Op(OpMakeClosure).U16(1).U8(1)
		b.Op(OpStoreLocal).U8(0)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(32)
		b.Op(OpCallFun).U8(1)
		exitTop(b)

		b.Func("addk", 1, 2, false)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushCaptured).U8(0)
		b.Op(OpAdd)
		b.Op(OpReturn)
	})
	wantInt(t, got, 42)
}

func TestCallFunOnNonClosureFaults(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpPushInt8).U8(5)
		b.Op(OpCallFun).U8(0)
		exitTop(b)
	})
	wantAtom(t, got, "badfun")
}

func TestUnresolvedImportFaultsUndef(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		imp := b.Import("nosuch", "fn", 0)
		b.Func("main", 0, 0, true)
		b.Op(OpCallExt).U16(int(imp)).U8(0)
		exitTop(b)
	})
	wantAtom(t, got, "undef")
}

func TestTailCallDoesNotGrowStack(t *testing.T) {
	// A million tail-recursive iterations with a small operand stack.
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpPushInt32).I32(1000000)
		b.Op(OpTailCall).U16(1).U8(1)

		done := b.NewLabel()
		b.Func("count", 1, 1, false)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(0)
		b.Op(OpEq)
		b.Op(OpJumpTrue).Target(done)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(1)
		b.Op(OpSub)
		b.Op(OpTailCall).U16(1).U8(1)
		b.Mark(done)
		b.Op(OpPushAtom).U16(int(b.Atom("done")))
		exitTop(b)
	})
	wantAtom(t, got, "done")
}

func TestNormalReturnExitsNormal(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		b.Op(OpPushNil)
		b.Op(OpReturn)
	})
	wantAtom(t, got, "normal")
}

func TestDataConstructionOps(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		b.Func("main", 0, 0, true)
		// {1, [2|[]], #{3 => 4}} then pull the pieces back apart.
		b.Op(OpPushInt8).U8(1)
		b.Op(OpPushInt8).U8(2)
		b.Op(OpPushNil)
		b.Op(OpMakeCons)
		b.Op(OpPushInt8).U8(3)
		b.Op(OpPushInt8).U8(4)
		b.Op(OpMakeMap).U8(1)
		b.Op(OpMakeTuple).U8(3)
		b.Op(OpGetTupleElem).U8(1) // the list
		b.Op(OpUncons)             // tail, head
		exitTop(b)                 // head = 2
	})
	wantInt(t, got, 2)
}

func TestTestTypeDispatch(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		notAtom := b.NewLabel()
		b.Func("main", 0, 0, true)
		b.Op(OpPushAtom).U16(int(b.Atom("ok")))
		b.Op(OpTestType).Target(notAtom).U8(TcAtom)
		exitTop(b)
		b.Mark(notAtom)
		b.Op(OpPOP)
		b.Op(OpPushAtom).U16(int(b.Atom("wrong")))
		exitTop(b)
	})
	wantAtom(t, got, "ok")
}

func TestTestEqLitBranch(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		lit := b.Literal(TupleTerm(AtomTerm("ok"), IntTerm(1)))
		noMatch := b.NewLabel()
		b.Func("main", 0, 0, true)
		b.Op(OpPushAtom).U16(int(b.Atom("ok")))
		b.Op(OpPushInt8).U8(1)
		b.Op(OpMakeTuple).U8(2)
		b.Op(OpTestEqLit).Target(noMatch).U16(int(lit))
		b.Op(OpPOP)
		b.Op(OpPushAtom).U16(int(b.Atom("matched")))
		exitTop(b)
		b.Mark(noMatch)
		b.Op(OpPOP)
		b.Op(OpPushAtom).U16(int(b.Atom("missed")))
		exitTop(b)
	})
	wantAtom(t, got, "matched")
}

func TestHeapCeilingKillsProcess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeapWords = 16
	cfg.HeapMax = 256
	got := runMod(t, cfg, func(b *ModuleBuilder) {
		loop := b.NewLabel()
		b.Func("main", 0, 1, true)
		b.Op(OpPushNil)
		b.Op(OpStoreLocal).U8(0)
		b.Mark(loop)
		b.Op(OpPushInt8).U8(1)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpMakeCons)
		b.Op(OpStoreLocal).U8(0)
		b.Op(OpJump).Target(loop)
	})
	wantAtom(t, got, "out_of_memory")
}

func TestListBuildSurvivesCollections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeapWords = 64
	got := runMod(t, cfg, func(b *ModuleBuilder) {
		loop := b.NewLabel()
		sum := b.NewLabel()
		sloop := b.NewLabel()
		sdone := b.NewLabel()

		b.Func("main", 0, 2, true)
		b.Op(OpPushInt32).I32(1000)
		b.Op(OpStoreLocal).U8(0)
		b.Op(OpPushNil)
		b.Op(OpStoreLocal).U8(1)

		b.Mark(loop)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(0)
		b.Op(OpEq)
		b.Op(OpJumpTrue).Target(sum)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushLocal).U8(1)
		b.Op(OpMakeCons)
		b.Op(OpStoreLocal).U8(1)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(1)
		b.Op(OpSub)
		b.Op(OpStoreLocal).U8(0)
		b.Op(OpJump).Target(loop)

		b.Mark(sum)
		b.Op(OpPushInt8).U8(0)
		b.Op(OpStoreLocal).U8(0)
		b.Mark(sloop)
		b.Op(OpPushLocal).U8(1)
		b.Op(OpTestType).Target(sdone).U8(TcCons)
		b.Op(OpUncons) // tail, head
		b.Op(OpPushLocal).U8(0)
		b.Op(OpAdd)
		b.Op(OpStoreLocal).U8(0)
		b.Op(OpStoreLocal).U8(1)
		b.Op(OpJump).Target(sloop)
		b.Mark(sdone)
		b.Op(OpPOP)
		b.Op(OpPushLocal).U8(0)
		exitTop(b)
	})
	wantInt(t, got, 500500)
}
