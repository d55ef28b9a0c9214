package vm

import (
	"crypto/sha256"
	"errors"
	"math/big"
	"testing"
)

// buildTrivial assembles a module with one exported nullary function
// that returns nil.
func buildTrivial(t *testing.T, name string) []byte {
	t.Helper()
	b := NewModuleBuilder(name)
	b.Func("main", 0, 0, true)
	b.Op(OpPushNil).Op(OpReturn)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

func TestLoadModuleRoundTrip(t *testing.T) {
	m := NewMachine(DefaultConfig())
	b := NewModuleBuilder("demo")
	b.Literal(IntTerm(7))
	b.Literal(AtomTerm("hello"))
	b.Literal(BigTerm(new(big.Int).Lsh(big.NewInt(1), 70)))
	b.Literal(FloatTerm(1.25))
	b.Literal(TupleTerm(AtomTerm("ok"), IntTerm(1)))
	b.Literal(ListTerm(IntTerm(1), IntTerm(2), IntTerm(3)))
	b.Literal(BinTerm(make([]byte, 100)))
	b.Import("core", "self", 0)
	b.Func("main", 0, 0, true)
	b.Op(OpPushLiteral).U16(0)
	b.Op(OpReturn)
	b.Func("helper", 2, 3, false)
	b.Op(OpPushLocal).U8(0)
	b.Op(OpReturn)

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	mod, err := m.LoadModule(data)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	if mod.Name != "demo" {
		t.Errorf("Name = %q, want demo", mod.Name)
	}
	if len(mod.Literals) != 7 {
		t.Fatalf("literals = %d, want 7", len(mod.Literals))
	}
	if !mod.Literals[0].IsSmallInt() || mod.Literals[0].SmallInt() != 7 {
		t.Error("int literal did not materialize")
	}
	if !mod.Literals[1].IsAtom() {
		t.Error("atom literal did not materialize")
	}
	if m.lits.BoxKind(mod.Literals[2]) != hdrBig {
		t.Error("bignum literal did not materialize boxed")
	}
	if !mod.Literals[2].IsLiteral() {
		t.Error("boxed literal must carry the literal arena bit")
	}
	if got, ok := m.ModuleByName("demo"); !ok || got != mod {
		t.Error("ModuleByName lookup failed")
	}
	if _, ok := mod.Export(m.atoms.Intern("main"), 0); !ok {
		t.Error("exported function missing from export table")
	}
	if _, ok := mod.Export(m.atoms.Intern("helper"), 2); ok {
		t.Error("private function must not be exported")
	}
}

func TestLoadModuleBadMagic(t *testing.T) {
	m := NewMachine(DefaultConfig())
	data := buildTrivial(t, "t")
	// Flip the magic and re-seal the trailer so only the magic is wrong.
	data[0] = 'X'
	sum := sha256.Sum256(data[:len(data)-sha256.Size])
	copy(data[len(data)-sha256.Size:], sum[:])
	if _, err := m.LoadModule(data); !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestLoadModuleChecksumMismatch(t *testing.T) {
	m := NewMachine(DefaultConfig())
	data := buildTrivial(t, "t")
	data[len(data)/2] ^= 0xFF
	if _, err := m.LoadModule(data); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("err = %v, want ErrChecksumMismatch", err)
	}
}

func TestLoadModuleTruncated(t *testing.T) {
	m := NewMachine(DefaultConfig())
	data := buildTrivial(t, "t")
	if _, err := m.LoadModule(data[:len(data)-40]); err == nil {
		t.Error("truncated module loaded without error")
	}
}

func TestLoadModuleUnknownOpcode(t *testing.T) {
	m := NewMachine(DefaultConfig())
	b := NewModuleBuilder("t")
	b.Func("main", 0, 0, true)
	b.Op(Opcode(0xEE))
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := m.LoadModule(data); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("err = %v, want ErrUnknownOpcode", err)
	}
}

func TestLoadModuleTruncatedOperands(t *testing.T) {
	m := NewMachine(DefaultConfig())
	b := NewModuleBuilder("t")
	b.Func("main", 0, 0, true)
	// PushInt32 wants four operand bytes; give it one.
	b.Op(OpPushInt32).U8(1)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := m.LoadModule(data); !errors.Is(err, ErrTruncatedCode) {
		t.Errorf("err = %v, want ErrTruncatedCode", err)
	}
}

func TestLoadModuleRejectsPidLiteral(t *testing.T) {
	m := NewMachine(DefaultConfig())
	b := NewModuleBuilder("t")
	b.Literal(PidTerm(1))
	b.Func("main", 0, 0, true)
	b.Op(OpPushNil).Op(OpReturn)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := m.LoadModule(data); !errors.Is(err, ErrBadLiteral) {
		t.Errorf("err = %v, want ErrBadLiteral", err)
	}
}

func TestLoadModuleDuplicate(t *testing.T) {
	m := NewMachine(DefaultConfig())
	if _, err := m.LoadModule(buildTrivial(t, "t")); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := m.LoadModule(buildTrivial(t, "t")); !errors.Is(err, ErrDuplicateModule) {
		t.Errorf("err = %v, want ErrDuplicateModule", err)
	}
}
