package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Float tests
// ---------------------------------------------------------------------------

func TestFloatRoundTrip(t *testing.T) {
	tests := []float64{
		0.0,
		-0.0,
		1.0,
		-1.0,
		3.14159265358979,
		-3.14159265358979,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		math.Inf(1),
		math.Inf(-1),
	}

	for _, f := range tests {
		v := FromFloat64(f)
		if !v.IsFloat() {
			t.Errorf("FromFloat64(%v).IsFloat() = false, want true", f)
			continue
		}
		got := v.Float64()
		if got != f {
			t.Errorf("FromFloat64(%v).Float64() = %v, want %v", f, got, f)
		}
	}
}

func TestFloatNaN(t *testing.T) {
	// A real NaN must stay a float and must not decode as a tagged value.
	v := FromFloat64(math.NaN())
	if !v.IsFloat() {
		t.Error("NaN should be treated as float")
	}
	if !math.IsNaN(v.Float64()) {
		t.Error("NaN roundtrip failed")
	}
	if v.IsSmallInt() || v.IsAtom() || v.IsPid() || v.IsNil() {
		t.Error("NaN must not decode as a tagged immediate")
	}
}

// ---------------------------------------------------------------------------
// SmallInt tests
// ---------------------------------------------------------------------------

func TestSmallIntRoundTrip(t *testing.T) {
	tests := []int64{
		0,
		1,
		-1,
		42,
		-42,
		1000000,
		-1000000,
		MaxSmallInt,
		MinSmallInt,
		MaxSmallInt - 1,
		MinSmallInt + 1,
	}

	for _, n := range tests {
		v := FromSmallInt(n)
		if !v.IsSmallInt() {
			t.Errorf("FromSmallInt(%d).IsSmallInt() = false, want true", n)
			continue
		}
		got := v.SmallInt()
		if got != n {
			t.Errorf("FromSmallInt(%d).SmallInt() = %d, want %d", n, got, n)
		}
	}
}

func TestSmallIntSignExtension(t *testing.T) {
	tests := []int64{-1, -2, -100, -1000000, MinSmallInt}
	for _, n := range tests {
		v := FromSmallInt(n)
		got := v.SmallInt()
		if got != n {
			t.Errorf("sign extension failed for %d: got %d", n, got)
		}
		if got >= 0 {
			t.Errorf("sign extension should produce negative for %d: got %d", n, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Immediate tags
// ---------------------------------------------------------------------------

func TestAtomValue(t *testing.T) {
	v := FromAtom(AtomID(7))
	if !v.IsAtom() {
		t.Error("IsAtom should be true")
	}
	if v.IsFloat() || v.IsSmallInt() || v.IsPid() || v.IsBoxed() {
		t.Error("atom value matched another tag")
	}
	if v.Atom() != 7 {
		t.Errorf("Atom() = %d, want 7", v.Atom())
	}
}

func TestPidPortValues(t *testing.T) {
	p := FromPid(PID(99))
	if !p.IsPid() || p.Pid() != 99 {
		t.Errorf("pid roundtrip failed: %v", p.Pid())
	}
	q := FromPort(PortID(12))
	if !q.IsPort() || q.Port() != 12 {
		t.Errorf("port roundtrip failed: %v", q.Port())
	}
	if p == q {
		t.Error("pid and port with different tags compared equal")
	}
}

func TestNilValue(t *testing.T) {
	if !Nil.IsNil() {
		t.Error("Nil.IsNil() = false")
	}
	if Nil.IsAtom() || Nil.IsSmallInt() || Nil.IsBoxed() {
		t.Error("Nil matched another tag")
	}
}

func TestBoolValues(t *testing.T) {
	if FromBool(true) != True || FromBool(false) != False {
		t.Error("FromBool does not map onto the true/false atoms")
	}
	if True.Atom() != AtomTrue || False.Atom() != AtomFalse {
		t.Error("boolean atoms have wrong ids")
	}
}
