package vm

import "testing"

func TestInternIdempotent(t *testing.T) {
	at := NewAtomTable()
	a := at.Intern("hello")
	b := at.Intern("hello")
	if a != b {
		t.Errorf("Intern not idempotent: %d != %d", a, b)
	}
	if at.Name(a) != "hello" {
		t.Errorf("Name = %q, want hello", at.Name(a))
	}
}

func TestInternDistinct(t *testing.T) {
	at := NewAtomTable()
	if at.Intern("a") == at.Intern("b") {
		t.Error("distinct names interned to the same id")
	}
}

func TestLookupMiss(t *testing.T) {
	at := NewAtomTable()
	if _, ok := at.Lookup("never_interned"); ok {
		t.Error("Lookup of unknown name should miss")
	}
	at.Intern("present")
	if _, ok := at.Lookup("present"); !ok {
		t.Error("Lookup of interned name should hit")
	}
}

func TestWellKnownAtomsPreinterned(t *testing.T) {
	at := NewAtomTable()
	tests := []struct {
		id   AtomID
		name string
	}{
		{AtomFalse, "false"},
		{AtomTrue, "true"},
		{AtomOk, "ok"},
		{AtomNormal, "normal"},
		{AtomKill, "kill"},
		{AtomKilled, "killed"},
		{AtomBadarg, "badarg"},
		{AtomBadarith, "badarith"},
		{AtomTrapExit, "trap_exit"},
		{AtomExitUpper, "EXIT"},
		{AtomDown, "DOWN"},
	}
	for _, tc := range tests {
		if got := at.Name(tc.id); got != tc.name {
			t.Errorf("Name(%d) = %q, want %q", tc.id, got, tc.name)
		}
		if id, ok := at.Lookup(tc.name); !ok || id != tc.id {
			t.Errorf("Lookup(%q) = %d, %v, want %d", tc.name, id, ok, tc.id)
		}
	}
}
