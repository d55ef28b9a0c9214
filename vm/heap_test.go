package vm

import (
	"bytes"
	"math/big"
	"testing"
)

func testHeap(words int) *Heap {
	atoms := NewAtomTable()
	store := NewBinStore()
	return newHeap(words, atoms, store, newLiteralArena(atoms, store))
}

func TestConsHeadTail(t *testing.T) {
	h := testHeap(64)
	v, err := h.Cons(FromSmallInt(1), Nil)
	if err != nil {
		t.Fatalf("Cons: %v", err)
	}
	if h.BoxKind(v) != hdrCons {
		t.Fatalf("BoxKind = %d, want cons", h.BoxKind(v))
	}
	if h.Head(v).SmallInt() != 1 {
		t.Errorf("Head = %d, want 1", h.Head(v).SmallInt())
	}
	if !h.Tail(v).IsNil() {
		t.Error("Tail should be nil")
	}
}

func TestTupleElems(t *testing.T) {
	h := testHeap(64)
	v, err := h.Tuple(FromSmallInt(10), FromSmallInt(20), FromSmallInt(30))
	if err != nil {
		t.Fatalf("Tuple: %v", err)
	}
	if h.TupleArity(v) != 3 {
		t.Fatalf("TupleArity = %d, want 3", h.TupleArity(v))
	}
	for i, want := range []int64{10, 20, 30} {
		if got := h.TupleElem(v, i).SmallInt(); got != want {
			t.Errorf("TupleElem(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestMapSortsAndDedups(t *testing.T) {
	h := testHeap(128)
	kvs := []Value{
		FromSmallInt(3), FromSmallInt(30),
		FromSmallInt(1), FromSmallInt(10),
		FromSmallInt(2), FromSmallInt(20),
	}
	v, err := h.Map(kvs)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if h.MapSize(v) != 3 {
		t.Fatalf("MapSize = %d, want 3", h.MapSize(v))
	}
	// Keys come back in total order.
	prev := Value(0)
	for i := 0; i < 3; i++ {
		k, _ := h.MapPair(v, i)
		if i > 0 && h.Compare(prev, k) >= 0 {
			t.Error("map keys not strictly ascending")
		}
		prev = k
	}
	got, ok := h.MapGet(v, FromSmallInt(2))
	if !ok || got.SmallInt() != 20 {
		t.Errorf("MapGet(2) = %v, %v, want 20", got, ok)
	}
	if _, ok := h.MapGet(v, FromSmallInt(9)); ok {
		t.Error("MapGet(9) should miss")
	}
}

func TestBigDemotesToSmall(t *testing.T) {
	h := testHeap(64)
	v, err := h.Big(big.NewInt(42))
	if err != nil {
		t.Fatalf("Big: %v", err)
	}
	if !v.IsSmallInt() || v.SmallInt() != 42 {
		t.Errorf("small-range bignum should demote, got %v", v)
	}

	n := new(big.Int).Lsh(big.NewInt(1), 90)
	v, err = h.Big(n)
	if err != nil {
		t.Fatalf("Big: %v", err)
	}
	if !v.IsBoxed() || h.BoxKind(v) != hdrBig {
		t.Fatal("wide bignum should be boxed")
	}
	if h.BigInt(v).Cmp(n) != 0 {
		t.Errorf("BigInt roundtrip: got %s, want %s", h.BigInt(v), n)
	}
}

func TestBinaryInlineAndStore(t *testing.T) {
	h := testHeap(256)

	small := []byte{1, 2, 3}
	v, err := h.Binary(small)
	if err != nil {
		t.Fatalf("Binary: %v", err)
	}
	if h.BoxKind(v) != hdrBinary {
		t.Error("small binary should be inline")
	}
	if !bytes.Equal(h.BinaryBytes(v), small) {
		t.Errorf("inline bytes = %v, want %v", h.BinaryBytes(v), small)
	}

	large := make([]byte, 200)
	for i := range large {
		large[i] = byte(i)
	}
	v, err = h.Binary(large)
	if err != nil {
		t.Fatalf("Binary: %v", err)
	}
	if h.BoxKind(v) != hdrBinRef {
		t.Error("large binary should be store-backed")
	}
	if !bytes.Equal(h.BinaryBytes(v), large) {
		t.Error("store-backed bytes do not round-trip")
	}
	if h.BinarySize(v) != 200 {
		t.Errorf("BinarySize = %d, want 200", h.BinarySize(v))
	}
	if h.store.size() != 1 {
		t.Errorf("store entries = %d, want 1", h.store.size())
	}
}

func TestClosureLayout(t *testing.T) {
	h := testHeap(64)
	caps := []Value{FromSmallInt(7), FromSmallInt(8)}
	v, err := h.Closure(3, 5, 2, caps)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	modID, fnIdx, arity, ncaps := h.ClosureInfo(v)
	if modID != 3 || fnIdx != 5 || arity != 2 || ncaps != 2 {
		t.Errorf("ClosureInfo = %d,%d,%d,%d", modID, fnIdx, arity, ncaps)
	}
	for i, want := range []int64{7, 8} {
		if got := h.ClosureCapture(v, i).SmallInt(); got != want {
			t.Errorf("capture %d = %d, want %d", i, got, want)
		}
	}
}

func TestRefToken(t *testing.T) {
	h := testHeap(64)
	v, err := h.Ref(12345)
	if err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if h.RefToken(v) != 12345 {
		t.Errorf("RefToken = %d, want 12345", h.RefToken(v))
	}
}

func TestHeapGrows(t *testing.T) {
	h := testHeap(16)
	var list Value = Nil
	for i := 0; i < 100; i++ {
		v, err := h.Cons(FromSmallInt(int64(i)), list)
		if err != nil {
			t.Fatalf("Cons %d: %v", i, err)
		}
		list = v
	}
	// Walk it back.
	for i := 99; i >= 0; i-- {
		if h.Head(list).SmallInt() != int64(i) {
			t.Fatalf("list element mismatch at %d", i)
		}
		list = h.Tail(list)
	}
	if !list.IsNil() {
		t.Error("list does not end in nil")
	}
}
