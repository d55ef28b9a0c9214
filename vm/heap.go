package vm

import (
	"math/big"
	"sort"
)

// ---------------------------------------------------------------------------
// Heap: per-process term storage
// ---------------------------------------------------------------------------

// Boxed term kinds. The kind byte lives in the top byte of a header word;
// the low 32 bits hold the payload size in words.
const (
	hdrCons    = 0x01 // [head, tail]
	hdrTuple   = 0x02 // [e0 .. eN-1]
	hdrMap     = 0x03 // [k0, v0 .. kN-1, vN-1], keys sorted by term order
	hdrBig     = 0x04 // [sign, byteLen, packed big-endian bytes...]
	hdrClosure = 0x05 // [modID<<32|fnIdx, arity<<32|ncaps, caps...]
	hdrRef     = 0x06 // [token]
	hdrBinary  = 0x07 // [byteLen, packed bytes...]
	hdrBinRef  = 0x08 // [store id, byteLen]
	hdrForward = 0x7F // payload = relocated slot index (collector only)
)

// Binaries at or below this size are stored inline in the heap; larger
// payloads go to the reference-counted binary store.
const inlineBinaryMax = 64

func header(kind int, size int) uint64 {
	return uint64(kind)<<56 | uint64(uint32(size))
}

func headerKind(w uint64) int { return int(w >> 56) }
func headerSize(w uint64) int { return int(uint32(w)) }

// Heap is a contiguous, growable word array owned by a single process (or
// by the shared literal arena). Allocation bumps top; exhaustion triggers
// the owner's collector, or plain growth for the arena.
type Heap struct {
	words []uint64
	top   int

	literal bool  // this heap is the shared literal arena
	lits    *Heap // read-through to the literal arena (nil for the arena)
	atoms   *AtomTable
	store   *BinStore
	proc    *Process // owning process, nil for the literal arena

	binRefs map[uint64]struct{} // store ids referenced from this heap

	// tmpRoots stages intermediate values during multi-step construction
	// (term import, native result building). The collector treats it as
	// part of the root set, so a collection in the middle of building a
	// composite term cannot strand a child.
	tmpRoots []Value

	growthFactor int
	maxWords     int // 0 = unlimited
}

// pushRoot stages v against collection and returns its root slot.
func (h *Heap) pushRoot(v Value) int {
	h.tmpRoots = append(h.tmpRoots, v)
	return len(h.tmpRoots) - 1
}

// popRoots drops staged roots down to base.
func (h *Heap) popRoots(base int) {
	h.tmpRoots = h.tmpRoots[:base]
}

func newHeap(initial int, atoms *AtomTable, store *BinStore, lits *Heap) *Heap {
	if initial < 16 {
		initial = 16
	}
	return &Heap{
		words:        make([]uint64, initial),
		atoms:        atoms,
		store:        store,
		lits:         lits,
		binRefs:      make(map[uint64]struct{}),
		growthFactor: 2,
	}
}

// newLiteralArena creates the shared literal arena. It grows without limit
// and is never collected: module literals live for the whole runtime.
func newLiteralArena(atoms *AtomTable, store *BinStore) *Heap {
	h := newHeap(1024, atoms, store, nil)
	h.literal = true
	return h
}

// resolve maps a boxed value to the heap that actually holds it.
func (h *Heap) resolve(v Value) (*Heap, int) {
	if v.IsLiteral() {
		if h.literal {
			return h, v.slot()
		}
		return h.lits, v.slot()
	}
	return h, v.slot()
}

func (h *Heap) free() int { return len(h.words) - h.top }

// ensure guarantees room for n more words. Process heaps collect and then
// grow; the literal arena just grows.
func (h *Heap) ensure(n int) error {
	if h.top+n <= len(h.words) {
		return nil
	}
	if h.proc != nil {
		return h.proc.gcEnsure(n)
	}
	h.grow(n)
	return nil
}

// grow expands the heap until n more words fit. No ceiling check: the
// caller enforces maxWords before calling.
func (h *Heap) grow(n int) {
	size := len(h.words)
	for size < h.top+n {
		size *= h.growthFactor
	}
	words := make([]uint64, size)
	copy(words, h.words[:h.top])
	h.words = words
}

// alloc bumps the free pointer. The caller must have called ensure.
func (h *Heap) alloc(n int) int {
	if h.top+n > len(h.words) {
		panic("heap: alloc without ensure")
	}
	idx := h.top
	h.top += n
	return idx
}

func (h *Heap) boxed(slot int) Value {
	return makeBoxed(slot, h.literal)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Cons allocates a cons cell.
func (h *Heap) Cons(head, tail Value) (Value, error) {
	if err := h.ensure(3); err != nil {
		return Nil, err
	}
	idx := h.alloc(3)
	h.words[idx] = header(hdrCons, 2)
	h.words[idx+1] = uint64(head)
	h.words[idx+2] = uint64(tail)
	return h.boxed(idx), nil
}

// Tuple allocates a tuple with the given slots.
func (h *Heap) Tuple(elems ...Value) (Value, error) {
	n := len(elems)
	if err := h.ensure(n + 1); err != nil {
		return Nil, err
	}
	idx := h.alloc(n + 1)
	h.words[idx] = header(hdrTuple, n)
	for i, e := range elems {
		h.words[idx+1+i] = uint64(e)
	}
	return h.boxed(idx), nil
}

// Map allocates a map from alternating key/value pairs. Keys are sorted
// into term order; a duplicate key keeps the last value given.
func (h *Heap) Map(kvs []Value) (Value, error) {
	type pair struct{ k, v Value }
	pairs := make([]pair, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		pairs = append(pairs, pair{kvs[i], kvs[i+1]})
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		return h.Compare(pairs[a].k, pairs[b].k) < 0
	})
	// Collapse duplicates, keeping the rightmost value.
	out := pairs[:0]
	for _, p := range pairs {
		if len(out) > 0 && h.Compare(out[len(out)-1].k, p.k) == 0 {
			out[len(out)-1] = p
			continue
		}
		out = append(out, p)
	}
	n := len(out)
	if err := h.ensure(2*n + 1); err != nil {
		return Nil, err
	}
	idx := h.alloc(2*n + 1)
	h.words[idx] = header(hdrMap, 2*n)
	for i, p := range out {
		h.words[idx+1+2*i] = uint64(p.k)
		h.words[idx+2+2*i] = uint64(p.v)
	}
	return h.boxed(idx), nil
}

// Big allocates an arbitrary-precision integer. Values in small-int range
// are returned as immediates.
func (h *Heap) Big(n *big.Int) (Value, error) {
	if n.IsInt64() {
		if i := n.Int64(); i >= MinSmallInt && i <= MaxSmallInt {
			return FromSmallInt(i), nil
		}
	}
	bytes := n.Bytes()
	nw := (len(bytes) + 7) / 8
	if err := h.ensure(nw + 3); err != nil {
		return Nil, err
	}
	idx := h.alloc(nw + 3)
	h.words[idx] = header(hdrBig, nw+2)
	sign := uint64(0)
	if n.Sign() < 0 {
		sign = 1
	}
	h.words[idx+1] = sign
	h.words[idx+2] = uint64(len(bytes))
	packBytes(h.words[idx+3:idx+3+nw], bytes)
	return h.boxed(idx), nil
}

// Binary allocates a binary. Small payloads are stored inline; larger
// ones go to the reference-counted binary store.
func (h *Heap) Binary(data []byte) (Value, error) {
	if len(data) <= inlineBinaryMax {
		nw := (len(data) + 7) / 8
		if err := h.ensure(nw + 2); err != nil {
			return Nil, err
		}
		idx := h.alloc(nw + 2)
		h.words[idx] = header(hdrBinary, nw+1)
		h.words[idx+1] = uint64(len(data))
		packBytes(h.words[idx+2:idx+2+nw], data)
		return h.boxed(idx), nil
	}
	if err := h.ensure(3); err != nil {
		return Nil, err
	}
	id := h.store.put(data)
	idx := h.alloc(3)
	h.words[idx] = header(hdrBinRef, 2)
	h.words[idx+1] = id
	h.words[idx+2] = uint64(len(data))
	h.binRefs[id] = struct{}{}
	return h.boxed(idx), nil
}

// Ref allocates a unique reference box around a token.
func (h *Heap) Ref(token uint64) (Value, error) {
	if err := h.ensure(2); err != nil {
		return Nil, err
	}
	idx := h.alloc(2)
	h.words[idx] = header(hdrRef, 1)
	h.words[idx+1] = token
	return h.boxed(idx), nil
}

// Closure allocates a function closure.
func (h *Heap) Closure(modID int, fnIdx int, arity int, caps []Value) (Value, error) {
	n := len(caps)
	if err := h.ensure(n + 3); err != nil {
		return Nil, err
	}
	idx := h.alloc(n + 3)
	h.words[idx] = header(hdrClosure, n+2)
	h.words[idx+1] = uint64(modID)<<32 | uint64(uint32(fnIdx))
	h.words[idx+2] = uint64(arity)<<32 | uint64(uint32(n))
	for i, c := range caps {
		h.words[idx+3+i] = uint64(c)
	}
	return h.boxed(idx), nil
}

// ---------------------------------------------------------------------------
// Staged constructors
// ---------------------------------------------------------------------------
//
// These build composite terms from children staged on tmpRoots. Space is
// reserved in one ensure call before any child is read back, so a
// collection triggered by the reservation cannot strand a child value.

// tupleFromRoots builds a tuple from the staged values at tmpRoots[base:].
func (h *Heap) tupleFromRoots(base int) (Value, error) {
	n := len(h.tmpRoots) - base
	if err := h.ensure(n + 1); err != nil {
		h.popRoots(base)
		return Nil, err
	}
	idx := h.alloc(n + 1)
	h.words[idx] = header(hdrTuple, n)
	for i := 0; i < n; i++ {
		h.words[idx+1+i] = uint64(h.tmpRoots[base+i])
	}
	h.popRoots(base)
	return h.boxed(idx), nil
}

// mapFromRoots builds a map from staged alternating key/value pairs.
func (h *Heap) mapFromRoots(base int) (Value, error) {
	n := len(h.tmpRoots) - base
	if err := h.ensure(n + 1); err != nil {
		h.popRoots(base)
		return Nil, err
	}
	kvs := make([]Value, n)
	copy(kvs, h.tmpRoots[base:])
	h.popRoots(base)
	return h.Map(kvs) // space reserved above, Map's ensure is a no-op
}

// closureFromRoots builds a closure whose captures are staged.
func (h *Heap) closureFromRoots(modID, fnIdx, arity, base int) (Value, error) {
	n := len(h.tmpRoots) - base
	if err := h.ensure(n + 3); err != nil {
		h.popRoots(base)
		return Nil, err
	}
	idx := h.alloc(n + 3)
	h.words[idx] = header(hdrClosure, n+2)
	h.words[idx+1] = uint64(modID)<<32 | uint64(uint32(fnIdx))
	h.words[idx+2] = uint64(arity)<<32 | uint64(uint32(n))
	for i := 0; i < n; i++ {
		h.words[idx+3+i] = uint64(h.tmpRoots[base+i])
	}
	h.popRoots(base)
	return h.boxed(idx), nil
}

// listFromRoots builds a list from staged elements; if hasTail is set the
// last staged value is the (improper) tail, otherwise the tail is nil.
func (h *Heap) listFromRoots(base int, hasTail bool) (Value, error) {
	n := len(h.tmpRoots) - base
	tail := Nil
	if hasTail {
		n--
	}
	if err := h.ensure(3 * n); err != nil {
		h.popRoots(base)
		return Nil, err
	}
	if hasTail {
		tail = h.tmpRoots[base+n]
	}
	for i := n - 1; i >= 0; i-- {
		idx := h.alloc(3)
		h.words[idx] = header(hdrCons, 2)
		h.words[idx+1] = uint64(h.tmpRoots[base+i])
		h.words[idx+2] = uint64(tail)
		tail = h.boxed(idx)
	}
	h.popRoots(base)
	return tail, nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// BoxKind returns the boxed kind of v, or 0 for immediates.
func (h *Heap) BoxKind(v Value) int {
	if !v.IsBoxed() {
		return 0
	}
	hh, idx := h.resolve(v)
	return headerKind(hh.words[idx])
}

// Head returns the head of a cons cell.
func (h *Heap) Head(v Value) Value {
	hh, idx := h.resolve(v)
	return Value(hh.words[idx+1])
}

// Tail returns the tail of a cons cell.
func (h *Heap) Tail(v Value) Value {
	hh, idx := h.resolve(v)
	return Value(hh.words[idx+2])
}

// TupleArity returns the number of slots in a tuple.
func (h *Heap) TupleArity(v Value) int {
	hh, idx := h.resolve(v)
	return headerSize(hh.words[idx])
}

// TupleElem returns slot i (0-based) of a tuple.
func (h *Heap) TupleElem(v Value, i int) Value {
	hh, idx := h.resolve(v)
	return Value(hh.words[idx+1+i])
}

// MapSize returns the number of key/value pairs in a map.
func (h *Heap) MapSize(v Value) int {
	hh, idx := h.resolve(v)
	return headerSize(hh.words[idx]) / 2
}

// MapPair returns pair i (0-based, in key order) of a map.
func (h *Heap) MapPair(v Value, i int) (Value, Value) {
	hh, idx := h.resolve(v)
	return Value(hh.words[idx+1+2*i]), Value(hh.words[idx+2+2*i])
}

// MapGet finds the value for key, or false.
func (h *Heap) MapGet(m Value, key Value) (Value, bool) {
	n := h.MapSize(m)
	for i := 0; i < n; i++ {
		k, val := h.MapPair(m, i)
		if h.Compare(k, key) == 0 {
			return val, true
		}
	}
	return Nil, false
}

// BigInt reconstructs the big.Int held in a bignum box.
func (h *Heap) BigInt(v Value) *big.Int {
	hh, idx := h.resolve(v)
	byteLen := int(hh.words[idx+2])
	nw := (byteLen + 7) / 8
	bytes := unpackBytes(hh.words[idx+3:idx+3+nw], byteLen)
	n := new(big.Int).SetBytes(bytes)
	if hh.words[idx+1] != 0 {
		n.Neg(n)
	}
	return n
}

// BinaryBytes returns the byte payload of a binary (inline or stored).
// The returned slice must not be mutated.
func (h *Heap) BinaryBytes(v Value) []byte {
	hh, idx := h.resolve(v)
	switch headerKind(hh.words[idx]) {
	case hdrBinary:
		byteLen := int(hh.words[idx+1])
		nw := (byteLen + 7) / 8
		return unpackBytes(hh.words[idx+2:idx+2+nw], byteLen)
	case hdrBinRef:
		return hh.store.get(hh.words[idx+1])
	}
	return nil
}

// BinarySize returns the byte length of a binary without copying.
func (h *Heap) BinarySize(v Value) int {
	hh, idx := h.resolve(v)
	switch headerKind(hh.words[idx]) {
	case hdrBinary:
		return int(hh.words[idx+1])
	case hdrBinRef:
		return int(hh.words[idx+2])
	}
	return 0
}

// RefToken returns the unique token inside a reference box.
func (h *Heap) RefToken(v Value) uint64 {
	hh, idx := h.resolve(v)
	return hh.words[idx+1]
}

// ClosureInfo returns the module id, function index, arity and capture
// count of a closure box.
func (h *Heap) ClosureInfo(v Value) (modID, fnIdx, arity, ncaps int) {
	hh, idx := h.resolve(v)
	w1, w2 := hh.words[idx+1], hh.words[idx+2]
	return int(w1 >> 32), int(uint32(w1)), int(w2 >> 32), int(uint32(w2))
}

// ClosureCapture returns captured variable i of a closure.
func (h *Heap) ClosureCapture(v Value, i int) Value {
	hh, idx := h.resolve(v)
	return Value(hh.words[idx+3+i])
}

// ---------------------------------------------------------------------------
// Byte packing
// ---------------------------------------------------------------------------

func packBytes(words []uint64, data []byte) {
	for i, b := range data {
		words[i/8] |= uint64(b) << (uint(i%8) * 8)
	}
}

func unpackBytes(words []uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(words[i/8] >> (uint(i%8) * 8))
	}
	return out
}
