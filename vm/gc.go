package vm

import "errors"

// errHeapCeiling signals that a process heap cannot grow past its
// configured ceiling. The interpreter turns it into an out_of_memory
// termination for that process only.
var errHeapCeiling = errors.New("heap ceiling exceeded")

// ---------------------------------------------------------------------------
// Copying collector
// ---------------------------------------------------------------------------
//
// Collection is local to a single process: no other process is paused and
// no lock is taken. Roots are the operand stack, the process dictionary
// and the heap's staged construction roots. The mailbox holds external
// Terms, not heap values, so it is not part of the root set. Live data is
// copied Cheney-style into a fresh region; from-space headers are
// overwritten with forwarding entries so shared and cyclic structure is
// preserved.

// gcEnsure makes room for need more words: collect, then grow if the heap
// is still too full, failing once growth would pass the ceiling.
func (p *Process) gcEnsure(need int) error {
	h := p.heap
	h.collect(p)
	if h.free() >= need {
		return nil
	}
	size := len(h.words)
	for size < h.top+need {
		size *= h.growthFactor
	}
	if h.maxWords > 0 && size > h.maxWords {
		return errHeapCeiling
	}
	h.grow(need)
	return nil
}

// collect copies the live graph reachable from owner's roots into a fresh
// region of the same capacity and discards everything else.
func (h *Heap) collect(owner *Process) {
	from := h.words
	to := make([]uint64, len(from))
	top := 0
	newRefs := make(map[uint64]struct{})

	copyVal := func(v Value) Value {
		if !v.IsBoxed() || v.IsLiteral() {
			return v
		}
		slot := v.slot()
		hw := from[slot]
		if headerKind(hw) == hdrForward {
			return makeBoxed(headerSize(hw), false)
		}
		size := headerSize(hw)
		idx := top
		to[idx] = hw
		copy(to[idx+1:idx+1+size], from[slot+1:slot+1+size])
		top += size + 1
		from[slot] = header(hdrForward, idx)
		if headerKind(hw) == hdrBinRef {
			newRefs[to[idx+1]] = struct{}{}
		}
		return makeBoxed(idx, false)
	}

	// Roots
	if owner != nil {
		for i := 0; i < owner.sp; i++ {
			owner.stack[i] = copyVal(owner.stack[i])
		}
		for i := range owner.dict {
			owner.dict[i] = copyVal(owner.dict[i])
		}
	}
	for i := range h.tmpRoots {
		h.tmpRoots[i] = copyVal(h.tmpRoots[i])
	}

	// Scan
	for scan := 0; scan < top; {
		hw := to[scan]
		size := headerSize(hw)
		switch headerKind(hw) {
		case hdrCons, hdrTuple, hdrMap:
			for i := scan + 1; i <= scan+size; i++ {
				to[i] = uint64(copyVal(Value(to[i])))
			}
		case hdrClosure:
			for i := scan + 3; i <= scan+size; i++ {
				to[i] = uint64(copyVal(Value(to[i])))
			}
		}
		scan += size + 1
	}

	// Release store ids that did not survive.
	for id := range h.binRefs {
		if _, ok := newRefs[id]; !ok {
			h.store.release(id)
		}
	}
	h.binRefs = newRefs
	h.words = to
	h.top = top
}

// releaseAll drops every binary store reference held by this heap.
// Called once during process teardown.
func (h *Heap) releaseAll() {
	for id := range h.binRefs {
		h.store.release(id)
	}
	h.binRefs = make(map[uint64]struct{})
}

// Used returns the number of live words after the last collection or
// allocation, for tests and heap accounting.
func (h *Heap) Used() int { return h.top }
