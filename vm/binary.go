package vm

import "sync"

// ---------------------------------------------------------------------------
// BinStore: shared reference-counted storage for large binaries
// ---------------------------------------------------------------------------

// BinStore holds the payloads of large binaries off-heap. Each process
// heap tracks the set of store ids it references; the collector rebuilds
// that set after every collection and releases ids that are no longer
// reachable.
type BinStore struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64]*binEntry
}

type binEntry struct {
	data []byte
	refs int
}

// NewBinStore creates an empty binary store.
func NewBinStore() *BinStore {
	return &BinStore{entries: make(map[uint64]*binEntry)}
}

// put stores data under a fresh id with one reference.
func (bs *BinStore) put(data []byte) uint64 {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.next++
	id := bs.next
	bs.entries[id] = &binEntry{data: data, refs: 1}
	return id
}

// get returns the payload for id, or nil.
func (bs *BinStore) get(id uint64) []byte {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if e, ok := bs.entries[id]; ok {
		return e.data
	}
	return nil
}

// release drops a reference to id, deleting the entry at zero.
func (bs *BinStore) release(id uint64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if e, ok := bs.entries[id]; ok {
		e.refs--
		if e.refs <= 0 {
			delete(bs.entries, id)
		}
	}
}

// size returns the number of live entries (for tests).
func (bs *BinStore) size() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.entries)
}
