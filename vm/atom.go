package vm

import "sync"

// AtomID is the interned index of an atom in the global atom table.
type AtomID uint32

// ---------------------------------------------------------------------------
// AtomTable: Interned atoms
// ---------------------------------------------------------------------------

// AtomTable interns atom names to unique IDs. The table is process-wide,
// append-only, and immutable once an ID is assigned; steady-state reads
// take only the read lock.
type AtomTable struct {
	mu     sync.RWMutex
	byName map[string]AtomID // name -> ID
	byID   []string          // ID -> name
}

// Well-known atoms, pre-interned by NewAtomTable in this order.
const (
	AtomFalse AtomID = iota
	AtomTrue
	AtomOk
	AtomError
	AtomThrow
	AtomExit
	AtomNormal
	AtomKill
	AtomKilled
	AtomTimeout
	AtomInfinity
	AtomUndef
	AtomBadarg
	AtomBadarith
	AtomBadmatch
	AtomBadfun
	AtomBadmap
	AtomNoproc
	AtomOutOfMemory
	AtomUnresolvedOpcode
	AtomTrapExit
	AtomProcess
	AtomExitUpper // 'EXIT'
	AtomDown      // 'DOWN'
)

var wellKnownAtoms = []string{
	"false", "true", "ok", "error", "throw", "exit", "normal", "kill",
	"killed", "timeout", "infinity", "undef", "badarg", "badarith",
	"badmatch", "badfun", "badmap", "noproc", "out_of_memory",
	"unresolved_opcode", "trap_exit", "process", "EXIT", "DOWN",
}

// Boolean values are ordinary atoms.
const (
	False Value = Value(nanBits | tagAtom | uint64(AtomFalse))
	True  Value = Value(nanBits | tagAtom | uint64(AtomTrue))
)

// FromBool converts a Go bool to the corresponding atom value.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// NewAtomTable creates an atom table with the well-known atoms pre-interned.
func NewAtomTable() *AtomTable {
	at := &AtomTable{
		byName: make(map[string]AtomID),
		byID:   make([]string, 0, 256),
	}
	for _, name := range wellKnownAtoms {
		at.Intern(name)
	}
	return at
}

// Intern returns the ID for an atom, creating a new one if needed.
func (at *AtomTable) Intern(name string) AtomID {
	// Fast path: read-only lookup
	at.mu.RLock()
	if id, ok := at.byName[name]; ok {
		at.mu.RUnlock()
		return id
	}
	at.mu.RUnlock()

	at.mu.Lock()
	defer at.mu.Unlock()

	// Double-check after acquiring write lock
	if id, ok := at.byName[name]; ok {
		return id
	}

	id := AtomID(len(at.byID))
	at.byName[name] = id
	at.byID = append(at.byID, name)
	return id
}

// Lookup returns the ID for an atom name, or 0 and false if not interned.
func (at *AtomTable) Lookup(name string) (AtomID, bool) {
	at.mu.RLock()
	defer at.mu.RUnlock()
	id, ok := at.byName[name]
	return id, ok
}

// Name returns the atom name for an ID, or "" if invalid.
func (at *AtomTable) Name(id AtomID) string {
	at.mu.RLock()
	defer at.mu.RUnlock()
	if int(id) >= len(at.byID) {
		return ""
	}
	return at.byID[id]
}

// Len returns the number of interned atoms.
func (at *AtomTable) Len() int {
	at.mu.RLock()
	defer at.mu.RUnlock()
	return len(at.byID)
}

// Value interns name and returns it as an atom value.
func (at *AtomTable) Value(name string) Value {
	return FromAtom(at.Intern(name))
}
