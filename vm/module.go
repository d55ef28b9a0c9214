package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// Module: a loaded unit of code
// ---------------------------------------------------------------------------

// Current module binary format version.
const ModuleVersion uint32 = 1

// FuncInfo describes one function in a module's code section.
type FuncInfo struct {
	Name     AtomID // global atom id
	Arity    int
	NLocals  int // total frame slots, arguments included
	Entry    int // code offset of the first instruction
	Exported bool
}

// importState caches the resolution of an external call target. Imports
// resolve lazily: an unresolved import only faults when invoked.
type importState struct {
	mod    *Module
	fnIdx  int
	native NativeFunc
}

// ImportInfo describes one entry of a module's import table.
type ImportInfo struct {
	Module AtomID
	Name   AtomID
	Arity  int

	resolved atomic.Pointer[importState]
}

type funcKey struct {
	name  AtomID
	arity int
}

// Module owns decoded code, the mapping from module-local atom indices to
// global atom ids, literal values in the shared arena, and the
// export/import tables. Modules are immutable after load and live until
// runtime shutdown.
type Module struct {
	Name string
	id   int // index in the machine's module table

	Atoms    []AtomID // module atom index -> global atom id
	Code     []byte
	Literals []Value // materialized in the literal arena
	Funcs    []FuncInfo
	Imports  []*ImportInfo

	exports map[funcKey]int // (name, arity) -> function index
}

// Export returns the function index exported under (name, arity).
func (m *Module) Export(name AtomID, arity int) (int, bool) {
	idx, ok := m.exports[funcKey{name, arity}]
	return idx, ok
}
