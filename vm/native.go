package vm

import (
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Native-call boundary
// ---------------------------------------------------------------------------

// NativeFunc is a synchronous native implementation of a guest-callable
// function. It receives the calling process (as its context handle: heap
// access, raising, identity) and the argument Values, which live in the
// caller's heap. Implementations must not retain args or any derived
// Value past the call: the next collection may relocate them. Results
// must be built in the caller's heap or be immediates.
type NativeFunc func(p *Process, args []Value) (Value, error)

// GuestFault is a guest-level exception raised by a native function. It
// propagates through the caller's catch-handler stack exactly like an
// OpRaise, never as an uncatchable fault.
type GuestFault struct {
	Class  int // RaiseThrow, RaiseError or RaiseExit
	Reason Value
}

func (f *GuestFault) Error() string {
	return fmt.Sprintf("guest fault (class %d)", f.Class)
}

// Badarg returns an error-class fault with reason badarg.
func Badarg() *GuestFault {
	return &GuestFault{Class: RaiseError, Reason: FromAtom(AtomBadarg)}
}

// errSleep asks the interpreter to park the process on a timer. The
// native call completes (returning ok) before the process blocks.
type errSleep struct {
	d time.Duration
}

func (errSleep) Error() string { return "sleep" }

// errPortFull asks the interpreter to park the process on a saturated
// port and retry the call when the port drains.
type errPortFull struct {
	port *Port
}

func (errPortFull) Error() string { return "port queue full" }

// ---------------------------------------------------------------------------
// NativeRegistry
// ---------------------------------------------------------------------------

type nativeKey struct {
	module string
	fn     string
	arity  int
}

// NativeRegistry maps {module, function, arity} triples to native
// implementations. Import resolution consults it after the guest module
// table.
type NativeRegistry struct {
	mu    sync.RWMutex
	funcs map[nativeKey]NativeFunc
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{funcs: make(map[nativeKey]NativeFunc)}
}

// Register binds a native implementation.
func (r *NativeRegistry) Register(module, fn string, arity int, impl NativeFunc) {
	r.mu.Lock()
	r.funcs[nativeKey{module, fn, arity}] = impl
	r.mu.Unlock()
}

// Lookup finds a native implementation.
func (r *NativeRegistry) Lookup(module, fn string, arity int) (NativeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.funcs[nativeKey{module, fn, arity}]
	return impl, ok
}

// RegisterNative binds a native function on this machine.
func (m *Machine) RegisterNative(module, fn string, arity int, impl NativeFunc) {
	m.natives.Register(module, fn, arity, impl)
}

// resolveImport caches the target of an external call. Resolution order:
// loaded guest modules first, then the native registry. Unresolved
// imports return nil and fault as undef at the call site only.
func (m *Machine) resolveImport(imp *ImportInfo) *importState {
	if st := imp.resolved.Load(); st != nil {
		return st
	}
	modName := m.atoms.Name(imp.Module)
	fnName := m.atoms.Name(imp.Name)
	if mod := m.moduleByAtom(imp.Module); mod != nil {
		if fnIdx, ok := mod.Export(imp.Name, imp.Arity); ok {
			st := &importState{mod: mod, fnIdx: fnIdx}
			imp.resolved.Store(st)
			return st
		}
	}
	if impl, ok := m.natives.Lookup(modName, fnName, imp.Arity); ok {
		st := &importState{native: impl}
		imp.resolved.Store(st)
		return st
	}
	// Not cached: a module loaded later may still satisfy it.
	return nil
}
