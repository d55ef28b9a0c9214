package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// PID identifies a process. PIDs are allocated monotonically and never
// reused for the lifetime of the runtime, so a pid held by a dead
// process's former peers stays valid for comparisons forever.
type PID uint64

// ProcState is the scheduling state of a process.
type ProcState int32

const (
	StateRunnable ProcState = iota
	StateRunning
	StateWaitReceive
	StateWaitTimer
	StateWaitPort
	StateExiting
	StateTerminated
)

// frame is one saved activation. The whole call stack lives in the PCB,
// never on a Go stack, so a process can be suspended between any two
// instructions and resumed on any worker.
type frame struct {
	mod *Module
	fn  int // function index in mod.Funcs
	ip  int
	bp  int // stack index of local 0
}

// catchFrame marks an installed exception handler.
type catchFrame struct {
	frameIdx int // frame depth when installed
	sp       int // operand stack depth to restore
	ip       int // handler entry
}

// Process is a process control block: identity, heap, continuation,
// mailbox, links/monitors and dictionary.
type Process struct {
	id   PID
	mach *Machine

	// Continuation. Touched only by the worker currently running the
	// process; no locking needed.
	heap    *Heap
	stack   []Value
	sp      int
	frames  []frame
	catches []catchFrame
	dict    []Value // alternating key/value, scanned as roots
	reds    int

	// Fields below are shared with senders and the timer; mu guards them.
	mu       sync.Mutex
	state    ProcState
	mailbox  []Term
	recvSave int // save pointer for selective receive
	links    map[PID]struct{}
	monitors map[uint64]PID // ref token -> watching pid (they watch us)
	watching map[uint64]PID // ref token -> watched pid (we watch them)
	names    []AtomID       // registered names, for cleanup
	trapExit bool
	timerTok uint64
	timedOut bool

	// recvDeadline is the absolute deadline of the receive currently
	// blocked with a timeout. It is fixed when the receive first blocks
	// and survives non-matching traffic; only accepting a message or the
	// timeout itself clears it.
	recvDeadline time.Time

	pendingExit *Term       // staged exit signal, consumed at a checkpoint
	hasSignal   atomic.Bool // cheap per-instruction check

	worker     *worker
	doneCh     chan Term // non-nil for processes spawned from Go
	exitReason Term
}

func (p *Process) push(v Value) {
	if p.sp == len(p.stack) {
		p.stack = append(p.stack, v)
		p.sp++
		return
	}
	p.stack[p.sp] = v
	p.sp++
}

func (p *Process) pop() Value {
	p.sp--
	return p.stack[p.sp]
}

func (p *Process) peek() Value {
	return p.stack[p.sp-1]
}

// Self returns the process's pid as a value.
func (p *Process) Self() Value { return FromPid(p.id) }

// Machine returns the owning machine (for native functions).
func (p *Process) Machine() *Machine { return p.mach }

// Heap returns the process heap (for native functions; references must
// not be retained across the call).
func (p *Process) Heap() *Heap { return p.heap }

// ID returns the process id.
func (p *Process) ID() PID { return p.id }

// ---------------------------------------------------------------------------
// Dictionary
// ---------------------------------------------------------------------------

// dictPut stores key/value in the process dictionary, returning the
// previous value or nil.
func (p *Process) dictPut(key, val Value) Value {
	for i := 0; i+1 < len(p.dict); i += 2 {
		if p.heap.Equal(p.dict[i], key) {
			old := p.dict[i+1]
			p.dict[i+1] = val
			return old
		}
	}
	p.dict = append(p.dict, key, val)
	return Nil
}

func (p *Process) dictGet(key Value) Value {
	for i := 0; i+1 < len(p.dict); i += 2 {
		if p.heap.Equal(p.dict[i], key) {
			return p.dict[i+1]
		}
	}
	return Nil
}

func (p *Process) dictErase(key Value) Value {
	for i := 0; i+1 < len(p.dict); i += 2 {
		if p.heap.Equal(p.dict[i], key) {
			old := p.dict[i+1]
			p.dict = append(p.dict[:i], p.dict[i+2:]...)
			return old
		}
	}
	return Nil
}

// ---------------------------------------------------------------------------
// Links and monitors
// ---------------------------------------------------------------------------
//
// Links and monitors are weak back-references keyed by pid and resolved
// through the process table at signal-delivery time. Neither side owns
// the other; a partner reclaimed first simply stops being resolvable.

func (p *Process) addLink(other PID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[other] = struct{}{}
}

func (p *Process) removeLink(other PID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.links, other)
}

func (p *Process) addMonitor(token uint64, watcher PID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.monitors[token] = watcher
}

func (p *Process) removeMonitor(token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.monitors, token)
}
