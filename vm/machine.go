package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Machine: the runtime instance
// ---------------------------------------------------------------------------

// Config carries the tunables of a machine. The zero value is usable;
// DefaultConfig documents the defaults.
type Config struct {
	Workers    int // scheduler worker count (N >= 1)
	Reductions int // reduction budget per execution slice
	HeapWords  int // initial per-process heap size, in words
	HeapGrowth int // heap growth factor on exhaustion
	HeapMax    int // per-process heap ceiling in words, 0 = unlimited
	PortQueue  int // pending requests per port before senders block
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		Workers:    1,
		Reductions: 2000,
		HeapWords:  256,
		HeapGrowth: 2,
		HeapMax:    0,
		PortQueue:  64,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.Reductions < 1 {
		c.Reductions = d.Reductions
	}
	if c.HeapWords < 16 {
		c.HeapWords = d.HeapWords
	}
	if c.HeapGrowth < 2 {
		c.HeapGrowth = d.HeapGrowth
	}
	if c.PortQueue < 1 {
		c.PortQueue = d.PortQueue
	}
}

// Machine is a complete runtime instance: global tables, scheduler
// workers, timer service and port table. All global structures take only
// brief mutual exclusion on update; steady-state execution of a process
// touches none of them.
type Machine struct {
	cfg      Config
	instance uuid.UUID
	log      commonlog.Logger

	atoms *AtomTable
	store *BinStore
	lits  *Heap // shared literal arena

	modMu     sync.RWMutex
	modules   []*Module
	modByName map[string]*Module
	modByAtom map[AtomID]*Module

	procMu sync.RWMutex
	procs  map[PID]*Process

	regMu    sync.RWMutex
	registry map[AtomID]PID

	portMu   sync.RWMutex
	ports    map[PortID]*Port
	drivers  map[string]PortDriver
	portNext atomic.Uint64

	natives *NativeRegistry

	workers    []*worker
	nextWorker atomic.Uint64
	timers     *timerService

	pidNext atomic.Uint64
	refNext atomic.Uint64

	started bool
}

// NewMachine creates a machine with the core native modules and the
// console port driver registered.
func NewMachine(cfg Config) *Machine {
	cfg.fillDefaults()
	atoms := NewAtomTable()
	store := NewBinStore()
	m := &Machine{
		cfg:       cfg,
		instance:  uuid.New(),
		log:       commonlog.GetLogger("wren"),
		atoms:     atoms,
		store:     store,
		lits:      newLiteralArena(atoms, store),
		modByName: make(map[string]*Module),
		modByAtom: make(map[AtomID]*Module),
		procs:     make(map[PID]*Process),
		registry:  make(map[AtomID]PID),
		ports:     make(map[PortID]*Port),
		drivers:   make(map[string]PortDriver),
		natives:   NewNativeRegistry(),
	}
	m.timers = newTimerService(m)
	for i := 0; i < cfg.Workers; i++ {
		m.workers = append(m.workers, newWorker(i, m))
	}
	registerCoreNatives(m)
	m.RegisterDriver(&consoleDriver{})
	m.RegisterDriver(&echoDriver{})
	return m
}

// Atoms exposes the global atom table.
func (m *Machine) Atoms() *AtomTable { return m.atoms }

// InstanceID returns the unique id of this runtime instance.
func (m *Machine) InstanceID() uuid.UUID { return m.instance }

// Start launches the scheduler workers and the timer service.
func (m *Machine) Start() {
	if m.started {
		return
	}
	m.started = true
	for _, w := range m.workers {
		go w.run()
	}
	go m.timers.run()
	m.log.Infof("machine %s started: %d workers, %d reduction budget",
		m.instance, len(m.workers), m.cfg.Reductions)
}

// Stop halts the workers and the timer service. Processes parked in
// waiting states are abandoned; Stop is runtime shutdown, not graceful
// process teardown.
func (m *Machine) Stop() {
	if !m.started {
		return
	}
	m.started = false
	for _, w := range m.workers {
		w.stop()
	}
	m.timers.stop()
	m.closePorts()
}

// ---------------------------------------------------------------------------
// Process table and spawning
// ---------------------------------------------------------------------------

func (m *Machine) proc(pid PID) *Process {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	return m.procs[pid]
}

// ProcCount returns the number of live processes.
func (m *Machine) ProcCount() int {
	m.procMu.RLock()
	defer m.procMu.RUnlock()
	return len(m.procs)
}

// newProcess allocates a PCB pinned to the next worker in round-robin
// order. Migration never happens after spawn.
func (m *Machine) newProcess() *Process {
	pid := PID(m.pidNext.Add(1))
	p := &Process{
		id:       pid,
		mach:     m,
		stack:    make([]Value, 0, 64),
		links:    make(map[PID]struct{}),
		monitors: make(map[uint64]PID),
		watching: make(map[uint64]PID),
		state:    StateRunnable,
	}
	p.heap = newHeap(m.cfg.HeapWords, m.atoms, m.store, m.lits)
	p.heap.proc = p
	p.heap.growthFactor = m.cfg.HeapGrowth
	p.heap.maxWords = m.cfg.HeapMax
	p.worker = m.workers[int(m.nextWorker.Add(1))%len(m.workers)]

	m.procMu.Lock()
	m.procs[pid] = p
	m.procMu.Unlock()
	return p
}

// initCall sets up the initial activation of a process.
func (p *Process) initCall(mod *Module, fnIdx int, args []Value) {
	fi := mod.Funcs[fnIdx]
	for _, a := range args {
		p.push(a)
	}
	for i := fi.Arity; i < fi.NLocals; i++ {
		p.push(Nil)
	}
	p.frames = append(p.frames, frame{mod: mod, fn: fnIdx, ip: fi.Entry, bp: 0})
	p.reds = p.mach.cfg.Reductions
}

// Spawn creates a process running an exported function and returns its
// pid and a channel that yields the exit reason.
func (m *Machine) Spawn(modName, fnName string, args []Term) (PID, <-chan Term, error) {
	mod, ok := m.ModuleByName(modName)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrNoModule, modName)
	}
	fnAtom := m.atoms.Intern(fnName)
	fnIdx, ok := mod.Export(fnAtom, len(args))
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s:%s/%d", ErrNoFunction, modName, fnName, len(args))
	}

	p := m.newProcess()
	p.doneCh = make(chan Term, 1)
	vals := make([]Value, 0, len(args))
	for _, t := range args {
		v, err := p.heap.Import(t)
		if err != nil {
			return 0, nil, err
		}
		p.heap.pushRoot(v)
		vals = append(vals, v)
	}
	// Re-read staged roots: importing a later argument may have collected.
	base := len(p.heap.tmpRoots) - len(vals)
	copy(vals, p.heap.tmpRoots[base:])
	p.heap.popRoots(base)
	p.initCall(mod, fnIdx, vals)
	p.worker.enqueue(p)
	return p.id, p.doneCh, nil
}

// spawnClosure creates a process that applies an exported closure term
// to zero arguments, optionally linked to the parent.
func (m *Machine) spawnClosure(parent *Process, clos Term, link bool) (PID, error) {
	mod := m.moduleByID(int(uint64(clos.Int) >> 32))
	if mod == nil {
		return 0, ErrNoModule
	}
	p := m.newProcess()
	v, err := p.heap.Import(clos)
	if err != nil {
		return 0, err
	}
	fnIdx := int(uint32(uint64(clos.Int)))
	fi := mod.Funcs[fnIdx]
	_, _, _, ncaps := p.heap.ClosureInfo(v)

	// Locals: the closure's captures arrive as trailing locals after the
	// (empty) argument list, mirroring OpCallFun's calling convention.
	caps := make([]Value, ncaps)
	for i := 0; i < ncaps; i++ {
		caps[i] = p.heap.ClosureCapture(v, i)
	}
	for _, c := range caps {
		p.push(c)
	}
	for i := fi.Arity + ncaps; i < fi.NLocals; i++ {
		p.push(Nil)
	}
	p.frames = append(p.frames, frame{mod: mod, fn: fnIdx, ip: fi.Entry, bp: 0})
	p.reds = m.cfg.Reductions

	if link {
		parent.addLink(p.id)
		p.addLink(parent.id)
	}
	p.worker.enqueue(p)
	return p.id, nil
}

// ---------------------------------------------------------------------------
// Name registry
// ---------------------------------------------------------------------------

func (m *Machine) register(name AtomID, pid PID) bool {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if _, taken := m.registry[name]; taken {
		return false
	}
	m.registry[name] = pid
	return true
}

func (m *Machine) unregister(name AtomID) {
	m.regMu.Lock()
	delete(m.registry, name)
	m.regMu.Unlock()
}

func (m *Machine) whereis(name AtomID) (PID, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	pid, ok := m.registry[name]
	return pid, ok
}

// ---------------------------------------------------------------------------
// Message and signal delivery
// ---------------------------------------------------------------------------

// SendTerm delivers a message to a pid from outside the runtime (tests,
// embedders, port drivers).
func (m *Machine) SendTerm(to PID, t Term) bool {
	p := m.proc(to)
	if p == nil {
		return false
	}
	p.deliver(t)
	return true
}

// sendExitSignal delivers an exit signal. Trapping receivers get it as a
// {'EXIT', From, Reason} message; kill is untrappable and becomes the
// killed reason; normal signals to non-trapping processes are dropped.
func (m *Machine) sendExitSignal(to PID, from PID, reason Term) {
	p := m.proc(to)
	if p == nil {
		return
	}
	kill := reason.Kind == TermAtom && reason.Atom == "kill"

	p.mu.Lock()
	if p.state == StateExiting || p.state == StateTerminated {
		p.mu.Unlock()
		return
	}
	if p.trapExit && !kill {
		p.mu.Unlock()
		p.deliver(TupleTerm(AtomTerm("EXIT"), PidTerm(from), reason))
		return
	}
	if reason.Kind == TermAtom && reason.Atom == "normal" {
		p.mu.Unlock()
		return
	}
	r := reason
	if kill {
		r = AtomTerm("killed")
	}
	p.pendingExit = &r
	p.hasSignal.Store(true)
	wake := p.state == StateWaitReceive || p.state == StateWaitTimer || p.state == StateWaitPort
	if wake {
		p.state = StateRunnable
		p.timerTok++
	}
	p.mu.Unlock()
	if wake {
		p.worker.enqueue(p)
	}
}

// terminate runs terminal cleanup for a process on its own worker:
// deliver exit signals to links, notify monitors, release resources and
// retire the pid.
func (m *Machine) terminate(p *Process, reason Term) {
	p.mu.Lock()
	p.state = StateExiting
	links := make([]PID, 0, len(p.links))
	for l := range p.links {
		links = append(links, l)
	}
	monitors := make(map[uint64]PID, len(p.monitors))
	for tok, w := range p.monitors {
		monitors[tok] = w
	}
	watching := make(map[uint64]PID, len(p.watching))
	for tok, t := range p.watching {
		watching[tok] = t
	}
	names := p.names
	p.names = nil
	p.mu.Unlock()

	for _, name := range names {
		m.unregister(name)
	}
	for _, l := range links {
		if q := m.proc(l); q != nil {
			q.removeLink(p.id)
			m.sendExitSignal(l, p.id, reason)
		}
	}
	for tok, watcher := range monitors {
		if q := m.proc(watcher); q != nil {
			q.mu.Lock()
			delete(q.watching, tok)
			q.mu.Unlock()
			q.deliver(TupleTerm(
				AtomTerm("DOWN"),
				Term{Kind: TermRef, Int: int64(tok)},
				AtomTerm("process"),
				PidTerm(p.id),
				reason,
			))
		}
	}
	for tok, target := range watching {
		if q := m.proc(target); q != nil {
			q.removeMonitor(tok)
		}
	}

	p.heap.releaseAll()

	m.procMu.Lock()
	delete(m.procs, p.id)
	m.procMu.Unlock()

	p.mu.Lock()
	p.state = StateTerminated
	p.exitReason = reason
	p.mu.Unlock()

	if reason.Kind != TermAtom || (reason.Atom != "normal" && reason.Atom != "killed") {
		m.log.Errorf("process %d on machine %s terminated: %s", p.id, m.instance, reason)
	}
	if p.doneCh != nil {
		p.doneCh <- reason
	}
}

// makeRefToken returns a fresh unique reference token.
func (m *Machine) makeRefToken() uint64 {
	return m.refNext.Add(1)
}
