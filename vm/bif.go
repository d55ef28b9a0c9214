package vm

import (
	"fmt"
	"os"
	"time"
)

// ---------------------------------------------------------------------------
// Core native modules
// ---------------------------------------------------------------------------
//
// These are the built-in functions guest code reaches through external
// calls: process control under "core", console output under "io" and
// port management under "port". They run synchronously on the calling
// process; blocking behavior is expressed through errSleep/errPortFull
// and handled by the interpreter.

func registerCoreNatives(m *Machine) {
	m.RegisterNative("core", "self", 0, bifSelf)
	m.RegisterNative("core", "spawn", 1, bifSpawn)
	m.RegisterNative("core", "spawn_link", 1, bifSpawnLink)
	m.RegisterNative("core", "send", 2, bifSend)
	m.RegisterNative("core", "link", 1, bifLink)
	m.RegisterNative("core", "unlink", 1, bifUnlink)
	m.RegisterNative("core", "monitor", 1, bifMonitor)
	m.RegisterNative("core", "demonitor", 1, bifDemonitor)
	m.RegisterNative("core", "exit", 1, bifExit1)
	m.RegisterNative("core", "exit", 2, bifExit2)
	m.RegisterNative("core", "make_ref", 0, bifMakeRef)
	m.RegisterNative("core", "process_flag", 2, bifProcessFlag)
	m.RegisterNative("core", "register", 2, bifRegister)
	m.RegisterNative("core", "unregister", 1, bifUnregister)
	m.RegisterNative("core", "whereis", 1, bifWhereis)
	m.RegisterNative("core", "put", 2, bifPut)
	m.RegisterNative("core", "get", 1, bifGet)
	m.RegisterNative("core", "erase", 1, bifErase)
	m.RegisterNative("core", "sleep", 1, bifSleep)
	m.RegisterNative("core", "map_get", 2, bifMapGet)
	m.RegisterNative("core", "map_put", 3, bifMapPut)
	m.RegisterNative("io", "print", 1, bifPrint)
	m.RegisterNative("port", "open", 1, bifPortOpen)
	m.RegisterNative("port", "close", 1, bifPortClose)
}

func bifSelf(p *Process, args []Value) (Value, error) {
	return p.Self(), nil
}

func bifSpawn(p *Process, args []Value) (Value, error) {
	return spawnCommon(p, args[0], false)
}

func bifSpawnLink(p *Process, args []Value) (Value, error) {
	return spawnCommon(p, args[0], true)
}

func spawnCommon(p *Process, clos Value, link bool) (Value, error) {
	h := p.heap
	if !clos.IsBoxed() || h.BoxKind(clos) != hdrClosure {
		return Nil, Badarg()
	}
	_, _, arity, _ := h.ClosureInfo(clos)
	if arity != 0 {
		return Nil, Badarg()
	}
	t, err := h.Export(clos)
	if err != nil {
		return Nil, Badarg()
	}
	pid, err := p.mach.spawnClosure(p, t, link)
	if err != nil {
		return Nil, Badarg()
	}
	return FromPid(pid), nil
}

// bifSend dispatches on the destination: a pid delivers directly, a
// registered name resolves through the registry (unregistered names are
// badarg), a port enqueues on the driver. Messages to pids that no
// longer exist are dropped. Returns the message.
func bifSend(p *Process, args []Value) (Value, error) {
	dest, msg := args[0], args[1]
	m := p.mach

	var to PID
	switch {
	case dest.IsPid():
		to = dest.Pid()
	case dest.IsAtom():
		pid, ok := m.whereis(dest.Atom())
		if !ok {
			return Nil, Badarg()
		}
		to = pid
	case dest.IsPort():
		pt := m.port(dest.Port())
		if pt == nil {
			return Nil, Badarg()
		}
		t, err := p.heap.Export(msg)
		if err != nil {
			return Nil, Badarg()
		}
		if err := pt.send(p.id, t); err != nil {
			return Nil, err
		}
		return msg, nil
	default:
		return Nil, Badarg()
	}

	t, err := p.heap.Export(msg)
	if err != nil {
		return Nil, Badarg()
	}
	m.SendTerm(to, t)
	return msg, nil
}

func bifLink(p *Process, args []Value) (Value, error) {
	if !args[0].IsPid() {
		return Nil, Badarg()
	}
	other := args[0].Pid()
	if other == p.id {
		return True, nil
	}
	q := p.mach.proc(other)
	if q == nil {
		return Nil, &GuestFault{Class: RaiseError, Reason: FromAtom(AtomNoproc)}
	}
	p.addLink(other)
	q.addLink(p.id)
	return True, nil
}

func bifUnlink(p *Process, args []Value) (Value, error) {
	if !args[0].IsPid() {
		return Nil, Badarg()
	}
	other := args[0].Pid()
	p.removeLink(other)
	if q := p.mach.proc(other); q != nil {
		q.removeLink(p.id)
	}
	return True, nil
}

// bifMonitor returns a fresh reference. Monitoring a dead process
// succeeds and delivers an immediate {'DOWN', Ref, process, Pid, noproc}
// message.
func bifMonitor(p *Process, args []Value) (Value, error) {
	if !args[0].IsPid() {
		return Nil, Badarg()
	}
	target := args[0].Pid()
	m := p.mach
	tok := m.makeRefToken()
	ref, err := p.heap.Ref(tok)
	if err != nil {
		return Nil, err
	}
	q := m.proc(target)
	if q == nil {
		p.deliver(TupleTerm(
			AtomTerm("DOWN"),
			Term{Kind: TermRef, Int: int64(tok)},
			AtomTerm("process"),
			PidTerm(target),
			AtomTerm("noproc"),
		))
		return ref, nil
	}
	q.addMonitor(tok, p.id)
	p.mu.Lock()
	p.watching[tok] = target
	p.mu.Unlock()
	return ref, nil
}

func bifDemonitor(p *Process, args []Value) (Value, error) {
	h := p.heap
	if !args[0].IsBoxed() || h.BoxKind(args[0]) != hdrRef {
		return Nil, Badarg()
	}
	tok := h.RefToken(args[0])
	p.mu.Lock()
	target, ok := p.watching[tok]
	delete(p.watching, tok)
	p.mu.Unlock()
	if ok {
		if q := p.mach.proc(target); q != nil {
			q.removeMonitor(tok)
		}
	}
	return True, nil
}

func bifExit1(p *Process, args []Value) (Value, error) {
	return Nil, &GuestFault{Class: RaiseExit, Reason: args[0]}
}

func bifExit2(p *Process, args []Value) (Value, error) {
	if !args[0].IsPid() {
		return Nil, Badarg()
	}
	reason, err := p.heap.Export(args[1])
	if err != nil {
		return Nil, Badarg()
	}
	p.mach.sendExitSignal(args[0].Pid(), p.id, reason)
	return True, nil
}

func bifMakeRef(p *Process, args []Value) (Value, error) {
	return p.heap.Ref(p.mach.makeRefToken())
}

// bifProcessFlag supports trap_exit; returns the previous value.
func bifProcessFlag(p *Process, args []Value) (Value, error) {
	if !args[0].IsAtom() || args[0].Atom() != AtomTrapExit {
		return Nil, Badarg()
	}
	if args[1] != True && args[1] != False {
		return Nil, Badarg()
	}
	p.mu.Lock()
	old := p.trapExit
	p.trapExit = args[1] == True
	p.mu.Unlock()
	return FromBool(old), nil
}

func bifRegister(p *Process, args []Value) (Value, error) {
	if !args[0].IsAtom() || !args[1].IsPid() {
		return Nil, Badarg()
	}
	name := args[0].Atom()
	pid := args[1].Pid()
	m := p.mach
	q := m.proc(pid)
	if q == nil {
		return Nil, Badarg()
	}
	if !m.register(name, pid) {
		return Nil, Badarg()
	}
	// Re-check liveness under the target's lock: if it started
	// terminating after the proc lookup, its cleanup pass has already
	// read q.names and the entry would linger in the registry.
	q.mu.Lock()
	dead := q.state == StateExiting || q.state == StateTerminated
	if !dead {
		q.names = append(q.names, name)
	}
	q.mu.Unlock()
	if dead {
		m.unregister(name)
		return Nil, Badarg()
	}
	return True, nil
}

func bifUnregister(p *Process, args []Value) (Value, error) {
	if !args[0].IsAtom() {
		return Nil, Badarg()
	}
	name := args[0].Atom()
	m := p.mach
	pid, ok := m.whereis(name)
	if !ok {
		return Nil, Badarg()
	}
	m.unregister(name)
	if q := m.proc(pid); q != nil {
		q.mu.Lock()
		for i, n := range q.names {
			if n == name {
				q.names = append(q.names[:i], q.names[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
	}
	return True, nil
}

func bifWhereis(p *Process, args []Value) (Value, error) {
	if !args[0].IsAtom() {
		return Nil, Badarg()
	}
	if pid, ok := p.mach.whereis(args[0].Atom()); ok {
		return FromPid(pid), nil
	}
	return FromAtom(AtomUndef), nil
}

func bifPut(p *Process, args []Value) (Value, error) {
	return p.dictPut(args[0], args[1]), nil
}

func bifGet(p *Process, args []Value) (Value, error) {
	return p.dictGet(args[0]), nil
}

func bifErase(p *Process, args []Value) (Value, error) {
	return p.dictErase(args[0]), nil
}

func bifSleep(p *Process, args []Value) (Value, error) {
	if !args[0].IsSmallInt() || args[0].SmallInt() < 0 {
		return Nil, Badarg()
	}
	return Nil, errSleep{d: time.Duration(args[0].SmallInt()) * time.Millisecond}
}

func bifMapGet(p *Process, args []Value) (Value, error) {
	h := p.heap
	mv := args[1]
	if !mv.IsBoxed() || h.BoxKind(mv) != hdrMap {
		return Nil, &GuestFault{Class: RaiseError, Reason: FromAtom(AtomBadmap)}
	}
	if v, ok := h.MapGet(mv, args[0]); ok {
		return v, nil
	}
	return Nil, Badarg()
}

// bifMapPut builds a new map; maps are immutable. Space for the copy is
// reserved while the arguments are still rooted on the caller's stack.
func bifMapPut(p *Process, args []Value) (Value, error) {
	h := p.heap
	key, val, mv := args[0], args[1], args[2]
	if !mv.IsBoxed() || h.BoxKind(mv) != hdrMap {
		return Nil, &GuestFault{Class: RaiseError, Reason: FromAtom(AtomBadmap)}
	}
	size := h.MapSize(mv)
	if err := h.ensure(2*(size+1) + 1); err != nil {
		return Nil, err
	}
	kvs := make([]Value, 0, 2*(size+1))
	for i := 0; i < size; i++ {
		k, v := h.MapPair(mv, i)
		if h.Equal(k, key) {
			continue
		}
		kvs = append(kvs, k, v)
	}
	kvs = append(kvs, key, val)
	return h.Map(kvs)
}

func bifPrint(p *Process, args []Value) (Value, error) {
	t, err := p.heap.Export(args[0])
	if err != nil {
		return Nil, Badarg()
	}
	fmt.Fprintln(os.Stdout, t.String())
	return FromAtom(AtomOk), nil
}

func bifPortOpen(p *Process, args []Value) (Value, error) {
	if !args[0].IsAtom() {
		return Nil, Badarg()
	}
	pt, err := p.mach.OpenPort(p.mach.atoms.Name(args[0].Atom()))
	if err != nil {
		return Nil, Badarg()
	}
	return FromPort(pt.id), nil
}

func bifPortClose(p *Process, args []Value) (Value, error) {
	if !args[0].IsPort() {
		return Nil, Badarg()
	}
	if !p.mach.ClosePort(args[0].Port()) {
		return Nil, Badarg()
	}
	return True, nil
}
