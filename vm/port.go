package vm

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// ---------------------------------------------------------------------------
// Ports: the boundary to the outside world
// ---------------------------------------------------------------------------
//
// A port pairs a bounded request queue with a driver goroutine. Guest
// processes talk to a port only by sending terms to its port value;
// replies come back as ordinary messages. Payloads cross the boundary as
// external Terms, so a driver never sees a process heap.

// PortID identifies an open port.
type PortID uint64

// PortDriver handles requests sent to ports opened against it. Handle
// runs on the port's own goroutine, one request at a time; reply
// delivers a message back to the sending process.
type PortDriver interface {
	Name() string
	Handle(req Term, from PID, reply func(Term))
}

type portRequest struct {
	from    PID
	payload Term
}

// Port is one open port instance.
type Port struct {
	id     PortID
	mach   *Machine
	driver PortDriver

	mu      sync.Mutex
	queue   chan portRequest
	waiters []*Process
	closed  bool
}

// ID returns the port's identifier.
func (pt *Port) ID() PortID { return pt.id }

// send enqueues a request without blocking. A saturated queue yields
// errPortFull so the interpreter can park the sender.
func (pt *Port) send(from PID, payload Term) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.closed {
		return Badarg()
	}
	select {
	case pt.queue <- portRequest{from: from, payload: payload}:
		return nil
	default:
		return errPortFull{port: pt}
	}
}

// addWaiter parks a process until the queue drains. The queue is
// re-checked under the port lock: a drain between the failed send and
// this call must not strand the sender.
func (pt *Port) addWaiter(p *Process) {
	pt.mu.Lock()
	if pt.closed || len(pt.queue) < cap(pt.queue) {
		pt.mu.Unlock()
		p.mu.Lock()
		p.state = StateRunnable
		p.mu.Unlock()
		p.worker.enqueue(p)
		return
	}
	pt.waiters = append(pt.waiters, p)
	pt.mu.Unlock()
}

// wakeWaiters requeues every parked sender for a retry.
func (pt *Port) wakeWaiters() {
	pt.mu.Lock()
	ws := pt.waiters
	pt.waiters = nil
	pt.mu.Unlock()
	for _, p := range ws {
		p.mu.Lock()
		if p.state != StateWaitPort {
			p.mu.Unlock()
			continue
		}
		p.state = StateRunnable
		p.mu.Unlock()
		p.worker.enqueue(p)
	}
}

// run is the driver loop. It exits when the port closes.
func (pt *Port) run() {
	for req := range pt.queue {
		from := req.from
		pt.driver.Handle(req.payload, from, func(t Term) {
			pt.mach.SendTerm(from, t)
		})
		pt.wakeWaiters()
	}
	pt.wakeWaiters()
}

// ---------------------------------------------------------------------------
// Machine port table
// ---------------------------------------------------------------------------

// RegisterDriver makes a driver available to port:open.
func (m *Machine) RegisterDriver(d PortDriver) {
	m.portMu.Lock()
	m.drivers[d.Name()] = d
	m.portMu.Unlock()
}

// OpenPort opens a port against a registered driver and starts its
// goroutine.
func (m *Machine) OpenPort(driverName string) (*Port, error) {
	m.portMu.Lock()
	defer m.portMu.Unlock()
	d, ok := m.drivers[driverName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDriver, driverName)
	}
	pt := &Port{
		id:     PortID(m.portNext.Add(1)),
		mach:   m,
		driver: d,
		queue:  make(chan portRequest, m.cfg.PortQueue),
	}
	m.ports[pt.id] = pt
	go pt.run()
	return pt, nil
}

func (m *Machine) port(id PortID) *Port {
	m.portMu.RLock()
	defer m.portMu.RUnlock()
	return m.ports[id]
}

// ClosePort closes a port. Pending requests already queued are still
// handled; later sends fault with badarg.
func (m *Machine) ClosePort(id PortID) bool {
	m.portMu.Lock()
	pt, ok := m.ports[id]
	if ok {
		delete(m.ports, id)
	}
	m.portMu.Unlock()
	if !ok {
		return false
	}
	pt.mu.Lock()
	if !pt.closed {
		pt.closed = true
		close(pt.queue)
	}
	pt.mu.Unlock()
	return true
}

func (m *Machine) closePorts() {
	m.portMu.Lock()
	ports := make([]*Port, 0, len(m.ports))
	for _, pt := range m.ports {
		ports = append(ports, pt)
	}
	m.ports = make(map[PortID]*Port)
	m.portMu.Unlock()
	for _, pt := range ports {
		pt.mu.Lock()
		if !pt.closed {
			pt.closed = true
			close(pt.queue)
		}
		pt.mu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Built-in drivers
// ---------------------------------------------------------------------------

// consoleDriver writes each request as a formatted line. Output goes to
// stdout unless redirected for tests.
type consoleDriver struct {
	W io.Writer
}

func (d *consoleDriver) Name() string { return "console" }

func (d *consoleDriver) Handle(req Term, from PID, reply func(Term)) {
	w := d.W
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, req.String())
}

// echoDriver replies {echo, Req} to the sender. It exists to exercise
// the request/reply path.
type echoDriver struct{}

func (d *echoDriver) Name() string { return "echo" }

func (d *echoDriver) Handle(req Term, from PID, reply func(Term)) {
	reply(TupleTerm(AtomTerm("echo"), req))
}
