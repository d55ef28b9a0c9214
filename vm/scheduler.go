package vm

import "sync"

// ---------------------------------------------------------------------------
// Workers and run queues
// ---------------------------------------------------------------------------
//
// Each worker owns a disjoint FIFO run queue and executes one process at
// a time for at most one reduction budget. A process is pinned to its
// worker at spawn and only ever migrates by being spawned elsewhere; no
// two workers can hold the same process because a process is enqueued
// only by the single transition out of a waiting or yielded state.

type worker struct {
	id   int
	mach *Machine

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Process
	stopped bool
}

func newWorker(id int, m *Machine) *worker {
	w := &worker{id: id, mach: m}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// enqueue appends a runnable process to this worker's queue.
func (w *worker) enqueue(p *Process) {
	w.mu.Lock()
	w.queue = append(w.queue, p)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

// run is the scheduler loop: take the next runnable process, execute one
// slice, and dispatch on how the slice ended.
func (w *worker) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			w.mu.Unlock()
			return
		}
		p := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		p.mu.Lock()
		if p.state != StateRunnable {
			// Terminated by an exit signal between wakeup and execution.
			p.mu.Unlock()
			continue
		}
		p.state = StateRunning
		p.mu.Unlock()

		switch w.mach.execute(p) {
		case sliceYield:
			p.mu.Lock()
			p.state = StateRunnable
			p.mu.Unlock()
			w.enqueue(p)
		case sliceBlocked:
			// The interpreter has already parked the process; from here
			// on it belongs to whoever wakes it.
		case sliceExited:
			// Terminal cleanup already ran.
		}
	}
}

// sliceOutcome says how an execution slice ended.
type sliceOutcome int

const (
	sliceYield   sliceOutcome = iota // reduction budget exhausted
	sliceBlocked                     // parked in a waiting state
	sliceExited                      // terminated (normally or not)
)
