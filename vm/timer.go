package vm

import (
	"container/heap"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Timer service
// ---------------------------------------------------------------------------
//
// One goroutine services all process timers from a min-heap. A timer is
// identified by (pid, token); the token is bumped whenever the wait it
// belongs to is satisfied another way, so a stale expiry is ignored.

type timerEntry struct {
	at  time.Time
	pid PID
	tok uint64
}

type timerQueue []timerEntry

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].at.Before(q[j].at) }
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x interface{}) { *q = append(*q, x.(timerEntry)) }
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

type timerService struct {
	mach *Machine

	mu    sync.Mutex
	queue timerQueue

	wake   chan struct{}
	stopCh chan struct{}
}

func newTimerService(m *Machine) *timerService {
	return &timerService{
		mach:   m,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// schedule arms a timer for (pid, tok) after d.
func (ts *timerService) schedule(pid PID, tok uint64, d time.Duration) {
	ts.mu.Lock()
	heap.Push(&ts.queue, timerEntry{at: time.Now().Add(d), pid: pid, tok: tok})
	ts.mu.Unlock()
	select {
	case ts.wake <- struct{}{}:
	default:
	}
}

func (ts *timerService) stop() {
	close(ts.stopCh)
}

// run services the heap until stopped.
func (ts *timerService) run() {
	for {
		ts.mu.Lock()
		sleep := time.Hour
		if len(ts.queue) > 0 {
			sleep = time.Until(ts.queue[0].at)
			if sleep <= 0 {
				e := heap.Pop(&ts.queue).(timerEntry)
				ts.mu.Unlock()
				ts.mach.timerFire(e.pid, e.tok)
				continue
			}
		}
		ts.mu.Unlock()

		t := time.NewTimer(sleep)
		select {
		case <-ts.wake:
			t.Stop()
		case <-t.C:
		case <-ts.stopCh:
			t.Stop()
			return
		}
	}
}

// timerFire wakes a process whose receive/sleep timed out, if the wait is
// still the one the timer belongs to.
func (m *Machine) timerFire(pid PID, tok uint64) {
	p := m.proc(pid)
	if p == nil {
		return
	}
	p.mu.Lock()
	fire := p.timerTok == tok &&
		(p.state == StateWaitReceive || p.state == StateWaitTimer)
	if fire {
		// Only a receive timeout is observed by the interpreter; a sleep
		// just resumes.
		if p.state == StateWaitReceive {
			p.timedOut = true
		}
		p.state = StateRunnable
	}
	p.mu.Unlock()
	if fire {
		p.worker.enqueue(p)
	}
}
