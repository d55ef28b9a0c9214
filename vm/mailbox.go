package vm

import "time"

// ---------------------------------------------------------------------------
// Mailbox
// ---------------------------------------------------------------------------
//
// The mailbox is an ordered queue of external Terms. A message is
// exported from the sender's heap at send time (the eager half of the
// copy) and imported into the receiver's heap when a receive fetches it
// (the deterministic, receiver-paid half). Because the queue holds no
// heap references, senders never touch the receiver's heap and the
// collector never scans the mailbox.
//
// recvSave is the save pointer for selective receive: it marks how far
// the current receive has scanned. Senders only ever append, so the scan
// position stays valid and messages are never reordered.

// deliver appends a message and wakes the process if it is blocked in a
// receive. Called from any thread.
func (p *Process) deliver(t Term) {
	p.mu.Lock()
	p.mailbox = append(p.mailbox, t)
	wake := p.state == StateWaitReceive
	if wake {
		p.state = StateRunnable
		p.timerTok++ // invalidate any pending receive timeout
	}
	p.mu.Unlock()
	if wake {
		p.worker.enqueue(p)
	}
}

// mailboxPeek returns the message at the save pointer, if any.
// Called only by the owning worker.
func (p *Process) mailboxPeek() (Term, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recvSave < len(p.mailbox) {
		return p.mailbox[p.recvSave], true
	}
	return Term{}, false
}

// mailboxSkip advances the save pointer past a non-matching message.
func (p *Process) mailboxSkip() {
	p.mu.Lock()
	p.recvSave++
	p.mu.Unlock()
}

// mailboxAccept removes the message at the save pointer and rewinds the
// save pointer for the next receive. Messages skipped earlier stay in
// place, in order.
func (p *Process) mailboxAccept() {
	p.mu.Lock()
	if p.recvSave < len(p.mailbox) {
		p.mailbox = append(p.mailbox[:p.recvSave], p.mailbox[p.recvSave+1:]...)
	}
	p.recvSave = 0
	p.recvDeadline = time.Time{}
	p.timerTok++
	p.timedOut = false
	p.mu.Unlock()
}

// mailboxLen returns the queue length (for tests and introspection).
func (p *Process) mailboxLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mailbox)
}
