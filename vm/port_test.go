package vm

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEchoPortRoundTrip(t *testing.T) {
	got := runMod(t, DefaultConfig(), func(b *ModuleBuilder) {
		impOpen := b.Import("port", "open", 1)
		impSend := b.Import("core", "send", 2)

		b.Func("main", 0, 1, true)
		b.Op(OpPushAtom).U16(int(b.Atom("echo")))
		b.Op(OpCallExt).U16(int(impOpen)).U8(1)
		b.Op(OpStoreLocal).U8(0)
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(5)
		b.Op(OpCallExt).U16(int(impSend)).U8(2)
		b.Op(OpPOP)
		receiveAny(b)
		exitTop(b)
	})
	if got.Kind != TermTuple || len(got.Elems) != 2 {
		t.Fatalf("result = %s, want {echo, 5}", got)
	}
	wantAtom(t, got.Elems[0], "echo")
	wantInt(t, got.Elems[1], 5)
}

func TestConsoleDriverWritesLines(t *testing.T) {
	var buf bytes.Buffer
	m := NewMachine(DefaultConfig())
	m.RegisterDriver(&consoleDriver{W: &buf})

	pt, err := m.OpenPort("console")
	if err != nil {
		t.Fatalf("OpenPort: %v", err)
	}
	if err := pt.send(PID(1), TupleTerm(AtomTerm("hello"), IntTerm(1))); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for buf.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := buf.String(); got != "{hello,1}\n" {
		t.Errorf("console output = %q, want %q", got, "{hello,1}\n")
	}
}

func TestOpenPortUnknownDriver(t *testing.T) {
	m := NewMachine(DefaultConfig())
	if _, err := m.OpenPort("no_such_driver"); !errors.Is(err, ErrNoDriver) {
		t.Errorf("err = %v, want ErrNoDriver", err)
	}
}

func TestClosePortRejectsLaterSends(t *testing.T) {
	m := NewMachine(DefaultConfig())
	pt, err := m.OpenPort("echo")
	if err != nil {
		t.Fatalf("OpenPort: %v", err)
	}
	if !m.ClosePort(pt.ID()) {
		t.Fatal("ClosePort returned false for an open port")
	}
	if m.ClosePort(pt.ID()) {
		t.Error("double close should report false")
	}
	if err := pt.send(PID(1), IntTerm(1)); err == nil {
		t.Error("send to a closed port should fail")
	}
}

// slowDriver holds requests until released, to exercise backpressure.
type slowDriver struct {
	release chan struct{}
}

func (d *slowDriver) Name() string { return "slow" }

func (d *slowDriver) Handle(req Term, from PID, reply func(Term)) {
	<-d.release
	reply(AtomTerm("handled"))
}

func TestPortBackpressureParksAndResumes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortQueue = 1
	release := make(chan struct{})

	b := NewModuleBuilder("t")
	impOpen := b.Import("port", "open", 1)
	impSend := b.Import("core", "send", 2)
	b.Func("main", 0, 1, true)
	b.Op(OpPushAtom).U16(int(b.Atom("slow")))
	b.Op(OpCallExt).U16(int(impOpen)).U8(1)
	b.Op(OpStoreLocal).U8(0)
	// Three sends against a depth-1 queue: the later ones must park
	// until the driver drains.
	for i := 0; i < 3; i++ {
		b.Op(OpPushLocal).U8(0)
		b.Op(OpPushInt8).U8(i)
		b.Op(OpCallExt).U16(int(impSend)).U8(2)
		b.Op(OpPOP)
	}
	b.Op(OpPushAtom).U16(int(b.Atom("sent")))
	exitTop(b)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	m := NewMachine(cfg)
	m.RegisterDriver(&slowDriver{release: release})
	if _, err := m.LoadModule(data); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	m.Start()
	defer m.Stop()

	_, done, err := m.Spawn("t", "main", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// The sender must still be parked while the driver is stuck.
	select {
	case r := <-done:
		t.Fatalf("process finished before the port drained: %s", r)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case r := <-done:
		wantAtom(t, r, "sent")
	case <-time.After(5 * time.Second):
		t.Fatal("sender never resumed after port drained")
	}
}
