package alljoyn

import (
	"testing"
	"time"
)

// newTestBus starts and connects an attachment on the given router and
// tears it down with the test.
func newTestBus(t *testing.T, name string, r *LocalRouter) *BusAttachment {
	t.Helper()
	a := NewBusAttachment(name, WithRouter(r), WithDispatchWorkers(2), WithDrainTimeout(time.Second))
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Connect(""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		a.Stop()
		a.Join()
	})
	return a
}

// pingIface defines a trivial test interface on a bus and returns it
// activated.
func pingIface(t *testing.T, a *BusAttachment) *InterfaceDescription {
	t.Helper()
	iface, err := a.CreateInterface("test.Ping", SecurityOff)
	if err != nil {
		t.Fatalf("CreateInterface: %v", err)
	}
	if err := iface.AddMethod("Echo", "s", "s"); err != nil {
		t.Fatalf("AddMethod: %v", err)
	}
	if err := iface.AddSignal("Echoed", "s"); err != nil {
		t.Fatalf("AddSignal: %v", err)
	}
	iface.Activate()
	return iface
}

// registerEcho registers an object at path whose Echo method replies with
// its argument.
func registerEcho(t *testing.T, a *BusAttachment, iface *InterfaceDescription, path string, secure bool) *BusObject {
	t.Helper()
	obj, err := NewBusObject(path, secure)
	if err != nil {
		t.Fatalf("NewBusObject: %v", err)
	}
	err = obj.AddInterface(iface, map[string]MethodHandler{
		"Echo": func(ctx *MethodContext) {
			args, err := ctx.Args()
			if err != nil {
				ctx.ReplyError("test.Error", err.Error())
				return
			}
			ctx.Reply(args[0].(string))
		},
	})
	if err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if err := a.RegisterBusObject(obj); err != nil {
		t.Fatalf("RegisterBusObject: %v", err)
	}
	return obj
}

// acceptAllPort is a SessionPortListener that accepts every joiner and
// records joins.
type acceptAllPort struct {
	accept bool
	joined chan string
}

func newAcceptAllPort(accept bool) *acceptAllPort {
	return &acceptAllPort{accept: accept, joined: make(chan string, 8)}
}

func (p *acceptAllPort) AcceptSessionJoiner(SessionPort, string, SessionOpts) bool {
	return p.accept
}

func (p *acceptAllPort) SessionJoined(_ SessionPort, _ SessionID, joiner string) {
	p.joined <- joiner
}

// recordingSessionListener records session callbacks on channels.
type recordingSessionListener struct {
	lost    chan SessionLostReason
	added   chan string
	removed chan string
}

func newRecordingSessionListener() *recordingSessionListener {
	return &recordingSessionListener{
		lost:    make(chan SessionLostReason, 8),
		added:   make(chan string, 8),
		removed: make(chan string, 8),
	}
}

func (l *recordingSessionListener) SessionLost(_ SessionID, reason SessionLostReason) {
	l.lost <- reason
}

func (l *recordingSessionListener) SessionMemberAdded(_ SessionID, name string) {
	l.added <- name
}

func (l *recordingSessionListener) SessionMemberRemoved(_ SessionID, name string) {
	l.removed <- name
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
