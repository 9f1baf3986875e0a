package alljoyn

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMethodCallMissDiagnosis(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "miss-server", r)
	client := newTestBus(t, "miss-client", r)

	iface := pingIface(t, server)
	registerEcho(t, server, iface, "/echo", false)

	other, err := client.CreateInterface("test.Other", SecurityOff)
	if err != nil {
		t.Fatalf("CreateInterface: %v", err)
	}
	other.AddMethod("Poke", "", "")
	other.Activate()

	cases := []struct {
		name     string
		path     string
		member   *Member
		wantName string
	}{
		{"no such object", "/nowhere", iface.GetMember("Echo"), errNameServiceUnknown},
		{"no such interface", "/echo", other.GetMember("Poke"), errNamePrefix + "NoSuchInterface"},
	}
	for _, tc := range cases {
		_, err := client.CallMethod(server.UniqueName(), tc.path, tc.member, time.Second)
		busErr, ok := err.(*BusError)
		if !ok {
			t.Fatalf("%s: error = %v, want *BusError", tc.name, err)
		}
		if busErr.Name != tc.wantName {
			t.Errorf("%s: error name = %q, want %q", tc.name, busErr.Name, tc.wantName)
		}
	}
}

func TestPeerInterfaceFastPath(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "peer-server", r)
	client := newTestBus(t, "peer-client", r)

	peer := client.GetInterface("org.freedesktop.DBus.Peer")
	if peer == nil {
		t.Fatal("standard peer interface missing")
	}

	// No object is registered; the endpoint answers these itself.
	if _, err := client.CallMethod(server.UniqueName(), "/", peer.GetMember("Ping"), time.Second); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	reply, err := client.CallMethod(server.UniqueName(), "/", peer.GetMember("GetMachineId"), time.Second)
	if err != nil {
		t.Fatalf("GetMachineId: %v", err)
	}
	args, err := reply.UnmarshalArgs("s")
	if err != nil {
		t.Fatalf("UnmarshalArgs: %v", err)
	}
	if args[0].(string) == "" {
		t.Error("GetMachineId returned an empty machine id")
	}
}

type recordingViolationHandler struct {
	count atomic.Int32
}

func (h *recordingViolationHandler) SecurityViolation(error, *Message) {
	h.count.Add(1)
}

func TestSecureObjectRejectsClearCall(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "secure-server", r)
	client := newTestBus(t, "secure-client", r)

	violations := &recordingViolationHandler{}
	server.SetSecurityViolationHandler(violations)

	iface := pingIface(t, server)
	registerEcho(t, server, iface, "/vault", true)

	_, err := client.CallMethod(server.UniqueName(), "/vault", iface.GetMember("Echo"), time.Second, "hi")
	busErr, ok := err.(*BusError)
	if !ok {
		t.Fatalf("clear call error = %v, want *BusError", err)
	}
	if busErr.Name != errNameSecurityViolation {
		t.Errorf("error name = %q, want %q", busErr.Name, errNameSecurityViolation)
	}
	waitFor(t, time.Second, func() bool { return violations.count.Load() == 1 },
		"violation handler never fired")
	if got := server.Metrics().SecurityViolations.Load(); got != 1 {
		t.Errorf("SecurityViolations = %d, want 1", got)
	}

	// The same call flagged encrypted goes through.
	done := make(chan *Message, 1)
	_, err = client.CallMethodAsync(newCallReceiver(), server.UniqueName(), "/vault", iface.GetMember("Echo"),
		time.Second, FlagEncrypted,
		func(reply *Message, _ any) { done <- reply }, nil, "hi")
	if err != nil {
		t.Fatalf("CallMethodAsync: %v", err)
	}
	select {
	case reply := <-done:
		if reply.Type != MsgMethodReturn {
			t.Fatalf("encrypted call failed: %s %s", reply.ErrorName, reply.ErrorDescription)
		}
	case <-time.After(time.Second):
		t.Fatal("encrypted call never completed")
	}
}

func TestUnregisterObjectFromOwnHandler(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "deadlock-server", r)
	client := newTestBus(t, "deadlock-client", r)

	iface := pingIface(t, server)
	result := make(chan error, 1)
	obj, _ := NewBusObject("/self", false)
	obj.AddInterface(iface, map[string]MethodHandler{
		"Echo": func(ctx *MethodContext) {
			result <- server.UnregisterBusObject("/self")
			ctx.Reply("done")
		},
	})
	if err := server.RegisterBusObject(obj); err != nil {
		t.Fatalf("RegisterBusObject: %v", err)
	}

	if _, err := client.CallMethod(server.UniqueName(), "/self", iface.GetMember("Echo"), time.Second, "x"); err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	if err := <-result; !errors.Is(err, ErrDeadlock) {
		t.Fatalf("self-unregister error = %v, want ErrDeadlock", err)
	}

	// From outside a handler the unregister succeeds.
	if err := server.UnregisterBusObject("/self"); err != nil {
		t.Fatalf("UnregisterBusObject: %v", err)
	}
}

func TestRegistrationCallbacksDeferred(t *testing.T) {
	r := NewLocalRouter()
	a := newTestBus(t, "callbacks", r)

	iface := pingIface(t, a)
	registered := make(chan struct{})
	unregistered := make(chan struct{})
	obj, _ := NewBusObject("/cb", false)
	obj.OnRegistered = func() { close(registered) }
	obj.OnUnregistered = func() { close(unregistered) }
	obj.AddInterface(iface, map[string]MethodHandler{
		"Echo": func(ctx *MethodContext) { ctx.Reply("") },
	})

	if err := a.RegisterBusObject(obj); err != nil {
		t.Fatalf("RegisterBusObject: %v", err)
	}
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("OnRegistered never ran")
	}

	if err := a.UnregisterBusObject("/cb"); err != nil {
		t.Fatalf("UnregisterBusObject: %v", err)
	}
	select {
	case <-unregistered:
	case <-time.After(time.Second):
		t.Fatal("OnUnregistered never ran")
	}
}

// A reply whose signature disagrees with the member's declared return
// signature is replaced by a synthesized error before the handler sees it.
func TestReplySignatureMismatchSynthesizesError(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "sig-server", r)
	client := newTestBus(t, "sig-client", r)

	iface := pingIface(t, server)
	registerSilent(t, server, iface, "/slow")

	got := make(chan *Message, 1)
	serial, err := client.CallMethodAsync(newCallReceiver(), server.UniqueName(), "/slow", iface.GetMember("Echo"),
		time.Minute, 0,
		func(reply *Message, _ any) { got <- reply }, nil, "x")
	if err != nil {
		t.Fatalf("CallMethodAsync: %v", err)
	}

	// Echo declares return signature "s"; hand the endpoint a raw "u" reply.
	ep := client.endpoint()
	if err := ep.PushMessage(&Message{Type: MsgMethodReturn, ReplySerial: serial, Signature: "u"}); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	select {
	case reply := <-got:
		if reply.Type != MsgError {
			t.Fatalf("reply type = %s, want %s", reply.Type, MsgError)
		}
		if reply.ErrorName != errNamePrefix+"Failed" {
			t.Errorf("error name = %q, want %q", reply.ErrorName, errNamePrefix+"Failed")
		}
	case <-time.After(time.Second):
		t.Fatal("mismatched reply never surfaced")
	}
}

// UpdateSerialNumber moves the pending reply context to the fresh serial,
// so a reply to the stale serial is unmatched and a reply to the new one
// still lands.
func TestUpdateSerialNumberRekeysReply(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "rekey-server", r)
	client := newTestBus(t, "rekey-client", r)

	iface := pingIface(t, server)
	registerSilent(t, server, iface, "/slow")

	got := make(chan *Message, 1)
	serial, err := client.CallMethodAsync(newCallReceiver(), server.UniqueName(), "/slow", iface.GetMember("Echo"),
		time.Minute, 0,
		func(reply *Message, _ any) { got <- reply }, nil, "x")
	if err != nil {
		t.Fatalf("CallMethodAsync: %v", err)
	}

	ep := client.endpoint()
	queued := &Message{Type: MsgMethodCall, Serial: serial}
	ep.UpdateSerialNumber(queued)
	if queued.Serial == serial {
		t.Fatal("serial was not re-stamped")
	}

	if err := ep.PushMessage(&Message{Type: MsgMethodReturn, ReplySerial: serial, Signature: "s"}); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	m := client.Metrics()
	waitFor(t, time.Second, func() bool { return m.UnmatchedReplies.Load() == 1 },
		"stale serial still matched the call")

	if err := ep.PushMessage(&Message{Type: MsgMethodReturn, ReplySerial: queued.Serial, Signature: "s"}); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}
	select {
	case reply := <-got:
		if reply.Type != MsgMethodReturn {
			t.Fatalf("reply type = %s, want %s", reply.Type, MsgMethodReturn)
		}
	case <-time.After(time.Second):
		t.Fatal("rekeyed reply never arrived")
	}
}

// Disconnect drains the endpoint: outstanding calls fail with the exiting
// error instead of leaking.
func TestDisconnectFailsOutstandingCalls(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "exit-server", r)

	client := NewBusAttachment("exit-client", WithRouter(r), WithDispatchWorkers(2), WithDrainTimeout(time.Second))
	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := client.Connect(""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() {
		client.Stop()
		client.Join()
	}()

	iface := pingIface(t, server)
	registerSilent(t, server, iface, "/slow")

	got := make(chan *Message, 1)
	_, err := client.CallMethodAsync(newCallReceiver(), server.UniqueName(), "/slow", iface.GetMember("Echo"),
		time.Minute, 0,
		func(reply *Message, _ any) { got <- reply }, nil, "x")
	if err != nil {
		t.Fatalf("CallMethodAsync: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case reply := <-got:
		if reply.Type != MsgError || reply.ErrorName != errNameExiting {
			t.Fatalf("reply = %s %s, want %s", reply.Type, reply.ErrorName, errNameExiting)
		}
	case <-time.After(time.Second):
		t.Fatal("outstanding call never failed on disconnect")
	}
}
