package alljoyn

import (
	"testing"
	"time"
)

func TestMetricsMethodCallIncrements(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "metrics-server", r)
	client := newTestBus(t, "metrics-client", r)

	iface := pingIface(t, server)
	registerEcho(t, server, iface, "/echo", false)

	member := iface.GetMember("Echo")
	reply, err := client.CallMethod(server.UniqueName(), "/echo", member, time.Second, "hi")
	if err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	if reply.Type != MsgMethodReturn {
		t.Fatalf("reply type = %v, want method return", reply.Type)
	}

	cm := client.Metrics()
	if got := cm.MethodCallsSent.Load(); got != 1 {
		t.Errorf("client MethodCallsSent = %d, want 1", got)
	}
	if got := cm.MessagesSent.Load(); got < 1 {
		t.Errorf("client MessagesSent = %d, want >= 1", got)
	}

	sm := server.Metrics()
	waitFor(t, time.Second, func() bool {
		return sm.MethodCallsReceived.Load() == 1
	}, "server never counted the method call")
}

func TestMetricsSnapshot(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "snap-server", r)
	client := newTestBus(t, "snap-client", r)

	iface := pingIface(t, server)
	registerEcho(t, server, iface, "/echo", false)

	member := iface.GetMember("Echo")
	for i := 0; i < 2; i++ {
		if _, err := client.CallMethod(server.UniqueName(), "/echo", member, time.Second, "x"); err != nil {
			t.Fatalf("CallMethod: %v", err)
		}
	}

	snap := client.Metrics().Snapshot()
	if snap["method_calls_sent"] != 2 {
		t.Errorf("method_calls_sent = %d, want 2", snap["method_calls_sent"])
	}
	if _, ok := snap["sessions_active"]; !ok {
		t.Error("sessions_active missing from snapshot")
	}

	// The echo object plus the peer session object registered at Connect.
	if got := server.Metrics().Snapshot()["objects_registered"]; got != 2 {
		t.Errorf("server objects_registered = %d, want 2", got)
	}
}

func TestMetricsUnmatchedReply(t *testing.T) {
	r := NewLocalRouter()
	a := newTestBus(t, "unmatched", r)

	ep := a.endpoint()
	stray := &Message{
		Type:        MsgMethodReturn,
		Destination: a.UniqueName(),
		Sender:      a.UniqueName(),
		ReplySerial: 424242,
	}
	if err := ep.PushMessage(stray); err != nil {
		t.Fatalf("PushMessage: %v", err)
	}

	m := a.Metrics()
	waitFor(t, time.Second, func() bool {
		return m.UnmatchedReplies.Load() == 1
	}, "stray reply was never counted as unmatched")
}
