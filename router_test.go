package alljoyn

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateUniqueName(t *testing.T) {
	r := NewLocalRouter()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		name := r.generateUniqueName()
		if !strings.HasPrefix(name, ":") {
			t.Fatalf("unique name %q must start with a colon", name)
		}
		if !IsLegalBusName(name) {
			t.Fatalf("unique name %q is not a legal bus name", name)
		}
		if seen[name] {
			t.Fatalf("unique name %q minted twice", name)
		}
		seen[name] = true
	}
}

func TestRouterNameResolution(t *testing.T) {
	r := NewLocalRouter()
	a := newTestBus(t, "resolver", r)

	if got := r.uniqueNameOf(a.UniqueName()); got != a.UniqueName() {
		t.Errorf("uniqueNameOf(unique) = %q, want %q", got, a.UniqueName())
	}

	if err := a.RequestName("com.example.resolve"); err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	if got := r.uniqueNameOf("com.example.resolve"); got != a.UniqueName() {
		t.Errorf("uniqueNameOf(wkn) = %q, want %q", got, a.UniqueName())
	}
	if got := r.uniqueNameOf("com.example.nobody"); got != "" {
		t.Errorf("uniqueNameOf(unknown) = %q, want empty", got)
	}
}

// A method call to a destination nobody owns bounces back as a
// ServiceUnknown error instead of hanging until timeout.
func TestRouterBouncesUnknownDestination(t *testing.T) {
	r := NewLocalRouter()
	a := newTestBus(t, "bouncer", r)

	iface := pingIface(t, a)
	start := time.Now()
	_, err := a.CallMethod(":dead0000.1", "/x", iface.GetMember("Echo"), 10*time.Second, "hi")
	busErr, ok := err.(*BusError)
	if !ok {
		t.Fatalf("error = %v, want *BusError", err)
	}
	if busErr.Name != errNameServiceUnknown {
		t.Errorf("error name = %q, want %q", busErr.Name, errNameServiceUnknown)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("bounce took the timeout path instead of returning promptly")
	}
}

// Well-known names resolve for method calls, and release hands the name
// to the next claimant.
func TestCallByWellKnownName(t *testing.T) {
	r := NewLocalRouter()
	server := newTestBus(t, "wkn-server", r)
	client := newTestBus(t, "wkn-client", r)

	iface := pingIface(t, server)
	registerEcho(t, server, iface, "/echo", false)
	if err := server.RequestName("com.example.echo"); err != nil {
		t.Fatalf("RequestName: %v", err)
	}

	reply, err := client.CallMethod("com.example.echo", "/echo", iface.GetMember("Echo"), time.Second, "by-name")
	if err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	args, err := reply.UnmarshalArgs("s")
	if err != nil {
		t.Fatalf("UnmarshalArgs: %v", err)
	}
	if args[0].(string) != "by-name" {
		t.Errorf("reply = %q, want by-name", args[0])
	}
}

type ownerChangeListener struct {
	BusListenerBase
	changes chan [3]string
}

func (l *ownerChangeListener) NameOwnerChanged(name, prev, next string) {
	l.changes <- [3]string{name, prev, next}
}

func TestNameOwnerChangedOnDisconnect(t *testing.T) {
	r := NewLocalRouter()
	watcher := newTestBus(t, "owner-watcher", r)

	l := &ownerChangeListener{changes: make(chan [3]string, 16)}
	watcher.RegisterBusListener(l)
	t.Cleanup(func() { watcher.UnregisterBusListener(l) })

	leaver := NewBusAttachment("owner-leaver", WithRouter(r), WithDispatchWorkers(2), WithDrainTimeout(time.Second))
	if err := leaver.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := leaver.Connect(""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	name := leaver.UniqueName()
	if err := leaver.RequestName("com.example.leaver"); err != nil {
		t.Fatalf("RequestName: %v", err)
	}

	leaver.Stop()
	leaver.Join()

	wkn, unique := false, false
	deadline := time.After(2 * time.Second)
	for !(wkn && unique) {
		select {
		case c := <-l.changes:
			switch {
			case c[0] == "com.example.leaver" && c[2] == "":
				wkn = true
			case c[0] == name && c[1] == name && c[2] == "":
				unique = true
			}
		case <-deadline:
			t.Fatalf("missing owner changes: wkn=%v unique=%v", wkn, unique)
		}
	}
}
