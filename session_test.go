package alljoyn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHostJoinCallLeave(t *testing.T) {
	r := NewLocalRouter()
	host := newTestBus(t, "p2p-host", r)
	joiner := newTestBus(t, "p2p-joiner", r)

	iface := pingIface(t, host)
	registerEcho(t, host, iface, "/svc", false)

	port := newAcceptAllPort(true)
	bound, err := host.BindSessionPort(7, SessionOpts{}, port)
	require.NoError(t, err)
	require.EqualValues(t, 7, bound)

	joinerListener := newRecordingSessionListener()
	id, opts, err := joiner.JoinSession(host.UniqueName(), 7, joinerListener)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.False(t, opts.Multipoint)

	select {
	case who := <-port.joined:
		require.Equal(t, joiner.UniqueName(), who)
	case <-time.After(time.Second):
		t.Fatal("host never saw the join")
	}

	hostListener := newRecordingSessionListener()
	require.NoError(t, host.SetHostedSessionListener(id, hostListener))

	// Traffic flows over the established session.
	reply, err := joiner.CallMethod(host.UniqueName(), "/svc", iface.GetMember("Echo"), time.Second, "over-session")
	require.NoError(t, err)
	args, err := reply.UnmarshalArgs("s")
	require.NoError(t, err)
	require.Equal(t, "over-session", args[0])

	// The joiner leaving ends a point-to-point session; only the host gets
	// the lost callback.
	require.NoError(t, joiner.LeaveSession(id))
	select {
	case reason := <-hostListener.lost:
		require.Equal(t, SessionLostRemoteEndLeft, reason)
	case <-time.After(time.Second):
		t.Fatal("host never got SessionLost")
	}
	select {
	case <-joinerListener.lost:
		t.Fatal("leaver must not get its own lost callback")
	default:
	}

	require.ErrorIs(t, joiner.LeaveSession(id), ErrNoSession)
}

func TestJoinRejectedAndNoSession(t *testing.T) {
	r := NewLocalRouter()
	host := newTestBus(t, "reject-host", r)
	joiner := newTestBus(t, "reject-joiner", r)

	_, err := host.BindSessionPort(9, SessionOpts{}, newAcceptAllPort(false))
	require.NoError(t, err)

	_, _, err = joiner.JoinSession(host.UniqueName(), 9, nil)
	require.ErrorIs(t, err, ErrJoinRejected)

	_, _, err = joiner.JoinSession(host.UniqueName(), 1000, nil)
	require.ErrorIs(t, err, ErrNoSession)

	_, _, err = joiner.JoinSession("com.example.ghost", 9, nil)
	require.ErrorIs(t, err, ErrNoSession)

	_, _, err = joiner.JoinSession("not a bus name", 9, nil)
	require.ErrorIs(t, err, ErrBadBusName)
}

func TestBindSessionPortConflicts(t *testing.T) {
	r := NewLocalRouter()
	a := newTestBus(t, "bind-a", r)
	b := newTestBus(t, "bind-b", r)

	_, err := a.BindSessionPort(5, SessionOpts{}, newAcceptAllPort(true))
	require.NoError(t, err)

	_, err = a.BindSessionPort(5, SessionOpts{}, newAcceptAllPort(true))
	require.ErrorIs(t, err, ErrSessionPortInUse)

	// Ports are per host; another attachment can use the same number.
	_, err = b.BindSessionPort(5, SessionOpts{}, newAcceptAllPort(true))
	require.NoError(t, err)

	picked, err := a.BindSessionPort(SessionPortAny, SessionOpts{}, newAcceptAllPort(true))
	require.NoError(t, err)
	require.NotZero(t, picked)

	require.NoError(t, a.UnbindSessionPort(5))
	require.ErrorIs(t, a.UnbindSessionPort(5), ErrNoSession)

	_, err = a.BindSessionPort(5, SessionOpts{}, newAcceptAllPort(true))
	require.NoError(t, err)
}

func TestSelfJoin(t *testing.T) {
	r := NewLocalRouter()
	a := newTestBus(t, "self-join", r)

	port := newAcceptAllPort(true)
	_, err := a.BindSessionPort(11, SessionOpts{}, port)
	require.NoError(t, err)

	joinerListener := newRecordingSessionListener()
	id, _, err := a.JoinSession(a.UniqueName(), 11, joinerListener)
	require.NoError(t, err)

	// Hosting and joining the same session leaves the attachment on both
	// sides, so side-agnostic operations are ambiguous.
	waitFor(t, time.Second, func() bool { return a.sessions.isSelfJoin(id) },
		"host side never recorded")
	require.ErrorIs(t, a.SetSessionListener(id, joinerListener), ErrAmbiguousSide)
	require.ErrorIs(t, a.LeaveSession(id), ErrAmbiguousSide)

	hostListener := newRecordingSessionListener()
	require.NoError(t, a.SetHostedSessionListener(id, hostListener))

	// Leaving the joiner side ends the point-to-point session; the hosting
	// side hears about it like any other remote departure.
	require.NoError(t, a.LeaveJoinedSession(id))
	select {
	case reason := <-hostListener.lost:
		require.Equal(t, SessionLostRemoteEndLeft, reason)
	case <-time.After(time.Second):
		t.Fatal("host side never got SessionLost")
	}
	waitFor(t, time.Second, func() bool { return a.sessions.sides(id) == 0 },
		"session never fully went away")
	require.ErrorIs(t, a.LeaveHostedSession(id), ErrNoSession)
}

func TestMultipointMembership(t *testing.T) {
	r := NewLocalRouter()
	host := newTestBus(t, "mp-host", r)
	first := newTestBus(t, "mp-first", r)
	second := newTestBus(t, "mp-second", r)

	port := newAcceptAllPort(true)
	_, err := host.BindSessionPort(21, SessionOpts{Multipoint: true}, port)
	require.NoError(t, err)

	firstListener := newRecordingSessionListener()
	id, opts, err := first.JoinSession(host.UniqueName(), 21, firstListener)
	require.NoError(t, err)
	require.True(t, opts.Multipoint)

	<-port.joined
	hostListener := newRecordingSessionListener()
	require.NoError(t, host.SetHostedSessionListener(id, hostListener))

	// A later joiner reuses the session id, and existing members hear about
	// it.
	secondListener := newRecordingSessionListener()
	id2, _, err := second.JoinSession(host.UniqueName(), 21, secondListener)
	require.NoError(t, err)
	require.Equal(t, id, id2)

	select {
	case who := <-firstListener.added:
		require.Equal(t, second.UniqueName(), who)
	case <-time.After(time.Second):
		t.Fatal("first joiner never saw the second")
	}
	select {
	case who := <-hostListener.added:
		require.Equal(t, second.UniqueName(), who)
	case <-time.After(time.Second):
		t.Fatal("host never saw the second joiner")
	}

	// A multipoint session shrinks instead of ending when someone leaves.
	require.NoError(t, second.LeaveSession(id))
	select {
	case who := <-firstListener.removed:
		require.Equal(t, second.UniqueName(), who)
	case <-time.After(time.Second):
		t.Fatal("first joiner never saw the departure")
	}
	select {
	case <-firstListener.lost:
		t.Fatal("multipoint session must survive a member leaving")
	default:
	}

	// Even the host can leave; the session lives while members remain.
	require.NoError(t, host.LeaveHostedSession(id))
	select {
	case who := <-firstListener.removed:
		require.Equal(t, host.UniqueName(), who)
	case <-time.After(time.Second):
		t.Fatal("first joiner never saw the host leave")
	}

	require.NoError(t, first.LeaveJoinedSession(id))
}

type blockingPort struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPort) AcceptSessionJoiner(SessionPort, string, SessionOpts) bool {
	p.entered <- struct{}{}
	<-p.release
	return true
}

func (p *blockingPort) SessionJoined(SessionPort, SessionID, string) {}

func TestJoinSessionUnblockedByStop(t *testing.T) {
	r := NewLocalRouter()
	host := newTestBus(t, "block-host", r)

	joiner := NewBusAttachment("block-joiner", WithRouter(r), WithDispatchWorkers(2), WithDrainTimeout(time.Second))
	require.NoError(t, joiner.Start())
	require.NoError(t, joiner.Connect(""))
	t.Cleanup(func() { joiner.Join() })

	port := &blockingPort{entered: make(chan struct{}, 1), release: make(chan struct{})}
	t.Cleanup(func() { close(port.release) })
	_, err := host.BindSessionPort(31, SessionOpts{}, port)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, _, err := joiner.JoinSession(host.UniqueName(), 31, nil)
		result <- err
	}()

	<-port.entered
	require.NoError(t, joiner.Stop())
	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrBusStopping)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock JoinSession")
	}
}

// Two first joiners racing to the same multipoint port must land in one
// session rather than splitting into two.
func TestMultipointConcurrentFirstJoiners(t *testing.T) {
	r := NewLocalRouter()
	host := newTestBus(t, "race-host", r)
	a := newTestBus(t, "race-a", r)
	b := newTestBus(t, "race-b", r)

	port := &blockingPort{entered: make(chan struct{}, 2), release: make(chan struct{})}
	var release sync.Once
	t.Cleanup(func() { release.Do(func() { close(port.release) }) })
	_, err := host.BindSessionPort(51, SessionOpts{Multipoint: true}, port)
	require.NoError(t, err)

	ids := make(chan SessionID, 2)
	for _, j := range []*BusAttachment{a, b} {
		j := j
		go func() {
			id, _, err := j.JoinSession(host.UniqueName(), 51, nil)
			if err != nil {
				id = 0
			}
			ids <- id
		}()
	}

	// Both accept handshakes are in flight before either join completes.
	for i := 0; i < 2; i++ {
		select {
		case <-port.entered:
		case <-time.After(time.Second):
			t.Fatal("second accept handshake never started")
		}
	}
	release.Do(func() { close(port.release) })

	id1 := <-ids
	id2 := <-ids
	require.NotZero(t, id1)
	require.Equal(t, id1, id2)
}

func TestDeliverMemberChange(t *testing.T) {
	cases := []struct {
		name   string
		side   SessionSide
		added  bool
		self   bool
		reason SessionMemberReason
		want   bool
	}{
		{"joiner sees remote add", SessionSideJoiner, true, false, MemberAddedRemote, true},
		{"joiner sees own add", SessionSideJoiner, true, true, MemberAddedRemote, true},
		{"host sees remote add", SessionSideHost, true, false, MemberAddedRemote, true},
		{"host sees own add", SessionSideHost, true, true, MemberAddedRemote, true},
		{"host skips local removal", SessionSideHost, false, false, MemberRemovedLocal, false},
		{"host sees remote removal", SessionSideHost, false, false, MemberRemovedRemote, true},
		{"joiner sees remote removal", SessionSideJoiner, false, false, MemberRemovedRemote, true},
		{"joiner skips own local removal", SessionSideJoiner, false, true, MemberRemovedLocal, false},
		{"joiner sees another's local removal", SessionSideJoiner, false, false, MemberRemovedLocal, true},
	}
	for _, tc := range cases {
		if got := deliverMemberChange(tc.side, tc.added, tc.self, tc.reason); got != tc.want {
			t.Errorf("%s: deliverMemberChange = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// An attachment vanishing without leaving tears its sessions down with the
// abrupt-close reason.
func TestEndpointGoneTearsDownSessions(t *testing.T) {
	r := NewLocalRouter()
	host := newTestBus(t, "gone-host", r)

	joiner := NewBusAttachment("goner", WithRouter(r), WithDispatchWorkers(2), WithDrainTimeout(time.Second))
	require.NoError(t, joiner.Start())
	require.NoError(t, joiner.Connect(""))

	port := newAcceptAllPort(true)
	_, err := host.BindSessionPort(41, SessionOpts{}, port)
	require.NoError(t, err)

	id, _, err := joiner.JoinSession(host.UniqueName(), 41, nil)
	require.NoError(t, err)
	<-port.joined

	hostListener := newRecordingSessionListener()
	require.NoError(t, host.SetHostedSessionListener(id, hostListener))

	require.NoError(t, joiner.Stop())
	require.NoError(t, joiner.Join())

	select {
	case reason := <-hostListener.lost:
		require.Equal(t, SessionLostRemoteEndClosedAbruptly, reason)
	case <-time.After(time.Second):
		t.Fatal("host never heard about the abrupt close")
	}
}
