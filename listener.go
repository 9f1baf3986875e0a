package alljoyn

import "sync"

// BusListener receives bus lifecycle and discovery callbacks. Embed
// BusListenerBase to implement a subset.
type BusListener interface {
	ListenerRegistered(bus *BusAttachment)
	ListenerUnregistered()
	FoundAdvertisedName(name, namePrefix string)
	LostAdvertisedName(name, namePrefix string)
	NameOwnerChanged(name, previousOwner, newOwner string)
	BusStopping()
	BusDisconnected()
}

// BusListenerBase is a no-op BusListener.
type BusListenerBase struct{}

func (BusListenerBase) ListenerRegistered(*BusAttachment)       {}
func (BusListenerBase) ListenerUnregistered()                   {}
func (BusListenerBase) FoundAdvertisedName(string, string)      {}
func (BusListenerBase) LostAdvertisedName(string, string)       {}
func (BusListenerBase) NameOwnerChanged(string, string, string) {}
func (BusListenerBase) BusStopping()                            {}
func (BusListenerBase) BusDisconnected()                        {}

// SessionListener receives callbacks for one established session.
type SessionListener interface {
	SessionLost(id SessionID, reason SessionLostReason)
	SessionMemberAdded(id SessionID, uniqueName string)
	SessionMemberRemoved(id SessionID, uniqueName string)
}

// SessionListenerBase is a no-op SessionListener.
type SessionListenerBase struct{}

func (SessionListenerBase) SessionLost(SessionID, SessionLostReason) {}
func (SessionListenerBase) SessionMemberAdded(SessionID, string)     {}
func (SessionListenerBase) SessionMemberRemoved(SessionID, string)   {}

// SessionPortListener vets joiners for a bound session port.
type SessionPortListener interface {
	AcceptSessionJoiner(port SessionPort, joiner string, opts SessionOpts) bool
	SessionJoined(port SessionPort, id SessionID, joiner string)
}

// AboutListener receives About announcements.
type AboutListener interface {
	Announced(busName string, version uint16, port SessionPort, data any)
}

// ApplicationStateListener receives application state change signals.
type ApplicationStateListener interface {
	State(busName string, state uint32)
}

// protected wraps a callback target with a reference count so it can be
// unregistered without racing an in-flight callback. Baseline refcount is
// one (the registration itself); each callback acquires around the call.
// unregister waits for the count to fall back to baseline before
// returning, except when called from inside the target's own callback,
// which would deadlock and is refused.
type protected[T any] struct {
	target T

	mu      sync.Mutex
	cond    *sync.Cond
	refs    int
	holders map[uint64]int
	removed bool
}

func newProtected[T any](target T) *protected[T] {
	p := &protected[T]{target: target, refs: 1, holders: make(map[uint64]int)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire takes a reference for a callback. Returns false once unregister
// has started, so late callers skip the target.
func (p *protected[T]) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed {
		return false
	}
	p.refs++
	p.holders[goid()]++
	return true
}

func (p *protected[T]) release() {
	p.mu.Lock()
	p.refs--
	id := goid()
	if p.holders[id] > 1 {
		p.holders[id]--
	} else {
		delete(p.holders, id)
	}
	if p.refs == 1 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// unregister marks the wrapper removed and blocks until every in-flight
// callback has released. Returns ErrDeadlock when the calling goroutine is
// itself inside one of the target's callbacks.
func (p *protected[T]) unregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holders[goid()] > 0 {
		return ErrDeadlock
	}
	p.removed = true
	for p.refs > 1 {
		p.cond.Wait()
	}
	return nil
}
