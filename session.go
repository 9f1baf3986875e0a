package alljoyn

import "sync"

// SessionID identifies an established session. Zero is never a valid id.
type SessionID uint32

// SessionPort is the contact port a host binds and joiners name when
// joining, analogous to a TCP port.
type SessionPort uint16

// SessionPortAny lets BindSessionPort pick a free port.
const SessionPortAny SessionPort = 0

// SessionOpts carries the options negotiated at join time. Only the
// multipoint flag affects routing at this layer; the rest ride along
// opaquely for the application.
type SessionOpts struct {
	Multipoint bool
	Traffic    uint8
	Proximity  uint8
	Transports uint16
}

// SessionSide distinguishes the two views an attachment can hold of the
// same session id. A self-joined attachment (hosting a session it also
// joined) holds both.
type SessionSide uint8

const (
	SessionSideHost SessionSide = iota
	SessionSideJoiner
	numSessionSides
)

func (s SessionSide) String() string {
	if s == SessionSideHost {
		return "host"
	}
	return "joiner"
}

// SessionSideMask selects one or both sides for listener and leave
// operations.
type SessionSideMask uint8

const (
	SessionSideMaskHost   SessionSideMask = 1 << SessionSideHost
	SessionSideMaskJoiner SessionSideMask = 1 << SessionSideJoiner
	SessionSideMaskBoth                   = SessionSideMaskHost | SessionSideMaskJoiner
)

func (m SessionSideMask) has(side SessionSide) bool {
	return m&(1<<side) != 0
}

// SessionLostReason explains why a session ended.
type SessionLostReason uint32

const (
	SessionLostInvalid SessionLostReason = iota
	SessionLostRemoteEndLeft
	SessionLostRemoteEndClosedAbruptly
	SessionLostRemovedByBinder
	SessionLostLinkTimeout
	SessionLostReasonOther
)

// SessionMemberReason explains a multipoint membership change.
type SessionMemberReason uint32

const (
	MemberAddedRemote SessionMemberReason = iota
	MemberRemovedRemote
	MemberRemovedLocal
)

// session is one side's view of an established session.
type session struct {
	id         SessionID
	port       SessionPort
	opts       SessionOpts
	side       SessionSide
	otherParty string
	multipoint bool
	listener   SessionListener
}

// sessionRegistry holds the attachment's sessions, one map per side so a
// self-join keeps two independent entries under the same id. Each side has
// its own lock; cross-side queries take them in side order.
type sessionRegistry struct {
	mu       [numSessionSides]sync.Mutex
	sessions [numSessionSides]map[SessionID]*session
}

func newSessionRegistry() *sessionRegistry {
	r := &sessionRegistry{}
	for i := range r.sessions {
		r.sessions[i] = make(map[SessionID]*session)
	}
	return r
}

func (r *sessionRegistry) add(s *session) {
	r.mu[s.side].Lock()
	r.sessions[s.side][s.id] = s
	r.mu[s.side].Unlock()
}

func (r *sessionRegistry) get(id SessionID, side SessionSide) *session {
	r.mu[side].Lock()
	defer r.mu[side].Unlock()
	return r.sessions[side][id]
}

// remove deletes and returns the entry, or nil if absent. Deleting before
// any listener callback keeps lost notifications single-shot.
func (r *sessionRegistry) remove(id SessionID, side SessionSide) *session {
	r.mu[side].Lock()
	defer r.mu[side].Unlock()
	s := r.sessions[side][id]
	if s != nil {
		delete(r.sessions[side], id)
	}
	return s
}

// isSelfJoin reports whether the id exists on both sides.
func (r *sessionRegistry) isSelfJoin(id SessionID) bool {
	r.mu[SessionSideHost].Lock()
	_, host := r.sessions[SessionSideHost][id]
	r.mu[SessionSideHost].Unlock()
	if !host {
		return false
	}
	r.mu[SessionSideJoiner].Lock()
	_, joiner := r.sessions[SessionSideJoiner][id]
	r.mu[SessionSideJoiner].Unlock()
	return joiner
}

// sides reports which sides currently hold the id.
func (r *sessionRegistry) sides(id SessionID) SessionSideMask {
	var m SessionSideMask
	for side := SessionSide(0); side < numSessionSides; side++ {
		r.mu[side].Lock()
		if _, ok := r.sessions[side][id]; ok {
			m |= 1 << side
		}
		r.mu[side].Unlock()
	}
	return m
}

// setListener installs the listener on the named sides. Returns
// ErrAmbiguousSide for mask=both on a self-joined session, and
// ErrNoSession when the id is absent from every requested side.
func (r *sessionRegistry) setListener(id SessionID, mask SessionSideMask, l SessionListener) error {
	if mask == SessionSideMaskBoth && r.isSelfJoin(id) {
		return ErrAmbiguousSide
	}
	found := false
	for side := SessionSide(0); side < numSessionSides; side++ {
		if !mask.has(side) {
			continue
		}
		r.mu[side].Lock()
		if s, ok := r.sessions[side][id]; ok {
			s.listener = l
			found = true
		}
		r.mu[side].Unlock()
	}
	if !found {
		return ErrNoSession
	}
	return nil
}

// count returns the number of entries across both sides.
func (r *sessionRegistry) count() int {
	n := 0
	for side := SessionSide(0); side < numSessionSides; side++ {
		r.mu[side].Lock()
		n += len(r.sessions[side])
		r.mu[side].Unlock()
	}
	return n
}

func (r *sessionRegistry) snapshot() []*session {
	var out []*session
	for side := SessionSide(0); side < numSessionSides; side++ {
		r.mu[side].Lock()
		for _, s := range r.sessions[side] {
			out = append(out, s)
		}
		r.mu[side].Unlock()
	}
	return out
}

// deliverMemberChange decides, per side, whether a multipoint membership
// change reaches that side's listener. Hosts already see their own joins
// and leaves through the port listener, so host-side delivery is limited
// to remote-member changes and the attachment's own additions.
func deliverMemberChange(side SessionSide, added bool, memberIsSelf bool, reason SessionMemberReason) bool {
	if added {
		if side == SessionSideJoiner {
			return true
		}
		return memberIsSelf || reason == MemberAddedRemote
	}
	if side == SessionSideHost {
		return reason == MemberRemovedRemote
	}
	return !(reason == MemberRemovedLocal && memberIsSelf)
}
