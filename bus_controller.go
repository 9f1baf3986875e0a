package alljoyn

// The bus controller is the router's own endpoint: it services the
// org.alljoyn.Bus interface (session ports, joins, names, advertising)
// and emits the session and discovery signals. It runs on a regular
// LocalEndpoint so join handshakes flow through the same dispatch core as
// application traffic.

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type portKey struct {
	host string
	port SessionPort
}

type boundPort struct {
	host string
	port SessionPort
	opts SessionOpts
}

// routedSession is the router-side record of an established session. The
// host holds the hosting role; joiners is a refcount so a self-joined
// host appears both as host and as a joiner.
type routedSession struct {
	id      SessionID
	host    string
	port    SessionPort
	opts    SessionOpts
	hasHost bool
	joiners map[string]int
}

func (s *routedSession) participants() []string {
	var out []string
	if s.hasHost {
		out = append(out, s.host)
	}
	for name := range s.joiners {
		if !s.hasHost || name != s.host {
			out = append(out, name)
		}
	}
	return out
}

type busController struct {
	router *LocalRouter
	ep     *LocalEndpoint
	ifaces *interfaceRegistry

	mu         sync.Mutex
	ports      map[portKey]*boundPort
	sessions   map[SessionID]*routedSession
	sessionSeq atomic.Uint32
	portSeq    atomic.Uint32
}

func newBusController(r *LocalRouter) *busController {
	c := &busController{
		router:   r,
		ifaces:   newInterfaceRegistry(),
		ports:    make(map[portKey]*boundPort),
		sessions: make(map[SessionID]*routedSession),
	}
	registerStandardInterfaces(c.ifaces)
	c.ep = newLocalEndpoint(r.generateUniqueName(), r.guid, 2, 64, time.Second, newBusMetrics())
	return c
}

// start registers the controller on its router and claims the bus service
// name. Called once from NewLocalRouter after the router's controller
// field is set.
func (c *busController) start() {
	c.ep.start(c.router.route)
	c.router.register(c.ep)
	if err := c.router.requestName(c.ep.uniqueName, busServiceName); err != nil {
		slog.Error("controller: failed to claim bus name", "error", err)
	}

	obj, _ := NewBusObject(busObjectPath, false)
	busIface := c.ifaces.get(busIfaceName)
	err := obj.AddInterface(busIface, map[string]MethodHandler{
		"BindSessionPort":     c.bindSessionPort,
		"UnbindSessionPort":   c.unbindSessionPort,
		"JoinSession":         c.joinSession,
		"LeaveSession":        c.leaveSession,
		"LeaveHostedSession":  c.leaveHostedSession,
		"LeaveJoinedSession":  c.leaveJoinedSession,
		"RequestName":         c.requestName,
		"ReleaseName":         c.releaseName,
		"AdvertiseName":       c.advertiseName,
		"CancelAdvertiseName": c.cancelAdvertiseName,
	})
	if err != nil {
		slog.Error("controller: bus object setup failed", "error", err)
		return
	}
	if err := c.ep.registerObject(obj); err != nil {
		slog.Error("controller: bus object registration failed", "error", err)
	}
}

// --- session ports ---

func (c *busController) bindSessionPort(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	port := SessionPort(args[0].(uint16))
	opts, _ := args[1].(SessionOpts)
	host := ctx.Message.Sender

	c.mu.Lock()
	if port == SessionPortAny {
		for {
			port = SessionPort(c.portSeq.Add(1))
			if _, taken := c.ports[portKey{host, port}]; !taken && port != 0 {
				break
			}
		}
	} else if _, taken := c.ports[portKey{host, port}]; taken {
		c.mu.Unlock()
		ctx.Reply(dispositionPortInUse, uint16(port))
		return
	}
	c.ports[portKey{host, port}] = &boundPort{host: host, port: port, opts: opts}
	c.mu.Unlock()

	ctx.Reply(dispositionSuccess, uint16(port))
}

func (c *busController) unbindSessionPort(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	port := SessionPort(args[0].(uint16))
	host := ctx.Message.Sender

	c.mu.Lock()
	bp, ok := c.ports[portKey{host, port}]
	if ok && bp.host == host {
		delete(c.ports, portKey{host, port})
	}
	c.mu.Unlock()

	if !ok {
		ctx.Reply(dispositionNoSession)
		return
	}
	ctx.Reply(dispositionSuccess)
}

// --- join ---

func (c *busController) joinSession(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	hostName := args[0].(string)
	port := SessionPort(args[1].(uint16))
	joiner := ctx.Message.Sender

	hostUnique := c.router.uniqueNameOf(hostName)
	if hostUnique == "" {
		ctx.Reply(dispositionNoSession, uint32(0), SessionOpts{})
		return
	}

	c.mu.Lock()
	bp, ok := c.ports[portKey{hostUnique, port}]
	if !ok {
		c.mu.Unlock()
		ctx.Reply(dispositionNoSession, uint32(0), SessionOpts{})
		return
	}
	opts := bp.opts

	// A multipoint port reuses the existing session id for later joiners.
	// The first joiner reserves the entry before the accept handshake so a
	// concurrent first joiner of the same port finds this id instead of
	// minting its own.
	var id SessionID
	for _, s := range c.sessions {
		if s.hasHost && s.host == hostUnique && s.port == port && s.opts.Multipoint {
			id = s.id
			break
		}
	}
	if id == 0 {
		id = SessionID(c.sessionSeq.Add(1))
		if opts.Multipoint {
			c.sessions[id] = &routedSession{
				id:      id,
				host:    hostUnique,
				port:    port,
				opts:    opts,
				hasHost: true,
				joiners: make(map[string]int),
			}
		}
	}
	c.mu.Unlock()

	// Ask the host to vet the joiner, then finish the join from the
	// reply handler.
	ctx.ReplyLater()
	accept, err := NewMethodCall(hostUnique, peerSessionPath, peerSessionIfaceName,
		"AcceptSession", "qusv", uint16(port), uint32(id), joiner, opts)
	if err != nil {
		c.releaseEmptySession(id)
		ctx.Reply(dispositionFailed, uint32(0), opts)
		return
	}
	err = c.ep.methodCall(c, accept, func(reply *Message, _ any) {
		c.finishJoin(ctx, reply, hostUnique, port, id, joiner, opts)
	}, nil, 0, nil)
	if err != nil {
		c.releaseEmptySession(id)
		ctx.Reply(dispositionFailed, uint32(0), opts)
	}
}

// releaseEmptySession drops a reserved session no joiner ever completed
// into. A concurrent joiner that is still mid-handshake on the same id
// recreates the entry when its accept reply lands.
func (c *busController) releaseEmptySession(id SessionID) {
	c.mu.Lock()
	if s := c.sessions[id]; s != nil && len(s.joiners) == 0 {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
}

func (c *busController) finishJoin(ctx *MethodContext, reply *Message, host string, port SessionPort, id SessionID, joiner string, opts SessionOpts) {
	if reply.Type == MsgError {
		slog.Warn("controller: accept handshake failed",
			"host", host, "joiner", joiner, "error", reply.ErrorName)
		c.releaseEmptySession(id)
		ctx.Reply(dispositionFailed, uint32(0), opts)
		return
	}
	args, err := reply.UnmarshalArgs("b")
	if err != nil || !args[0].(bool) {
		c.releaseEmptySession(id)
		ctx.Reply(dispositionRejected, uint32(0), opts)
		return
	}

	c.mu.Lock()
	s := c.sessions[id]
	if s == nil {
		s = &routedSession{
			id:      id,
			host:    host,
			port:    port,
			opts:    opts,
			hasHost: true,
			joiners: make(map[string]int),
		}
		c.sessions[id] = s
	}
	others := s.participants()
	s.joiners[joiner]++
	c.mu.Unlock()

	// Tell the host its port produced a session, then fan out membership
	// changes for multipoint sessions.
	c.directedSignal(host, peerSessionIfaceName, "SessionJoined", "qus",
		uint16(port), uint32(id), joiner)
	if opts.Multipoint {
		for _, other := range others {
			if other != joiner {
				c.directedSignal(other, busIfaceName, "MPSessionChangedWithReason", "usbu",
					uint32(id), joiner, true, uint32(MemberAddedRemote))
				c.directedSignal(joiner, busIfaceName, "MPSessionChangedWithReason", "usbu",
					uint32(id), other, true, uint32(MemberAddedRemote))
			}
		}
	}

	ctx.Reply(dispositionSuccess, uint32(id), opts)
}

// --- leave ---

func (c *busController) leaveSession(ctx *MethodContext) {
	c.leave(ctx, SessionSideMaskBoth)
}

func (c *busController) leaveHostedSession(ctx *MethodContext) {
	c.leave(ctx, SessionSideMaskHost)
}

func (c *busController) leaveJoinedSession(ctx *MethodContext) {
	c.leave(ctx, SessionSideMaskJoiner)
}

func (c *busController) leave(ctx *MethodContext, mask SessionSideMask) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	id := SessionID(args[0].(uint32))
	leaver := ctx.Message.Sender

	c.mu.Lock()
	s := c.sessions[id]
	if s == nil {
		c.mu.Unlock()
		ctx.Reply(dispositionNoSession)
		return
	}
	isHost := s.hasHost && s.host == leaver
	isJoiner := s.joiners[leaver] > 0
	if mask == SessionSideMaskBoth && isHost && isJoiner {
		// Ambiguous on a self-joined session; the caller must pick a
		// side.
		c.mu.Unlock()
		ctx.Reply(dispositionFailed)
		return
	}
	var reason SessionLostReason
	switch {
	case mask.has(SessionSideHost) && isHost:
		s.hasHost = false
		reason = SessionLostRemovedByBinder
	case mask.has(SessionSideJoiner) && isJoiner:
		if s.joiners[leaver] > 1 {
			s.joiners[leaver]--
		} else {
			delete(s.joiners, leaver)
		}
		reason = SessionLostRemoteEndLeft
	default:
		c.mu.Unlock()
		ctx.Reply(dispositionNoSession)
		return
	}
	remaining := s.participants()
	empty := len(remaining) == 0
	ended := empty || !s.opts.Multipoint
	if ended {
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	c.notifyDeparture(s, id, leaver, reason, remaining, ended)
	ctx.Reply(dispositionSuccess)
}

// notifyDeparture informs the remaining participants. Point-to-point
// sessions end outright; multipoint sessions shrink and survive until
// empty.
func (c *busController) notifyDeparture(s *routedSession, id SessionID, leaver string, reason SessionLostReason, remaining []string, ended bool) {
	for _, other := range remaining {
		if other == leaver {
			continue
		}
		if ended {
			c.directedSignal(other, busIfaceName, "SessionLostWithReasonAndDisposition", "uuu",
				uint32(id), uint32(reason), dispositionSuccess)
		} else {
			c.directedSignal(other, busIfaceName, "MPSessionChangedWithReason", "usbu",
				uint32(id), leaver, false, uint32(MemberRemovedRemote))
		}
	}
}

// endpointGone tears down everything an endpoint owned when it detaches:
// bound ports and session membership on both sides.
func (c *busController) endpointGone(name string) {
	c.mu.Lock()
	for k := range c.ports {
		if k.host == name {
			delete(c.ports, k)
		}
	}
	type departure struct {
		s         *routedSession
		id        SessionID
		remaining []string
		ended     bool
	}
	var departures []departure
	for id, s := range c.sessions {
		involved := (s.hasHost && s.host == name) || s.joiners[name] > 0
		if !involved {
			continue
		}
		if s.hasHost && s.host == name {
			s.hasHost = false
		}
		delete(s.joiners, name)
		remaining := s.participants()
		ended := len(remaining) == 0 || !s.opts.Multipoint
		if ended {
			delete(c.sessions, id)
		}
		departures = append(departures, departure{s, id, remaining, ended})
	}
	c.mu.Unlock()

	for _, d := range departures {
		for _, other := range d.remaining {
			if d.ended {
				c.directedSignal(other, busIfaceName, "SessionLostWithReasonAndDisposition", "uuu",
					uint32(d.id), uint32(SessionLostRemoteEndClosedAbruptly), dispositionSuccess)
			} else {
				c.directedSignal(other, busIfaceName, "MPSessionChangedWithReason", "usbu",
					uint32(d.id), name, false, uint32(MemberRemovedRemote))
			}
		}
	}
}

// --- names ---

func (c *busController) requestName(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	name := args[0].(string)
	switch err := c.router.requestName(ctx.Message.Sender, name); err {
	case nil:
		ctx.Reply(dispositionSuccess)
	case ErrNameTaken:
		ctx.Reply(dispositionNameTaken)
	default:
		ctx.Reply(dispositionFailed)
	}
}

func (c *busController) releaseName(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	if c.router.releaseName(ctx.Message.Sender, args[0].(string)) != nil {
		ctx.Reply(dispositionFailed)
		return
	}
	ctx.Reply(dispositionSuccess)
}

func (c *busController) advertiseName(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	switch err := c.router.advertise(ctx.Message.Sender, args[0].(string)); err {
	case nil:
		ctx.Reply(dispositionSuccess)
	case ErrNameTaken:
		ctx.Reply(dispositionNameTaken)
	default:
		ctx.Reply(dispositionFailed)
	}
}

func (c *busController) cancelAdvertiseName(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	if c.router.cancelAdvertise(ctx.Message.Sender, args[0].(string)) != nil {
		ctx.Reply(dispositionFailed)
		return
	}
	ctx.Reply(dispositionSuccess)
}

// --- signal emission ---

func (c *busController) nameOwnerChanged(name, prev, next string) {
	c.broadcastSignal(dbusIfaceName, "NameOwnerChanged", "sss", name, prev, next)
}

func (c *busController) advertisementFound(name string) {
	c.broadcastSignal(busIfaceName, "FoundAdvertisedName", "ss", name, name)
}

func (c *busController) advertisementLost(name string) {
	c.broadcastSignal(busIfaceName, "LostAdvertisedName", "ss", name, name)
}

func (c *busController) directedSignal(dest, iface, member, sig string, args ...any) {
	msg, err := NewSignal(dest, busObjectPath, iface, member, sig, args...)
	if err != nil {
		slog.Error("controller: bad signal", "member", member, "error", err)
		return
	}
	if err := c.ep.send(msg); err != nil {
		slog.Debug("controller: signal delivery failed",
			"dest", dest, "member", member, "error", err)
	}
}

func (c *busController) broadcastSignal(iface, member, sig string, args ...any) {
	msg, err := NewSignal("", busObjectPath, iface, member, sig, args...)
	if err != nil {
		slog.Error("controller: bad signal", "member", member, "error", err)
		return
	}
	if err := c.ep.send(msg); err != nil {
		slog.Debug("controller: broadcast failed", "member", member, "error", err)
	}
}

// sessionCount is used by the debug server.
func (c *busController) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
