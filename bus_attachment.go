package alljoyn

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BusAttachment is an application's connection to the bus: it owns the
// local endpoint, the interface registry, the listener registries, and
// the session state, and fronts the bus controller for sessions, names,
// and advertising.
//
// Lifecycle is Start -> Connect -> ... -> Stop -> Join. Stop only signals;
// Join performs the teardown, and when several goroutines call Join
// concurrently the first one in does the work while the rest wait it out.
type BusAttachment struct {
	applicationName string
	machineID       string
	config          busConfig

	router  *LocalRouter
	ep      *LocalEndpoint
	ifaces  *interfaceRegistry
	metrics *busMetrics

	isStarted   atomic.Bool
	isStopping  atomic.Bool
	isConnected atomic.Bool

	// Join teardown: first joiner does the work, the rest wait.
	stopLock  sync.Mutex
	stopCond  *sync.Cond
	stopCount int
	stopped   bool

	// Synchronous calls in flight, alerted on Stop.
	waiterMu    sync.Mutex
	waiterSeq   uint64
	stopWaiters map[uint64]chan struct{}

	listenersMu    sync.Mutex
	busListeners   []*protected[BusListener]
	aboutListeners []*protected[AboutListener]
	stateListeners []*protected[ApplicationStateListener]

	sessions      *sessionRegistry
	portMu        sync.Mutex
	portListeners map[SessionPort]SessionPortListener

	debugServer *debugServer
}

// NewBusAttachment creates an attachment. The application name is
// informational and shows up in logs and the debug server.
func NewBusAttachment(applicationName string, opts ...Option) *BusAttachment {
	cfg := defaultBusConfig()
	for _, o := range opts {
		o(&cfg)
	}

	metrics := newBusMetrics()
	a := &BusAttachment{
		applicationName: applicationName,
		machineID:       uuid.NewString(),
		config:          cfg,
		ifaces:          newInterfaceRegistry(),
		metrics:         metrics,
		sessions:        newSessionRegistry(),
		portListeners:   make(map[SessionPort]SessionPortListener),
		stopWaiters:     make(map[uint64]chan struct{}),
	}
	a.stopCond = sync.NewCond(&a.stopLock)
	metrics.sessionCountFn = a.sessions.count
	registerStandardInterfaces(a.ifaces)
	return a
}

// ApplicationName returns the name given at construction.
func (a *BusAttachment) ApplicationName() string { return a.applicationName }

// UniqueName returns the endpoint's unique name, or "" before Connect.
func (a *BusAttachment) UniqueName() string {
	if ep := a.endpoint(); ep != nil {
		return ep.uniqueName
	}
	return ""
}

// GUID returns the bus GUID, or "" before Connect.
func (a *BusAttachment) GUID() string {
	if a.router != nil {
		return a.router.guid
	}
	return ""
}

// Metrics returns the attachment's operational metrics.
func (a *BusAttachment) Metrics() *busMetrics { return a.metrics }

func (a *BusAttachment) endpoint() *LocalEndpoint {
	a.stopLock.Lock()
	defer a.stopLock.Unlock()
	return a.ep
}

// --- lifecycle ---

// Start makes the attachment operational. An attachment is single-use:
// once stopping it cannot be started again.
func (a *BusAttachment) Start() error {
	if a.isStopping.Load() {
		return ErrBusStopping
	}
	if !a.isStarted.CompareAndSwap(false, true) {
		return ErrBusAlreadyStarted
	}
	slog.Info("starting", "app", a.applicationName)
	return nil
}

// Connect attaches to the bus named by spec. An empty spec uses the
// configured default. Only the in-process "null:" transport exists.
func (a *BusAttachment) Connect(spec string) error {
	if !a.isStarted.Load() {
		return ErrBusNotStarted
	}
	if a.isStopping.Load() {
		return ErrBusStopping
	}
	if spec == "" {
		spec = a.config.connectSpec
	}
	if !strings.HasPrefix(spec, "null:") {
		return fmt.Errorf("%w: %q", ErrTransportNotAvailable, spec)
	}
	if !a.isConnected.CompareAndSwap(false, true) {
		return ErrBusAlreadyConnected
	}

	router := a.config.router
	if router == nil {
		router = BundledRouter()
	}
	ep := newLocalEndpoint(router.generateUniqueName(), a.machineID,
		a.config.dispatchWorkers, a.config.queueDepth, a.config.drainTimeout, a.metrics)
	ep.start(router.route)

	a.stopLock.Lock()
	a.router = router
	a.ep = ep
	a.stopLock.Unlock()

	if err := a.registerPeerSessionObject(); err != nil {
		a.stopLock.Lock()
		a.ep = nil
		a.stopLock.Unlock()
		a.isConnected.Store(false)
		return err
	}
	a.registerBusSignalHandlers()
	router.register(ep)

	if a.config.debugAddr != "" {
		ds, err := newDebugServer(a, a.config.debugAddr)
		if err != nil {
			slog.Error("debug server failed to start", "error", err)
		} else {
			a.debugServer = ds
			ds.start()
		}
	}

	slog.Info("connected", "app", a.applicationName, "name", ep.uniqueName)
	return nil
}

// Disconnect detaches from the bus. Sessions are torn down by the router
// and remote parties see an abrupt close.
func (a *BusAttachment) Disconnect() error {
	if !a.isConnected.CompareAndSwap(true, false) {
		return ErrBusNotConnected
	}
	ep := a.endpoint()
	if a.debugServer != nil {
		a.debugServer.stop()
		a.debugServer = nil
	}
	a.router.unregister(ep.uniqueName)
	ep.join()

	a.stopLock.Lock()
	a.ep = nil
	a.stopLock.Unlock()

	a.notifyBusListeners(func(l BusListener) { l.BusDisconnected() })
	slog.Info("disconnected", "app", a.applicationName, "name", ep.uniqueName)
	return nil
}

// Stop begins shutdown: it signals, alerts blocked synchronous calls, and
// returns without waiting. Join completes the teardown.
func (a *BusAttachment) Stop() error {
	if !a.isStarted.Load() {
		return ErrBusNotStarted
	}
	if !a.isStopping.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("stopping", "app", a.applicationName)

	a.waiterMu.Lock()
	for _, ch := range a.stopWaiters {
		close(ch)
	}
	a.stopWaiters = make(map[uint64]chan struct{})
	a.waiterMu.Unlock()

	a.notifyBusListeners(func(l BusListener) { l.BusStopping() })
	return nil
}

// Join blocks until the attachment has fully stopped. Safe to call from
// many goroutines; refused on a dispatch goroutine.
func (a *BusAttachment) Join() error {
	if !a.isStarted.Load() {
		return ErrBusNotStarted
	}
	if !a.isStopping.Load() {
		return ErrBusNotStarted
	}
	if ep := a.endpoint(); ep != nil && ep.disp.isDispatchGoroutine() {
		return ErrBlockingCallNotAllowed
	}

	a.stopLock.Lock()
	a.stopCount++
	if a.stopCount == 1 && !a.stopped {
		a.stopLock.Unlock()
		a.shutdown()
		a.stopLock.Lock()
		a.stopped = true
		a.stopCond.Broadcast()
	} else {
		for !a.stopped {
			a.stopCond.Wait()
		}
	}
	a.stopCount--
	a.stopLock.Unlock()
	return nil
}

func (a *BusAttachment) shutdown() {
	if a.isConnected.Load() {
		if err := a.Disconnect(); err != nil {
			slog.Warn("shutdown disconnect failed", "app", a.applicationName, "error", err)
		}
	}
	slog.Info("stopped", "app", a.applicationName)
}

// --- interfaces and objects ---

// CreateInterface adds a new interface description to the attachment.
func (a *BusAttachment) CreateInterface(name string, security SecurityPolicy) (*InterfaceDescription, error) {
	return a.ifaces.create(name, security)
}

// GetInterface looks up an interface description by name, or nil.
func (a *BusAttachment) GetInterface(name string) *InterfaceDescription {
	return a.ifaces.get(name)
}

// RegisterBusObject exposes obj on the bus.
func (a *BusAttachment) RegisterBusObject(obj *BusObject) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	return ep.registerObject(obj)
}

// UnregisterBusObject removes the object at path and its children,
// draining in-flight calls first.
func (a *BusAttachment) UnregisterBusObject(path string) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	return ep.unregisterObject(path)
}

// --- signal handlers ---

// RegisterSignalHandler subscribes handler, owned by receiver, to a
// signal member with an optional match rule.
func (a *BusAttachment) RegisterSignalHandler(receiver MessageReceiver, member *Member, rule string, handler SignalHandler) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	return ep.registerSignalHandler(receiver, member, rule, handler)
}

// UnregisterSignalHandler removes receiver's subscriptions to member,
// waiting out any in-flight deliveries.
func (a *BusAttachment) UnregisterSignalHandler(receiver MessageReceiver, member *Member, rule string) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	return ep.unregisterSignalHandler(receiver, member, rule)
}

// UnregisterAllHandlers removes every signal subscription and pending
// reply owned by receiver.
func (a *BusAttachment) UnregisterAllHandlers(receiver MessageReceiver) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	return ep.unregisterAllHandlers(receiver)
}

// --- method calls ---

// CallMethodAsync sends a method call; handler runs on a dispatch
// goroutine when the reply, timeout, or shutdown error arrives. Returns
// the call serial, usable with PauseReplyTimeout and ResumeReplyTimeout.
func (a *BusAttachment) CallMethodAsync(receiver MessageReceiver, dest, path string, member *Member, timeout time.Duration, flags MsgFlags, handler ReplyHandler, userCtx any, args ...any) (uint32, error) {
	ep := a.endpoint()
	if ep == nil {
		return 0, ErrBusNotConnected
	}
	if member == nil || member.IsSignal {
		return 0, ErrNoSuchMember
	}
	msg, err := NewMethodCall(dest, path, member.Iface.Name, member.Name, member.Signature, args...)
	if err != nil {
		return 0, err
	}
	msg.Flags = flags
	if timeout <= 0 {
		timeout = a.config.replyTimeout
	}
	if err := ep.methodCall(receiver, msg, handler, userCtx, timeout, member); err != nil {
		return 0, err
	}
	return msg.Serial, nil
}

// CallMethod sends a method call and blocks for the reply. An error reply
// surfaces as a *BusError. Refused on a dispatch goroutine; unblocked by
// Stop with ErrBusStopping.
func (a *BusAttachment) CallMethod(dest, path string, member *Member, timeout time.Duration, args ...any) (*Message, error) {
	ep := a.endpoint()
	if ep == nil {
		return nil, ErrBusNotConnected
	}
	if ep.disp.isDispatchGoroutine() {
		return nil, ErrBlockingCallNotAllowed
	}

	waiterID, alert, err := a.addStopWaiter()
	if err != nil {
		return nil, err
	}
	defer a.removeStopWaiter(waiterID)

	type result struct{ reply *Message }
	ch := make(chan result, 1)
	receiver := newCallReceiver()
	_, err = a.CallMethodAsync(receiver, dest, path, member, timeout, 0,
		func(reply *Message, _ any) {
			ch <- result{reply}
		}, nil, args...)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.reply.Type == MsgError {
			return res.reply, &BusError{Name: res.reply.ErrorName, Description: res.reply.ErrorDescription}
		}
		return res.reply, nil
	case <-alert:
		ep.unregisterAllHandlers(receiver)
		return nil, ErrBusStopping
	}
}

// BusError is a remote or synthesized error reply to a method call.
type BusError struct {
	Name        string
	Description string
}

func (e *BusError) Error() string {
	if e.Description == "" {
		return e.Name
	}
	return e.Name + ": " + e.Description
}

func (a *BusAttachment) addStopWaiter() (uint64, chan struct{}, error) {
	a.waiterMu.Lock()
	defer a.waiterMu.Unlock()
	if a.isStopping.Load() {
		return 0, nil, ErrBusStopping
	}
	a.waiterSeq++
	id := a.waiterSeq
	ch := make(chan struct{})
	a.stopWaiters[id] = ch
	return id, ch, nil
}

func (a *BusAttachment) removeStopWaiter(id uint64) {
	a.waiterMu.Lock()
	delete(a.stopWaiters, id)
	a.waiterMu.Unlock()
}

// PauseReplyTimeout disarms the timeout of an outstanding call.
func (a *BusAttachment) PauseReplyTimeout(serial uint32) bool {
	ep := a.endpoint()
	return ep != nil && ep.pauseReplyTimeout(serial)
}

// ResumeReplyTimeout re-arms an outstanding call with its original
// timeout, restarting the full window.
func (a *BusAttachment) ResumeReplyTimeout(serial uint32) bool {
	ep := a.endpoint()
	return ep != nil && ep.resumeReplyTimeout(serial)
}

// --- listeners ---

// RegisterBusListener adds a bus listener and notifies it.
func (a *BusAttachment) RegisterBusListener(l BusListener) {
	w := newProtected[BusListener](l)
	a.listenersMu.Lock()
	a.busListeners = append(a.busListeners, w)
	a.listenersMu.Unlock()
	l.ListenerRegistered(a)
}

// UnregisterBusListener removes l, waiting for in-flight callbacks to
// finish, then notifies it. Calling from one of l's own callbacks fails
// with ErrDeadlock.
func (a *BusAttachment) UnregisterBusListener(l BusListener) error {
	a.listenersMu.Lock()
	var w *protected[BusListener]
	pos := -1
	for i, cand := range a.busListeners {
		if cand.target == l {
			w = cand
			pos = i
			a.busListeners = append(a.busListeners[:i], a.busListeners[i+1:]...)
			break
		}
	}
	a.listenersMu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.unregister(); err != nil {
		// Put it back where it was; the listener is still live and must
		// keep its notification order.
		a.listenersMu.Lock()
		if pos > len(a.busListeners) {
			pos = len(a.busListeners)
		}
		a.busListeners = append(a.busListeners[:pos],
			append([]*protected[BusListener]{w}, a.busListeners[pos:]...)...)
		a.listenersMu.Unlock()
		return err
	}
	l.ListenerUnregistered()
	return nil
}

func (a *BusAttachment) notifyBusListeners(fn func(BusListener)) {
	a.listenersMu.Lock()
	snapshot := append([]*protected[BusListener](nil), a.busListeners...)
	a.listenersMu.Unlock()
	for _, w := range snapshot {
		if w.acquire() {
			fn(w.target)
			w.release()
		}
	}
}

// RegisterAboutListener adds an About announcement listener.
func (a *BusAttachment) RegisterAboutListener(l AboutListener) {
	w := newProtected[AboutListener](l)
	a.listenersMu.Lock()
	a.aboutListeners = append(a.aboutListeners, w)
	a.listenersMu.Unlock()
}

// UnregisterAboutListener removes l, waiting out in-flight callbacks.
func (a *BusAttachment) UnregisterAboutListener(l AboutListener) error {
	a.listenersMu.Lock()
	var w *protected[AboutListener]
	for i, cand := range a.aboutListeners {
		if cand.target == l {
			w = cand
			a.aboutListeners = append(a.aboutListeners[:i], a.aboutListeners[i+1:]...)
			break
		}
	}
	a.listenersMu.Unlock()
	if w == nil {
		return nil
	}
	return w.unregister()
}

// RegisterApplicationStateListener adds an application state listener.
func (a *BusAttachment) RegisterApplicationStateListener(l ApplicationStateListener) {
	w := newProtected[ApplicationStateListener](l)
	a.listenersMu.Lock()
	a.stateListeners = append(a.stateListeners, w)
	a.listenersMu.Unlock()
}

// UnregisterApplicationStateListener removes l, waiting out in-flight
// callbacks.
func (a *BusAttachment) UnregisterApplicationStateListener(l ApplicationStateListener) error {
	a.listenersMu.Lock()
	var w *protected[ApplicationStateListener]
	for i, cand := range a.stateListeners {
		if cand.target == l {
			w = cand
			a.stateListeners = append(a.stateListeners[:i], a.stateListeners[i+1:]...)
			break
		}
	}
	a.listenersMu.Unlock()
	if w == nil {
		return nil
	}
	return w.unregister()
}

// SetSecurityViolationHandler installs the hook for inbound security
// failures.
func (a *BusAttachment) SetSecurityViolationHandler(h SecurityViolationHandler) {
	if ep := a.endpoint(); ep != nil {
		ep.SetSecurityViolationHandler(h)
	}
}

// --- sessions ---

// BindSessionPort makes port joinable, with listener vetting joiners.
// Passing SessionPortAny picks a free port, returned on success.
func (a *BusAttachment) BindSessionPort(port SessionPort, opts SessionOpts, listener SessionPortListener) (SessionPort, error) {
	if listener == nil {
		return 0, &BadArgError{N: 3}
	}
	busIface := a.ifaces.get(busIfaceName)
	reply, err := a.CallMethod(busServiceName, busObjectPath,
		busIface.GetMember("BindSessionPort"), 0, uint16(port), opts)
	if err != nil {
		return 0, err
	}
	args, err := reply.UnmarshalArgs("uq")
	if err != nil {
		return 0, err
	}
	switch args[0].(uint32) {
	case dispositionSuccess:
	case dispositionPortInUse:
		return 0, fmt.Errorf("%w: %d", ErrSessionPortInUse, port)
	default:
		return 0, ErrUnexpectedDisposition
	}
	boundPort := SessionPort(args[1].(uint16))
	a.portMu.Lock()
	a.portListeners[boundPort] = listener
	a.portMu.Unlock()
	return boundPort, nil
}

// UnbindSessionPort stops accepting joins on port.
func (a *BusAttachment) UnbindSessionPort(port SessionPort) error {
	busIface := a.ifaces.get(busIfaceName)
	reply, err := a.CallMethod(busServiceName, busObjectPath,
		busIface.GetMember("UnbindSessionPort"), 0, uint16(port))
	if err != nil {
		return err
	}
	args, err := reply.UnmarshalArgs("u")
	if err != nil {
		return err
	}
	if args[0].(uint32) != dispositionSuccess {
		return ErrNoSession
	}
	a.portMu.Lock()
	delete(a.portListeners, port)
	a.portMu.Unlock()
	return nil
}

// JoinSessionAsync starts a join; cb runs on a dispatch goroutine with
// the outcome.
func (a *BusAttachment) JoinSessionAsync(host string, port SessionPort, listener SessionListener, cb func(id SessionID, opts SessionOpts, err error)) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	if !IsLegalBusName(host) {
		return fmt.Errorf("%w: %q", ErrBadBusName, host)
	}
	busIface := a.ifaces.get(busIfaceName)
	member := busIface.GetMember("JoinSession")
	_, err := a.CallMethodAsync(a, busServiceName, busObjectPath, member, 0, 0,
		func(reply *Message, _ any) {
			id, opts, err := a.finishJoin(reply, listener)
			if cb != nil {
				cb(id, opts, err)
			}
		}, nil, host, uint16(port), SessionOpts{})
	return err
}

func (a *BusAttachment) finishJoin(reply *Message, listener SessionListener) (SessionID, SessionOpts, error) {
	if reply.Type == MsgError {
		if reply.ErrorName == errNameExiting {
			return 0, SessionOpts{}, ErrBusStopping
		}
		return 0, SessionOpts{}, &BusError{Name: reply.ErrorName, Description: reply.ErrorDescription}
	}
	args, err := reply.UnmarshalArgs("uuv")
	if err != nil {
		return 0, SessionOpts{}, err
	}
	opts, _ := args[2].(SessionOpts)
	switch args[0].(uint32) {
	case dispositionSuccess:
	case dispositionRejected:
		return 0, opts, ErrJoinRejected
	case dispositionNoSession:
		return 0, opts, ErrNoSession
	default:
		return 0, opts, ErrUnexpectedDisposition
	}
	id := SessionID(args[1].(uint32))
	a.sessions.add(&session{
		id:         id,
		opts:       opts,
		side:       SessionSideJoiner,
		multipoint: opts.Multipoint,
		listener:   listener,
	})
	a.metrics.SessionsJoined.Add(1)
	return id, opts, nil
}

// JoinSession joins a session hosted at host:port and blocks for the
// outcome. Unblocked by Stop with ErrBusStopping.
func (a *BusAttachment) JoinSession(host string, port SessionPort, listener SessionListener) (SessionID, SessionOpts, error) {
	ep := a.endpoint()
	if ep == nil {
		return 0, SessionOpts{}, ErrBusNotConnected
	}
	if ep.disp.isDispatchGoroutine() {
		return 0, SessionOpts{}, ErrBlockingCallNotAllowed
	}

	waiterID, alert, err := a.addStopWaiter()
	if err != nil {
		return 0, SessionOpts{}, err
	}
	defer a.removeStopWaiter(waiterID)

	type joinResult struct {
		id   SessionID
		opts SessionOpts
		err  error
	}
	ch := make(chan joinResult, 1)
	err = a.JoinSessionAsync(host, port, listener, func(id SessionID, opts SessionOpts, err error) {
		ch <- joinResult{id, opts, err}
	})
	if err != nil {
		return 0, SessionOpts{}, err
	}
	select {
	case res := <-ch:
		return res.id, res.opts, res.err
	case <-alert:
		return 0, SessionOpts{}, ErrBusStopping
	}
}

// LeaveSession leaves a session the attachment is part of on exactly one
// side. For a self-joined session the side is ambiguous; use
// LeaveHostedSession or LeaveJoinedSession instead.
func (a *BusAttachment) LeaveSession(id SessionID) error {
	if a.sessions.isSelfJoin(id) {
		return ErrAmbiguousSide
	}
	return a.leave(id, "LeaveSession", SessionSideMaskBoth)
}

// LeaveHostedSession gives up the hosting side of a session.
func (a *BusAttachment) LeaveHostedSession(id SessionID) error {
	return a.leave(id, "LeaveHostedSession", SessionSideMaskHost)
}

// LeaveJoinedSession leaves the joiner side of a session.
func (a *BusAttachment) LeaveJoinedSession(id SessionID) error {
	return a.leave(id, "LeaveJoinedSession", SessionSideMaskJoiner)
}

func (a *BusAttachment) leave(id SessionID, method string, mask SessionSideMask) error {
	if a.sessions.sides(id)&mask == 0 {
		return ErrNoSession
	}
	busIface := a.ifaces.get(busIfaceName)
	reply, err := a.CallMethod(busServiceName, busObjectPath,
		busIface.GetMember(method), 0, uint32(id))
	if err != nil {
		return err
	}
	args, err := reply.UnmarshalArgs("u")
	if err != nil {
		return err
	}
	if args[0].(uint32) != dispositionSuccess {
		return ErrNoSession
	}
	// Leaving is voluntary: drop the local view without firing the lost
	// listener.
	for side := SessionSide(0); side < numSessionSides; side++ {
		if mask.has(side) {
			a.sessions.remove(id, side)
		}
	}
	return nil
}

// SetSessionListener installs listener on a session. For self-joined
// sessions the side is ambiguous and the call fails; use the side-specific
// variants.
func (a *BusAttachment) SetSessionListener(id SessionID, l SessionListener) error {
	return a.sessions.setListener(id, SessionSideMaskBoth, l)
}

// SetHostedSessionListener installs listener on the hosting side.
func (a *BusAttachment) SetHostedSessionListener(id SessionID, l SessionListener) error {
	return a.sessions.setListener(id, SessionSideMaskHost, l)
}

// SetJoinedSessionListener installs listener on the joiner side.
func (a *BusAttachment) SetJoinedSessionListener(id SessionID, l SessionListener) error {
	return a.sessions.setListener(id, SessionSideMaskJoiner, l)
}

// --- names and advertising ---

// RequestName claims a well-known name.
func (a *BusAttachment) RequestName(name string) error {
	if !IsLegalBusName(name) || strings.HasPrefix(name, ":") {
		return fmt.Errorf("%w: %q", ErrBadBusName, name)
	}
	return a.nameOp("RequestName", name, uint32(0))
}

// ReleaseName gives a well-known name back.
func (a *BusAttachment) ReleaseName(name string) error {
	return a.nameOp("ReleaseName", name)
}

// AdvertiseName makes a name discoverable. On the bundled router every
// attachment hears FoundAdvertisedName immediately.
func (a *BusAttachment) AdvertiseName(name string) error {
	return a.nameOp("AdvertiseName", name)
}

// CancelAdvertiseName withdraws an advertisement.
func (a *BusAttachment) CancelAdvertiseName(name string) error {
	return a.nameOp("CancelAdvertiseName", name)
}

func (a *BusAttachment) nameOp(method string, args ...any) error {
	busIface := a.ifaces.get(busIfaceName)
	reply, err := a.CallMethod(busServiceName, busObjectPath,
		busIface.GetMember(method), 0, args...)
	if err != nil {
		return err
	}
	out, err := reply.UnmarshalArgs("u")
	if err != nil {
		return err
	}
	switch out[0].(uint32) {
	case dispositionSuccess:
		return nil
	case dispositionNameTaken:
		return ErrNameTaken
	default:
		return ErrUnexpectedDisposition
	}
}

// --- About ---

// AnnounceAbout broadcasts an About announcement for a session port.
func (a *BusAttachment) AnnounceAbout(version uint16, port SessionPort, data any) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	msg, err := NewSignal("", "/About", aboutIfaceName, "Announce", "qqv",
		version, uint16(port), data)
	if err != nil {
		return err
	}
	return ep.send(msg)
}

// SetApplicationState broadcasts the application's state.
func (a *BusAttachment) SetApplicationState(state uint32) error {
	ep := a.endpoint()
	if ep == nil {
		return ErrBusNotConnected
	}
	msg, err := NewSignal("", "/About", appStateIface, "State", "su",
		ep.uniqueName, state)
	if err != nil {
		return err
	}
	return ep.send(msg)
}

// --- internal wiring ---

// registerPeerSessionObject installs the object that vets inbound session
// joins on the controller's behalf.
func (a *BusAttachment) registerPeerSessionObject() error {
	obj, err := NewBusObject(peerSessionPath, false)
	if err != nil {
		return err
	}
	sessionIface := a.ifaces.get(peerSessionIfaceName)
	err = obj.AddInterface(sessionIface, map[string]MethodHandler{
		"AcceptSession": a.acceptSession,
	})
	if err != nil {
		return err
	}
	return a.ep.registerObject(obj)
}

func (a *BusAttachment) acceptSession(ctx *MethodContext) {
	args, err := ctx.Args()
	if err != nil {
		ctx.ReplyError(errNamePrefix+"Failed", err.Error())
		return
	}
	port := SessionPort(args[0].(uint16))
	joiner := args[2].(string)
	opts, _ := args[3].(SessionOpts)

	a.portMu.Lock()
	listener := a.portListeners[port]
	a.portMu.Unlock()
	if listener == nil {
		ctx.Reply(false)
		return
	}
	ctx.Reply(listener.AcceptSessionJoiner(port, joiner, opts))
}

// registerBusSignalHandlers subscribes the attachment to the control
// signals the router emits: name ownership, discovery, session lifecycle,
// About, and application state. Runs once per Connect; the subscriptions
// die with the endpoint on Disconnect.
func (a *BusAttachment) registerBusSignalHandlers() {
	ep := a.ep
	bus := a.ifaces.get(busIfaceName)
	dbus := a.ifaces.get(dbusIfaceName)
	sessionIface := a.ifaces.get(peerSessionIfaceName)
	about := a.ifaces.get(aboutIfaceName)
	app := a.ifaces.get(appStateIface)

	ep.registerSignalHandler(a, dbus.GetMember("NameOwnerChanged"), "", a.onNameOwnerChanged)
	ep.registerSignalHandler(a, bus.GetMember("FoundAdvertisedName"), "", a.onFoundAdvertisedName)
	ep.registerSignalHandler(a, bus.GetMember("LostAdvertisedName"), "", a.onLostAdvertisedName)
	ep.registerSignalHandler(a, bus.GetMember("SessionLostWithReasonAndDisposition"), "", a.onSessionLost)
	ep.registerSignalHandler(a, bus.GetMember("MPSessionChangedWithReason"), "", a.onMPSessionChanged)
	ep.registerSignalHandler(a, sessionIface.GetMember("SessionJoined"), "", a.onSessionJoined)
	ep.registerSignalHandler(a, about.GetMember("Announce"), "", a.onAnnounce)
	ep.registerSignalHandler(a, app.GetMember("State"), "", a.onApplicationState)
}

func (a *BusAttachment) onNameOwnerChanged(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("sss")
	if err != nil {
		return
	}
	a.notifyBusListeners(func(l BusListener) {
		l.NameOwnerChanged(args[0].(string), args[1].(string), args[2].(string))
	})
}

func (a *BusAttachment) onFoundAdvertisedName(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("ss")
	if err != nil {
		return
	}
	a.notifyBusListeners(func(l BusListener) {
		l.FoundAdvertisedName(args[0].(string), args[1].(string))
	})
}

func (a *BusAttachment) onLostAdvertisedName(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("ss")
	if err != nil {
		return
	}
	a.notifyBusListeners(func(l BusListener) {
		l.LostAdvertisedName(args[0].(string), args[1].(string))
	})
}

// onSessionLost removes the session before invoking listeners, so each
// side's lost callback fires at most once.
func (a *BusAttachment) onSessionLost(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("uuu")
	if err != nil {
		return
	}
	id := SessionID(args[0].(uint32))
	reason := SessionLostReason(args[1].(uint32))
	for side := SessionSide(0); side < numSessionSides; side++ {
		s := a.sessions.remove(id, side)
		if s == nil {
			continue
		}
		a.metrics.SessionsLost.Add(1)
		if s.listener != nil {
			s.listener.SessionLost(id, reason)
		}
	}
}

func (a *BusAttachment) onMPSessionChanged(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("usbu")
	if err != nil {
		return
	}
	id := SessionID(args[0].(uint32))
	member := args[1].(string)
	added := args[2].(bool)
	reason := SessionMemberReason(args[3].(uint32))
	memberIsSelf := member == a.UniqueName()

	for side := SessionSide(0); side < numSessionSides; side++ {
		s := a.sessions.get(id, side)
		if s == nil || s.listener == nil {
			continue
		}
		if !deliverMemberChange(side, added, memberIsSelf, reason) {
			continue
		}
		if added {
			s.listener.SessionMemberAdded(id, member)
		} else {
			s.listener.SessionMemberRemoved(id, member)
		}
	}
}

// onSessionJoined records the hosting side of a new session and tells the
// port listener.
func (a *BusAttachment) onSessionJoined(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("qus")
	if err != nil {
		return
	}
	port := SessionPort(args[0].(uint16))
	id := SessionID(args[1].(uint32))
	joiner := args[2].(string)

	a.portMu.Lock()
	listener := a.portListeners[port]
	a.portMu.Unlock()
	if listener == nil {
		return
	}
	if a.sessions.get(id, SessionSideHost) == nil {
		a.sessions.add(&session{
			id:         id,
			port:       port,
			side:       SessionSideHost,
			otherParty: joiner,
		})
		a.metrics.SessionsJoined.Add(1)
	}
	listener.SessionJoined(port, id, joiner)
}

func (a *BusAttachment) onAnnounce(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("qqv")
	if err != nil {
		return
	}
	version := args[0].(uint16)
	port := SessionPort(args[1].(uint16))
	data := args[2]

	a.listenersMu.Lock()
	snapshot := append([]*protected[AboutListener](nil), a.aboutListeners...)
	a.listenersMu.Unlock()
	for _, w := range snapshot {
		if w.acquire() {
			w.target.Announced(msg.Sender, version, port, data)
			w.release()
		}
	}
}

func (a *BusAttachment) onApplicationState(_ *Member, _ string, msg *Message) {
	args, err := msg.UnmarshalArgs("su")
	if err != nil {
		return
	}
	a.listenersMu.Lock()
	snapshot := append([]*protected[ApplicationStateListener](nil), a.stateListeners...)
	a.listenersMu.Unlock()
	for _, w := range snapshot {
		if w.acquire() {
			w.target.State(args[0].(string), args[1].(uint32))
			w.release()
		}
	}
}
