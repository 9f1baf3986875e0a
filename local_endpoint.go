package alljoyn

// The local endpoint is the attachment's own presence on the bus: the
// place where inbound messages become handler invocations and outbound
// method calls grow reply contexts. Everything user-visible funnels
// through here.
//
// Threading model. Inbound messages normally queue on the dispatcher and
// a worker invokes the handler. Two callers bypass the queue and process
// synchronously instead: a dispatch worker itself (a handler sending to a
// local destination, which would otherwise deadlock on a full queue and
// would reorder its own traffic), and the reply timer (its synthesized
// timeout errors take the same path as real replies without an extra
// hop). The fast path is safe because processing never blocks on the
// queue.
//
// Handler lifetime. Every handler invocation is bracketed by
// enterHandler/exitHandler against an active-handler table keyed by
// (receiver, goroutine id). Unregistration drains through that table:
// okToUnregister refuses when the calling goroutine is itself inside one
// of the receiver's handlers (guaranteed deadlock), otherwise it marks
// the receiver unregistering, which makes new invocations skip it, and
// waits on a condvar until in-flight invocations finish.
//
// Reply lifetime. A reply context is registered before its call is sent
// and removed exactly once: by the matching reply, by the reply timer
// (synthesizing a timeout error back through the reply path), by
// receiver unregistration, or by shutdown, which fails the leftovers
// inline with an exiting error.

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SecurityViolationHandler is notified when an inbound message fails a
// security check, in addition to the normal error reply. Violations can
// indicate an active attack, so they get their own channel to the
// application.
type SecurityViolationHandler interface {
	SecurityViolation(err error, msg *Message)
}

// LocalEndpoint dispatches inbound messages to registered objects and
// handlers, and tracks outbound method calls until their replies arrive.
type LocalEndpoint struct {
	uniqueName string
	machineID  string

	running atomic.Bool
	serial  atomic.Uint32

	out func(*Message) error

	methods *methodTable
	signals *signalTable
	replies *replyRegistry
	objects *objectTree
	disp    *dispatcher
	metrics *busMetrics

	handlerMu      sync.Mutex
	handlerCond    *sync.Cond
	activeHandlers map[MessageReceiver]map[uint64]int
	unregistering  map[MessageReceiver]struct{}

	violationMu      sync.Mutex
	violationHandler SecurityViolationHandler

	regMu        sync.Mutex
	pendingRegs  []func()
	drainTimeout time.Duration
	joinOnce     sync.Once
}

func newLocalEndpoint(uniqueName, machineID string, workers, queueDepth int, drainTimeout time.Duration, metrics *busMetrics) *LocalEndpoint {
	e := &LocalEndpoint{
		uniqueName:     uniqueName,
		machineID:      machineID,
		methods:        newMethodTable(),
		signals:        newSignalTable(),
		objects:        newObjectTree(),
		metrics:        metrics,
		activeHandlers: make(map[MessageReceiver]map[uint64]int),
		unregistering:  make(map[MessageReceiver]struct{}),
		drainTimeout:   drainTimeout,
	}
	e.handlerCond = sync.NewCond(&e.handlerMu)
	e.replies = newReplyRegistry(e.replyExpired)
	e.disp = newDispatcher(workers, queueDepth, e.doPushMessage)
	return e
}

// UniqueName returns the endpoint's unique bus name.
func (e *LocalEndpoint) UniqueName() string { return e.uniqueName }

func (e *LocalEndpoint) start(out func(*Message) error) {
	e.out = out
	e.running.Store(true)
}

// join shuts the endpoint down: stop accepting, drain the dispatcher,
// then fail every outstanding call with an exiting error. The failures
// run inline because the dispatcher is already gone, and they must not
// block shutdown.
func (e *LocalEndpoint) join() {
	e.joinOnce.Do(func() {
		e.running.Store(false)
		e.disp.stop(e.drainTimeout)
		for _, rc := range e.replies.drain() {
			msg := errorMsgForSerial(e.uniqueName, rc.serial,
				errNameExiting, "Endpoint is exiting")
			e.invokeReplyHandler(rc, msg)
		}
	})
}

func (e *LocalEndpoint) nextSerial() uint32 {
	for {
		s := e.serial.Add(1)
		if s != 0 {
			return s
		}
	}
}

// send stamps and routes an outbound message.
func (e *LocalEndpoint) send(msg *Message) error {
	if !e.running.Load() {
		return ErrBusStopping
	}
	if msg.Sender == "" {
		msg.Sender = e.uniqueName
	}
	if msg.Serial == 0 {
		msg.Serial = e.nextSerial()
	}
	e.metrics.MessagesSent.Add(1)
	return e.out(msg)
}

// PushMessage delivers an inbound message. Calls from a dispatch worker
// process synchronously; everything else queues.
func (e *LocalEndpoint) PushMessage(msg *Message) error {
	if !e.running.Load() {
		return ErrBusStopping
	}
	e.metrics.MessagesReceived.Add(1)
	if e.disp.isDispatchGoroutine() {
		e.doPushMessage(msg)
		return nil
	}
	return e.disp.push(msg)
}

func (e *LocalEndpoint) doPushMessage(msg *Message) {
	switch msg.Type {
	case MsgMethodCall:
		e.handleMethodCall(msg)
	case MsgSignal:
		e.handleSignal(msg)
	case MsgMethodReturn, MsgError:
		e.handleMethodReply(msg)
	default:
		slog.Warn("endpoint: dropping message with invalid type",
			"endpoint", e.uniqueName, "msg", msg.Description())
	}
}

// --- method calls ---

func (e *LocalEndpoint) handleMethodCall(msg *Message) {
	e.metrics.MethodCallsReceived.Add(1)

	// Peer interface fast path: answered without a registered object.
	if msg.Iface == peerIfaceName {
		e.handlePeerCall(msg)
		return
	}

	entry := e.methods.find(msg.Path, msg.Iface, msg.Member)
	if entry == nil {
		e.rejectMethodCall(msg, e.diagnose(msg))
		return
	}
	if err := e.checkSecurity(entry, msg); err != nil {
		e.rejectMethodCall(msg, err)
		return
	}

	if !e.enterHandler(entry.object) {
		// Object is being unregistered; treat like a miss.
		e.rejectMethodCall(msg, ErrNoSuchObject)
		return
	}
	defer e.exitHandler(entry.object)

	ctx := &MethodContext{
		Message:  msg,
		Object:   entry.object,
		Member:   entry.member,
		endpoint: e,
	}
	entry.handler(ctx)
	if !ctx.replied && msg.Flags&FlagNoReplyExpected == 0 {
		slog.Warn("endpoint: method handler returned without replying",
			"endpoint", e.uniqueName, "msg", msg.Description())
	}
}

// diagnose works out why a method call missed the table.
func (e *LocalEndpoint) diagnose(msg *Message) error {
	obj := e.objects.get(msg.Path)
	if obj == nil || obj.placeholder {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, msg.Path)
	}
	if msg.Iface != "" && !e.methods.hasInterface(msg.Path, msg.Iface) {
		return fmt.Errorf("%w: %s at %s", ErrNoSuchInterface, msg.Iface, msg.Path)
	}
	return fmt.Errorf("%w: %s.%s at %s", ErrNoSuchMember, msg.Iface, msg.Member, msg.Path)
}

// checkSecurity enforces the object/interface encryption policy.
func (e *LocalEndpoint) checkSecurity(entry *methodEntry, msg *Message) error {
	required := false
	switch entry.member.Iface.Security {
	case SecurityRequired:
		required = true
	case SecurityOff:
		required = false
	default:
		required = entry.object.IsSecure()
	}
	if required && msg.Flags&FlagEncrypted == 0 {
		return ErrMessageNotEncrypted
	}
	return nil
}

// rejectMethodCall converts a rejection into an error reply, or just a log
// line when the caller asked for no reply. Security failures also hit the
// violation hook.
func (e *LocalEndpoint) rejectMethodCall(msg *Message, err error) {
	if isSecurityError(err) {
		e.metrics.SecurityViolations.Add(1)
		e.notifySecurityViolation(err, msg)
	}
	if msg.Flags&FlagNoReplyExpected != 0 {
		slog.Debug("endpoint: dropping failed no-reply call",
			"endpoint", e.uniqueName, "msg", msg.Description(), "error", err)
		return
	}
	name, description := rejectionFor(err, err.Error())
	if sendErr := e.send(msg.ErrorMsg(name, description)); sendErr != nil {
		slog.Warn("endpoint: failed to send error reply",
			"endpoint", e.uniqueName, "error", sendErr)
	}
}

func (e *LocalEndpoint) handlePeerCall(msg *Message) {
	switch msg.Member {
	case "Ping":
		reply, _ := msg.ReplyMsg("")
		e.send(reply)
	case "GetMachineId":
		reply, err := msg.ReplyMsg("s", e.machineID)
		if err == nil {
			e.send(reply)
		}
	default:
		e.rejectMethodCall(msg, fmt.Errorf("%w: %s.%s", ErrNoSuchMember, peerIfaceName, msg.Member))
	}
}

// --- signals ---

func (e *LocalEndpoint) handleSignal(msg *Message) {
	e.metrics.SignalsReceived.Add(1)
	entries := e.signals.matching(msg)
	if len(entries) == 0 {
		return
	}
	// Decode once against the member signature; every matching entry
	// shares the member.
	if _, err := msg.UnmarshalArgs(entries[0].member.Signature); err != nil {
		slog.Warn("endpoint: dropping signal with bad payload",
			"endpoint", e.uniqueName, "msg", msg.Description(), "error", err)
		return
	}
	for _, entry := range entries {
		if !e.enterHandler(entry.receiver) {
			continue
		}
		entry.handler(entry.member, msg.Path, msg)
		e.exitHandler(entry.receiver)
	}
}

// --- method replies ---

func (e *LocalEndpoint) handleMethodReply(msg *Message) {
	rc := e.replies.remove(msg.ReplySerial)
	if rc == nil {
		e.metrics.UnmatchedReplies.Add(1)
		slog.Warn("endpoint: dropping reply",
			"endpoint", e.uniqueName, "msg", msg.Description(),
			"error", ErrUnmatchedReply)
		return
	}
	// An encrypted call must not be answered in the clear; a downgraded
	// reply is replaced by a security violation.
	if rc.flags&FlagEncrypted != 0 && msg.Flags&FlagEncrypted == 0 && msg.Type == MsgMethodReturn {
		e.metrics.SecurityViolations.Add(1)
		e.notifySecurityViolation(ErrMessageNotEncrypted, msg)
		msg = errorMsgForSerial(e.uniqueName, rc.serial,
			errNameSecurityViolation, "Reply was not encrypted")
	}
	// A method return must carry the member's declared return signature;
	// anything else is replaced by a synthesized error before the handler
	// sees it.
	if msg.Type == MsgMethodReturn && rc.method != nil && msg.Signature != rc.method.ReturnSignature {
		slog.Warn("endpoint: reply signature mismatch",
			"endpoint", e.uniqueName, "msg", msg.Description(),
			"got", msg.Signature, "want", rc.method.ReturnSignature)
		msg = errorMsgForSerial(e.uniqueName, rc.serial,
			errNamePrefix+"Failed", ErrSignatureMismatch.Error())
	}
	if msg.ErrorName == errNameTimeout {
		e.metrics.ReplyTimeouts.Add(1)
	}
	e.invokeReplyHandler(rc, msg)
}

func (e *LocalEndpoint) invokeReplyHandler(rc *replyContext, msg *Message) {
	if !e.enterHandler(rc.receiver) {
		return
	}
	rc.handler(msg, rc.userCtx)
	e.exitHandler(rc.receiver)
}

// replyExpired runs on the reply timer goroutine. The synthesized timeout
// error takes the normal reply path; the registry entry is still present
// and handleMethodReply removes it.
func (e *LocalEndpoint) replyExpired(serial uint32) {
	msg := errorMsgForSerial(e.uniqueName, serial, errNameTimeout, "No reply received")
	e.doPushMessage(msg)
}

// methodCall sends a method call and registers its reply context. The
// context is registered before the send so a same-goroutine reply on the
// fast path always finds it.
func (e *LocalEndpoint) methodCall(receiver MessageReceiver, msg *Message, handler ReplyHandler, userCtx any, timeout time.Duration, member *Member) error {
	if !e.running.Load() {
		return ErrBusStopping
	}
	msg.Serial = e.nextSerial()
	e.metrics.MethodCallsSent.Add(1)
	if msg.Flags&FlagNoReplyExpected != 0 || handler == nil {
		msg.Flags |= FlagNoReplyExpected
		return e.send(msg)
	}
	rc := &replyContext{
		receiver: receiver,
		handler:  handler,
		method:   member,
		serial:   msg.Serial,
		flags:    msg.Flags,
		timeout:  timeout,
		userCtx:  userCtx,
	}
	e.replies.add(rc)
	if err := e.send(msg); err != nil {
		e.replies.remove(rc.serial)
		return err
	}
	return nil
}

// pauseReplyTimeout disarms the deadline for an outstanding call.
func (e *LocalEndpoint) pauseReplyTimeout(serial uint32) bool {
	return e.replies.pause(serial)
}

// resumeReplyTimeout re-arms an outstanding call with its original
// timeout.
func (e *LocalEndpoint) resumeReplyTimeout(serial uint32) bool {
	return e.replies.resume(serial)
}

// UpdateSerialNumber re-stamps a message that sat in a transport queue
// long enough for its serial to go stale, rekeying the pending reply
// context of a method call so the eventual reply still finds it.
func (e *LocalEndpoint) UpdateSerialNumber(msg *Message) {
	oldSerial := msg.Serial
	msg.Serial = e.nextSerial()
	if msg.Type == MsgMethodCall && msg.Flags&FlagNoReplyExpected == 0 {
		e.replies.rekey(oldSerial, msg.Serial)
	}
}

// --- handler bookkeeping ---

// enterHandler records that the current goroutine is about to invoke one
// of receiver's handlers. Returns false if the receiver is unregistering,
// in which case the invocation is skipped.
func (e *LocalEndpoint) enterHandler(receiver MessageReceiver) bool {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	if _, ok := e.unregistering[receiver]; ok {
		return false
	}
	m := e.activeHandlers[receiver]
	if m == nil {
		m = make(map[uint64]int)
		e.activeHandlers[receiver] = m
	}
	m[goid()]++
	return true
}

func (e *LocalEndpoint) exitHandler(receiver MessageReceiver) {
	e.handlerMu.Lock()
	m := e.activeHandlers[receiver]
	if m != nil {
		id := goid()
		if m[id] > 1 {
			m[id]--
		} else {
			delete(m, id)
		}
		if len(m) == 0 {
			delete(e.activeHandlers, receiver)
			e.handlerCond.Broadcast()
		}
	}
	e.handlerMu.Unlock()
}

// okToUnregister begins a two-phase unregistration of receiver. It fails
// with ErrDeadlock when called from inside one of receiver's own
// handlers, otherwise it blocks until every in-flight handler of the
// receiver has returned. The caller must finish with unregisterComplete.
func (e *LocalEndpoint) okToUnregister(receiver MessageReceiver) error {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	if m := e.activeHandlers[receiver]; m != nil && m[goid()] > 0 {
		return ErrDeadlock
	}
	e.unregistering[receiver] = struct{}{}
	for len(e.activeHandlers[receiver]) > 0 {
		e.handlerCond.Wait()
	}
	return nil
}

func (e *LocalEndpoint) unregisterComplete(receiver MessageReceiver) {
	e.handlerMu.Lock()
	delete(e.unregistering, receiver)
	e.handlerMu.Unlock()
}

// --- object registration ---

// registerObject inserts obj into the object tree and populates the
// method table. The registered notification runs deferred on a dispatch
// worker, after any traffic already queued for the object.
func (e *LocalEndpoint) registerObject(obj *BusObject) error {
	obj.mu.Lock()
	if obj.endpoint != nil {
		obj.mu.Unlock()
		return fmt.Errorf("object %s: already registered", obj.path)
	}
	obj.endpoint = e
	obj.mu.Unlock()

	if err := e.objects.insert(obj); err != nil {
		obj.mu.Lock()
		obj.endpoint = nil
		obj.mu.Unlock()
		return err
	}
	for _, iface := range obj.interfaces() {
		for _, m := range iface.Members() {
			if m.IsSignal {
				continue
			}
			e.methods.add(obj, m, obj.handlers[m])
		}
	}
	e.metrics.ObjectsRegistered.Add(1)
	if obj.OnRegistered != nil {
		e.queueRegistrationCallback(obj.OnRegistered)
	}
	return nil
}

// unregisterObject removes the object at path and its whole subtree,
// draining in-flight method calls per object. Self-unregistration from a
// handler is refused.
func (e *LocalEndpoint) unregisterObject(path string) error {
	// Deadlock check before touching the tree, so a refused call leaves
	// everything registered.
	obj := e.objects.get(path)
	if obj == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchObject, path)
	}
	e.handlerMu.Lock()
	if m := e.activeHandlers[obj]; m != nil && m[goid()] > 0 {
		e.handlerMu.Unlock()
		return ErrDeadlock
	}
	e.handlerMu.Unlock()

	removed := e.objects.remove(path)
	for _, o := range removed {
		if err := e.okToUnregister(o); err != nil {
			// Subtree child handler running on this goroutine; the
			// object is already out of the tree, so just skip the
			// drain.
			slog.Warn("endpoint: skipping unregister drain",
				"endpoint", e.uniqueName, "path", o.path, "error", err)
		}
		e.methods.removeObject(o)
		e.unregisterComplete(o)
		o.mu.Lock()
		o.endpoint = nil
		cb := o.OnUnregistered
		o.mu.Unlock()
		if cb != nil {
			e.queueRegistrationCallback(cb)
		}
		e.metrics.ObjectsRegistered.Add(-1)
	}
	return nil
}

func (e *LocalEndpoint) queueRegistrationCallback(cb func()) {
	e.regMu.Lock()
	e.pendingRegs = append(e.pendingRegs, cb)
	e.regMu.Unlock()
	e.disp.triggerRegistrationWork(e.runRegistrationCallbacks)
}

func (e *LocalEndpoint) runRegistrationCallbacks() {
	for {
		e.regMu.Lock()
		if len(e.pendingRegs) == 0 {
			e.regMu.Unlock()
			return
		}
		cb := e.pendingRegs[0]
		e.pendingRegs = e.pendingRegs[1:]
		e.regMu.Unlock()
		cb()
	}
}

// --- signal handlers ---

func (e *LocalEndpoint) registerSignalHandler(receiver MessageReceiver, member *Member, rule string, handler SignalHandler) error {
	if member == nil || !member.IsSignal {
		return ErrNoSuchMember
	}
	r, err := parseMatchRule(rule)
	if err != nil {
		return err
	}
	e.signals.add(receiver, member, r, handler)
	return nil
}

func (e *LocalEndpoint) unregisterSignalHandler(receiver MessageReceiver, member *Member, rule string) error {
	r, err := parseMatchRule(rule)
	if err != nil {
		return err
	}
	if err := e.okToUnregister(receiver); err != nil {
		return err
	}
	e.signals.remove(receiver, member, r, rule != "")
	e.unregisterComplete(receiver)
	return nil
}

// unregisterAllHandlers removes receiver's signal subscriptions and its
// outstanding reply contexts in one two-phase pass. The dropped calls
// never see a reply.
func (e *LocalEndpoint) unregisterAllHandlers(receiver MessageReceiver) error {
	if err := e.okToUnregister(receiver); err != nil {
		return err
	}
	e.signals.removeReceiver(receiver)
	e.replies.removeReceiver(receiver)
	e.unregisterComplete(receiver)
	return nil
}

// --- misc ---

// SetSecurityViolationHandler installs the hook for security failures.
func (e *LocalEndpoint) SetSecurityViolationHandler(h SecurityViolationHandler) {
	e.violationMu.Lock()
	e.violationHandler = h
	e.violationMu.Unlock()
}

func (e *LocalEndpoint) notifySecurityViolation(err error, msg *Message) {
	e.violationMu.Lock()
	h := e.violationHandler
	e.violationMu.Unlock()
	if h != nil {
		h.SecurityViolation(err, msg)
	}
	if errors.Is(err, ErrMessageNotEncrypted) {
		slog.Warn("endpoint: security violation",
			"endpoint", e.uniqueName, "msg", msg.Description(), "error", err)
	}
}
