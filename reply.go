package alljoyn

import (
	"sync"
	"time"
)

// DefaultReplyTimeout bounds a method call when the caller passes zero.
const DefaultReplyTimeout = 25 * time.Second

// ReplyHandler receives the reply for an outstanding method call: a method
// return, a remote error, or a locally synthesized timeout or shutdown
// error.
type ReplyHandler func(reply *Message, userCtx any)

// replyContext is one outstanding method call awaiting its reply.
type replyContext struct {
	receiver MessageReceiver
	handler  ReplyHandler
	method   *Member
	serial   uint32
	flags    MsgFlags
	timeout  time.Duration
	userCtx  any
	paused   bool
}

// replyRegistry maps call serials to reply contexts and owns their
// deadlines. A context is removed exactly once: by the matching reply, by
// timeout, by receiver unregistration, or by shutdown. Expiry does not
// invoke handlers itself; expired serials go back through the endpoint's
// normal reply path as synthesized error messages.
type replyRegistry struct {
	mu    sync.Mutex
	m     map[uint32]*replyContext
	timer *replyTimer
}

func newReplyRegistry(expire func(serial uint32)) *replyRegistry {
	return &replyRegistry{
		m:     make(map[uint32]*replyContext),
		timer: newReplyTimer(expire),
	}
}

func (r *replyRegistry) add(rc *replyContext) {
	if rc.timeout <= 0 {
		rc.timeout = DefaultReplyTimeout
	}
	r.mu.Lock()
	r.m[rc.serial] = rc
	r.mu.Unlock()
	r.timer.set(rc.serial, time.Now().Add(rc.timeout))
}

// remove takes the context out of the registry, or nil if the serial is
// unknown. The caller invokes the handler after removal so it fires at
// most once.
func (r *replyRegistry) remove(serial uint32) *replyContext {
	r.mu.Lock()
	rc := r.m[serial]
	if rc != nil {
		delete(r.m, serial)
	}
	r.mu.Unlock()
	if rc != nil {
		r.timer.cancel(serial)
	}
	return rc
}

// pause disarms the deadline while the caller does slow work on the
// call's behalf, typically an authentication handshake.
func (r *replyRegistry) pause(serial uint32) bool {
	r.mu.Lock()
	rc := r.m[serial]
	if rc != nil {
		rc.paused = true
	}
	r.mu.Unlock()
	if rc == nil {
		return false
	}
	r.timer.cancel(serial)
	return true
}

// resume re-arms the deadline with the context's original timeout, giving
// the call its full window again.
func (r *replyRegistry) resume(serial uint32) bool {
	r.mu.Lock()
	rc := r.m[serial]
	if rc != nil {
		rc.paused = false
	}
	r.mu.Unlock()
	if rc == nil {
		return false
	}
	r.timer.set(serial, time.Now().Add(rc.timeout))
	return true
}

// rekey moves a context to a new serial after a queued call was assigned a
// fresh serial number.
func (r *replyRegistry) rekey(oldSerial, newSerial uint32) bool {
	r.mu.Lock()
	rc := r.m[oldSerial]
	if rc != nil {
		delete(r.m, oldSerial)
		rc.serial = newSerial
		r.m[newSerial] = rc
	}
	r.mu.Unlock()
	if rc == nil {
		return false
	}
	r.timer.rekey(oldSerial, newSerial)
	return true
}

// removeReceiver drops every context owned by receiver, returning the
// removed serials.
func (r *replyRegistry) removeReceiver(receiver MessageReceiver) []uint32 {
	var serials []uint32
	r.mu.Lock()
	for serial, rc := range r.m {
		if rc.receiver == receiver {
			delete(r.m, serial)
			serials = append(serials, serial)
		}
	}
	r.mu.Unlock()
	for _, s := range serials {
		r.timer.cancel(s)
	}
	return serials
}

// drain empties the registry and stops the timer, returning the remaining
// contexts. Used at shutdown; the endpoint fails each one inline.
func (r *replyRegistry) drain() []*replyContext {
	r.timer.stop()
	r.mu.Lock()
	out := make([]*replyContext, 0, len(r.m))
	for _, rc := range r.m {
		out = append(out, rc)
	}
	r.m = make(map[uint32]*replyContext)
	r.mu.Unlock()
	return out
}

func (r *replyRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
