package alljoyn

import (
	"sync"
	"sync/atomic"
)

// MessageReceiver identifies the owner of signal handlers and reply
// handlers. Any comparable pointer works; the dispatch core uses it for
// unregistration and for the active-handler deadlock check. Pointers to
// zero-size values are not usable as identities: the runtime gives them
// all the same address.
type MessageReceiver any

// callReceiver is a freestanding receiver identity for callers with no
// natural owner object. The field keeps the allocation non-zero-size so
// every instance has a distinct address.
type callReceiver struct{ _ byte }

func newCallReceiver() *callReceiver { return &callReceiver{} }

// SignalHandler handles one inbound signal.
type SignalHandler func(member *Member, srcPath string, msg *Message)

type signalEntry struct {
	seq      uint64
	receiver MessageReceiver
	handler  SignalHandler
	member   *Member
	rule     matchRule
}

func (e *signalEntry) matches(msg *Message) bool {
	if e.member.Iface.Name != msg.Iface || e.member.Name != msg.Member {
		return false
	}
	return e.rule.matches(msg)
}

// signalTable holds signal subscriptions in registration order. Delivery
// iterates a snapshot so handlers registered or removed mid-delivery do
// not affect the in-flight signal.
type signalTable struct {
	mu      sync.Mutex
	entries []*signalEntry
	seq     atomic.Uint64
}

func newSignalTable() *signalTable {
	return &signalTable{}
}

func (t *signalTable) add(receiver MessageReceiver, member *Member, rule matchRule, h SignalHandler) {
	e := &signalEntry{
		seq:      t.seq.Add(1),
		receiver: receiver,
		handler:  h,
		member:   member,
		rule:     rule,
	}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
}

// remove drops the subscriptions of receiver for member, narrowed to rule
// when exact is true. Returns how many were removed.
func (t *signalTable) remove(receiver MessageReceiver, member *Member, rule matchRule, exact bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.receiver == receiver && e.member == member &&
			(!exact || e.rule.String() == rule.String()) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	return removed
}

// removeReceiver drops every subscription owned by receiver.
func (t *signalTable) removeReceiver(receiver MessageReceiver) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.receiver == receiver {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	return removed
}

// matching returns the entries that accept msg, as a copy, in registration
// order.
func (t *signalTable) matching(msg *Message) []*signalEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*signalEntry
	for _, e := range t.entries {
		if e.matches(msg) {
			out = append(out, e)
		}
	}
	return out
}

func (t *signalTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
