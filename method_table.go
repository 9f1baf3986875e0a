package alljoyn

import "sync"

// MethodHandler handles one inbound method call. The handler replies via
// ctx.Reply or ctx.ReplyError; returning without replying is legal only
// for calls flagged no-reply-expected.
type MethodHandler func(ctx *MethodContext)

type methodKey struct {
	path   string
	iface  string
	member string
}

type methodEntry struct {
	object  *BusObject
	member  *Member
	handler MethodHandler
}

// methodTable maps (path, interface, member) to a handler. Lookups with an
// empty interface fall back to matching the member name alone, mirroring
// calls that omit the interface header.
type methodTable struct {
	mu      sync.RWMutex
	entries map[methodKey]*methodEntry
}

func newMethodTable() *methodTable {
	return &methodTable{entries: make(map[methodKey]*methodEntry)}
}

func (t *methodTable) add(obj *BusObject, m *Member, h MethodHandler) {
	e := &methodEntry{object: obj, member: m, handler: h}
	t.mu.Lock()
	t.entries[methodKey{obj.path, m.Iface.Name, m.Name}] = e
	// Interface-less lookup key. Last registration wins, as with the
	// wire protocol's optional interface header.
	t.entries[methodKey{obj.path, "", m.Name}] = e
	t.mu.Unlock()
}

func (t *methodTable) find(path, iface, member string) *methodEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[methodKey{path, iface, member}]
}

// removeObject drops every entry registered by obj.
func (t *methodTable) removeObject(obj *BusObject) {
	t.mu.Lock()
	for k, e := range t.entries {
		if e.object == obj {
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
}

func (t *methodTable) hasInterface(path, iface string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k := range t.entries {
		if k.path == path && k.iface == iface {
			return true
		}
	}
	return false
}

func (t *methodTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
