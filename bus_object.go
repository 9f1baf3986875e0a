package alljoyn

import (
	"fmt"
	"sort"
	"sync"
)

// BusObject is an application object registered at a path. It implements
// one or more activated interfaces, binding a MethodHandler to each method
// member. Secure objects only accept encrypted calls unless the interface
// says otherwise.
type BusObject struct {
	path        string
	secure      bool
	placeholder bool

	// Optional lifecycle notifications, delivered deferred on a dispatch
	// worker after registration and unregistration respectively.
	OnRegistered   func()
	OnUnregistered func()

	mu       sync.Mutex
	ifaces   []*InterfaceDescription
	handlers map[*Member]MethodHandler
	parent   *BusObject
	children map[string]*BusObject
	endpoint *LocalEndpoint
}

// NewBusObject creates an unregistered object at path.
func NewBusObject(path string, secure bool) (*BusObject, error) {
	if !IsLegalObjectPath(path) {
		return nil, fmt.Errorf("%w: %q", ErrBadObjectPath, path)
	}
	return &BusObject{
		path:     path,
		secure:   secure,
		handlers: make(map[*Member]MethodHandler),
		children: make(map[string]*BusObject),
	}, nil
}

func newPlaceholderObject(path string, secure bool) *BusObject {
	o := &BusObject{
		path:        path,
		secure:      secure,
		placeholder: true,
		handlers:    make(map[*Member]MethodHandler),
		children:    make(map[string]*BusObject),
	}
	return o
}

// Path returns the object's registration path.
func (o *BusObject) Path() string { return o.path }

// IsSecure reports whether the object requires encrypted calls.
func (o *BusObject) IsSecure() bool { return o.secure }

// AddInterface attaches an activated interface and binds handlers for its
// method members. Every method member must have a handler. Fails once the
// object is registered.
func (o *BusObject) AddInterface(iface *InterfaceDescription, handlers map[string]MethodHandler) error {
	if !iface.isActivated() {
		return fmt.Errorf("object %s: interface %s not activated", o.path, iface.Name)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.endpoint != nil {
		return fmt.Errorf("object %s: add interface after register", o.path)
	}
	for _, existing := range o.ifaces {
		if existing == iface {
			return fmt.Errorf("object %s: interface %s already added", o.path, iface.Name)
		}
	}
	for _, m := range iface.Members() {
		if m.IsSignal {
			continue
		}
		h, ok := handlers[m.Name]
		if !ok {
			return fmt.Errorf("object %s: no handler for %s.%s", o.path, iface.Name, m.Name)
		}
		o.handlers[m] = h
	}
	o.ifaces = append(o.ifaces, iface)
	return nil
}

func (o *BusObject) interfaces() []*InterfaceDescription {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*InterfaceDescription(nil), o.ifaces...)
}

// Signal emits a signal from this object. The object must be registered.
func (o *BusObject) Signal(dest string, sessionID SessionID, member *Member, args ...any) error {
	o.mu.Lock()
	ep := o.endpoint
	o.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("object %s: not registered", o.path)
	}
	if member == nil || !member.IsSignal {
		return ErrNoSuchMember
	}
	msg, err := NewSignal(dest, o.path, member.Iface.Name, member.Name, member.Signature, args...)
	if err != nil {
		return err
	}
	msg.SessionID = sessionID
	return ep.send(msg)
}

// objectTree is the registered-object hierarchy. Registering /a/b/c first
// creates placeholder ancestors for /a and /a/b; registering a real object
// over a placeholder replaces it in place, and child links survive.
type objectTree struct {
	mu   sync.Mutex
	root *BusObject
	all  map[string]*BusObject
}

func newObjectTree() *objectTree {
	root := newPlaceholderObject("/", false)
	return &objectTree{
		root: root,
		all:  map[string]*BusObject{"/": root},
	}
}

// insert registers obj, creating placeholder ancestors as needed.
// Placeholder ancestors of a secure object are secure themselves so the
// security boundary covers the whole subtree. A placeholder at the exact
// path is replaced; a real object there is ErrObjectAlreadyExists.
func (t *objectTree) insert(obj *BusObject) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.all[obj.path]; ok {
		if !existing.placeholder {
			return fmt.Errorf("%w: %s", ErrObjectAlreadyExists, obj.path)
		}
		// Promote: the real object takes the placeholder's place and
		// adopts its children.
		obj.mu.Lock()
		obj.parent = existing.parent
		obj.children = existing.children
		obj.secure = obj.secure || existing.secure
		obj.mu.Unlock()
		for _, child := range obj.children {
			child.mu.Lock()
			child.parent = obj
			child.mu.Unlock()
		}
		if existing.parent != nil {
			existing.parent.children[lastSegment(obj.path)] = obj
		}
		t.all[obj.path] = obj
		return nil
	}

	parent := t.ensureAncestors(obj.path, obj.secure)
	obj.mu.Lock()
	obj.parent = parent
	obj.mu.Unlock()
	parent.children[lastSegment(obj.path)] = obj
	t.all[obj.path] = obj
	return nil
}

// ensureAncestors walks the path creating secure-inheriting placeholders,
// returning the immediate parent. Caller holds t.mu.
func (t *objectTree) ensureAncestors(path string, secure bool) *BusObject {
	parentPath := parentOf(path)
	if obj, ok := t.all[parentPath]; ok {
		return obj
	}
	grand := t.ensureAncestors(parentPath, secure)
	ph := newPlaceholderObject(parentPath, secure)
	ph.parent = grand
	grand.children[lastSegment(parentPath)] = ph
	t.all[parentPath] = ph
	return ph
}

// remove unregisters the object at path together with its whole subtree.
// Returns the removed non-placeholder objects, deepest first.
func (t *objectTree) remove(path string) []*BusObject {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.all[path]
	if !ok || path == "/" {
		return nil
	}
	var removed []*BusObject
	t.removeSubtree(obj, &removed)
	if obj.parent != nil {
		delete(obj.parent.children, lastSegment(path))
	}
	// Prune placeholder ancestors left childless.
	for p := obj.parent; p != nil && p.placeholder && len(p.children) == 0 && p.path != "/"; {
		next := p.parent
		delete(t.all, p.path)
		if next != nil {
			delete(next.children, lastSegment(p.path))
		}
		p = next
	}
	return removed
}

func (t *objectTree) removeSubtree(obj *BusObject, removed *[]*BusObject) {
	for _, child := range obj.children {
		t.removeSubtree(child, removed)
	}
	delete(t.all, obj.path)
	if !obj.placeholder {
		*removed = append(*removed, obj)
	}
}

func (t *objectTree) get(path string) *BusObject {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.all[path]
}

// paths returns the registered non-placeholder paths, sorted.
func (t *objectTree) paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for p, obj := range t.all {
		if !obj.placeholder {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func parentOf(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
