package alljoyn

import (
	"fmt"
	"sync"
)

// SecurityPolicy controls whether method calls to an interface must arrive
// encrypted.
type SecurityPolicy uint8

const (
	// SecurityInherit defers to the bus object's own secure flag.
	SecurityInherit SecurityPolicy = iota
	// SecurityRequired rejects unencrypted calls regardless of the object.
	SecurityRequired
	// SecurityOff accepts unencrypted calls regardless of the object.
	SecurityOff
)

// Member describes one method or signal of an interface.
type Member struct {
	Iface           *InterfaceDescription
	Name            string
	IsSignal        bool
	Signature       string
	ReturnSignature string
}

// InterfaceDescription is a named set of members. Descriptions are built
// member by member and then activated; an activated description is
// immutable and safe for concurrent lookup.
type InterfaceDescription struct {
	Name     string
	Security SecurityPolicy

	mu        sync.Mutex
	members   map[string]*Member
	activated bool
}

func newInterfaceDescription(name string, security SecurityPolicy) *InterfaceDescription {
	return &InterfaceDescription{
		Name:     name,
		Security: security,
		members:  make(map[string]*Member),
	}
}

// AddMethod adds a method member. Fails after Activate.
func (d *InterfaceDescription) AddMethod(name, signature, returnSignature string) error {
	return d.addMember(name, signature, returnSignature, false)
}

// AddSignal adds a signal member. Fails after Activate.
func (d *InterfaceDescription) AddSignal(name, signature string) error {
	return d.addMember(name, signature, "", true)
}

func (d *InterfaceDescription) addMember(name, signature, returnSignature string, isSignal bool) error {
	if !IsLegalMemberName(name) {
		return fmt.Errorf("%w: %q", ErrBadMemberName, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activated {
		return fmt.Errorf("interface %s: add member after activate", d.Name)
	}
	if _, ok := d.members[name]; ok {
		return fmt.Errorf("interface %s: member %s already defined", d.Name, name)
	}
	d.members[name] = &Member{
		Iface:           d,
		Name:            name,
		IsSignal:        isSignal,
		Signature:       signature,
		ReturnSignature: returnSignature,
	}
	return nil
}

// Activate freezes the description. Objects can only implement activated
// interfaces.
func (d *InterfaceDescription) Activate() {
	d.mu.Lock()
	d.activated = true
	d.mu.Unlock()
}

func (d *InterfaceDescription) isActivated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activated
}

// GetMember looks up a member by name, or nil.
func (d *InterfaceDescription) GetMember(name string) *Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[name]
}

// Members returns the member set as a snapshot slice.
func (d *InterfaceDescription) Members() []*Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Member, 0, len(d.members))
	for _, m := range d.members {
		out = append(out, m)
	}
	return out
}

// interfaceRegistry is the per-attachment interface table.
type interfaceRegistry struct {
	mu     sync.RWMutex
	ifaces map[string]*InterfaceDescription
}

func newInterfaceRegistry() *interfaceRegistry {
	return &interfaceRegistry{ifaces: make(map[string]*InterfaceDescription)}
}

func (r *interfaceRegistry) create(name string, security SecurityPolicy) (*InterfaceDescription, error) {
	if !IsLegalInterfaceName(name) {
		return nil, fmt.Errorf("%w: %q", ErrBadInterfaceName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ifaces[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIfaceAlreadyExists, name)
	}
	d := newInterfaceDescription(name, security)
	r.ifaces[name] = d
	return d, nil
}

func (r *interfaceRegistry) get(name string) *InterfaceDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ifaces[name]
}
