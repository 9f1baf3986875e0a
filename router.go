package alljoyn

// The local router is the in-process bundled daemon: every attachment
// that connects with the "null:" spec registers an endpoint here and all
// routing happens by direct delivery, no wire involved. One router per
// process is the normal arrangement; tests create private routers to get
// isolated buses.

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Endpoint is anything the router can deliver messages to.
type Endpoint interface {
	UniqueName() string
	PushMessage(*Message) error
}

// LocalRouter routes messages between in-process endpoints by unique or
// well-known name. It owns the bus GUID from which unique names derive,
// the name and advertisement tables, and the bus controller that services
// org.alljoyn.Bus method calls.
type LocalRouter struct {
	guid    string
	shortID string
	nameSeq atomic.Uint32

	mu         sync.RWMutex
	endpoints  map[string]Endpoint
	names      map[string]string // well-known name -> unique name
	advertised map[string]string // advertised name -> unique name

	controller *busController
}

var (
	bundledRouterOnce sync.Once
	bundledRouter     *LocalRouter
)

// BundledRouter returns the process-wide router, creating it on first
// use.
func BundledRouter() *LocalRouter {
	bundledRouterOnce.Do(func() {
		bundledRouter = NewLocalRouter()
	})
	return bundledRouter
}

// NewLocalRouter creates an isolated router with its own bus controller.
func NewLocalRouter() *LocalRouter {
	id := uuid.NewString()
	r := &LocalRouter{
		guid:       id,
		shortID:    strings.ReplaceAll(id, "-", "")[:8],
		endpoints:  make(map[string]Endpoint),
		names:      make(map[string]string),
		advertised: make(map[string]string),
	}
	r.controller = newBusController(r)
	r.controller.start()
	return r
}

// GUID returns the router's bus GUID.
func (r *LocalRouter) GUID() string { return r.guid }

// generateUniqueName mints the next unique name, ":<guid8>.<n>".
func (r *LocalRouter) generateUniqueName() string {
	return fmt.Sprintf(":%s.%d", r.shortID, r.nameSeq.Add(1))
}

// register adds an endpoint to the routing table and announces its unique
// name.
func (r *LocalRouter) register(ep Endpoint) {
	name := ep.UniqueName()
	r.mu.Lock()
	r.endpoints[name] = ep
	r.mu.Unlock()
	r.controller.nameOwnerChanged(name, "", name)
}

// unregister detaches an endpoint: its well-known names and
// advertisements are released and any sessions it was part of are torn
// down.
func (r *LocalRouter) unregister(name string) {
	r.mu.Lock()
	delete(r.endpoints, name)
	var released, lost []string
	for wkn, owner := range r.names {
		if owner == name {
			delete(r.names, wkn)
			released = append(released, wkn)
		}
	}
	for adv, owner := range r.advertised {
		if owner == name {
			delete(r.advertised, adv)
			lost = append(lost, adv)
		}
	}
	r.mu.Unlock()

	for _, wkn := range released {
		r.controller.nameOwnerChanged(wkn, name, "")
	}
	for _, adv := range lost {
		r.controller.advertisementLost(adv)
	}
	r.controller.nameOwnerChanged(name, name, "")
	r.controller.endpointGone(name)
}

// resolve maps a destination to an endpoint.
func (r *LocalRouter) resolve(dest string) Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.endpoints[dest]; ok {
		return ep
	}
	if unique, ok := r.names[dest]; ok {
		return r.endpoints[unique]
	}
	return nil
}

// uniqueNameOf maps a bus name to the owning unique name, or "".
func (r *LocalRouter) uniqueNameOf(dest string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.endpoints[dest]; ok {
		return dest
	}
	return r.names[dest]
}

// route delivers msg. Broadcast signals go to every endpoint; a missed
// destination bounces a ServiceUnknown error back to the sender when a
// reply is expected, and is dropped otherwise.
func (r *LocalRouter) route(msg *Message) error {
	if msg.Type == MsgSignal && msg.Destination == "" {
		r.mu.RLock()
		eps := make([]Endpoint, 0, len(r.endpoints))
		for _, ep := range r.endpoints {
			eps = append(eps, ep)
		}
		r.mu.RUnlock()
		for _, ep := range eps {
			if err := ep.PushMessage(msg); err != nil {
				slog.Debug("router: broadcast delivery failed",
					"dest", ep.UniqueName(), "error", err)
			}
		}
		return nil
	}

	ep := r.resolve(msg.Destination)
	if ep == nil {
		return r.bounce(msg)
	}
	if err := ep.PushMessage(msg); err != nil {
		// Endpoint refused (stopping); treat like an unknown service.
		return r.bounce(msg)
	}
	return nil
}

func (r *LocalRouter) bounce(msg *Message) error {
	if msg.Type == MsgMethodCall && msg.Flags&FlagNoReplyExpected == 0 {
		if sender := r.resolve(msg.Sender); sender != nil {
			bounceMsg := msg.ErrorMsg(errNameServiceUnknown,
				fmt.Sprintf("no endpoint owns %q", msg.Destination))
			bounceMsg.Sender = msg.Destination
			bounceMsg.Serial = 1
			return sender.PushMessage(bounceMsg)
		}
	}
	slog.Debug("router: dropping message for unknown destination",
		"dest", msg.Destination, "msg", msg.Description())
	return nil
}

// requestName claims a well-known name for owner.
func (r *LocalRouter) requestName(owner, name string) error {
	if !IsLegalBusName(name) || strings.HasPrefix(name, ":") {
		return ErrBadBusName
	}
	r.mu.Lock()
	if current, ok := r.names[name]; ok && current != owner {
		r.mu.Unlock()
		return ErrNameTaken
	}
	prev := r.names[name]
	r.names[name] = owner
	r.mu.Unlock()
	if prev != owner {
		r.controller.nameOwnerChanged(name, prev, owner)
	}
	return nil
}

func (r *LocalRouter) releaseName(owner, name string) error {
	r.mu.Lock()
	current, ok := r.names[name]
	if !ok || current != owner {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadBusName, name)
	}
	delete(r.names, name)
	r.mu.Unlock()
	r.controller.nameOwnerChanged(name, owner, "")
	return nil
}

// advertise makes a name discoverable. On the local router discovery is
// immediate: every endpoint hears FoundAdvertisedName.
func (r *LocalRouter) advertise(owner, name string) error {
	r.mu.Lock()
	if current, ok := r.advertised[name]; ok && current != owner {
		r.mu.Unlock()
		return ErrNameTaken
	}
	r.advertised[name] = owner
	r.mu.Unlock()
	r.controller.advertisementFound(name)
	return nil
}

func (r *LocalRouter) cancelAdvertise(owner, name string) error {
	r.mu.Lock()
	current, ok := r.advertised[name]
	if !ok || current != owner {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBadBusName, name)
	}
	delete(r.advertised, name)
	r.mu.Unlock()
	r.controller.advertisementLost(name)
	return nil
}

// endpointNames returns the registered unique names, for the debug
// server.
func (r *LocalRouter) endpointNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		out = append(out, name)
	}
	return out
}
