package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var nameLog = logrus.WithField("component", "bus.names")

const (
	// BusName is the well-known name of the message bus itself.
	BusName = "org.freedesktop.DBus"
	// BusPath is the object path of the message bus object.
	BusPath = ObjectPath("/org/freedesktop/DBus")
	// BusInterface is the interface of the message bus object.
	BusInterface = "org.freedesktop.DBus"
)

// NameOwner tracks the unique owner of one bus name. It is initialised by a
// GetNameOwner call, but a NameOwnerChanged signal observed first takes
// precedence and the late reply is ignored.
type NameOwner struct {
	name string

	mu          sync.Mutex
	owner       string
	hasOwner    bool
	initialized bool
	err         error
	ready       chan struct{}
}

// ResolveName returns the shared owner tracker for a bus name, creating it
// and issuing the initial GetNameOwner query on first use.
func (c *Conn) ResolveName(name string) (*NameOwner, error) {
	if !IsValidBusName(name) {
		return nil, fmt.Errorf("cannot resolve invalid bus name %q", name)
	}
	c.mu.Lock()
	if c.err != nil {
		stored := c.err
		c.mu.Unlock()
		return nil, stored
	}
	run := c.run
	if existing, ok := run.resolvers[name]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	owner := &NameOwner{name: name, ready: make(chan struct{})}
	run.resolvers[name] = owner
	c.mu.Unlock()

	go c.queryNameOwner(owner)
	return owner, nil
}

func (c *Conn) queryNameOwner(owner *NameOwner) {
	var unique string
	err := c.MethodCall(context.Background(), BusName, BusPath, BusInterface,
		"GetNameOwner", []interface{}{owner.name}, &unique)
	switch {
	case err == nil:
		owner.initialize(unique, true)
	case isNameError(err):
		owner.initialize("", false)
	default:
		owner.abort(err)
	}
}

func isNameError(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Name == "org.freedesktop.DBus.Error.NameHasNoOwner"
}

// Ready is closed once the owner is known, from either the initial query or
// an earlier NameOwnerChanged signal.
func (n *NameOwner) Ready() <-chan struct{} {
	return n.ready
}

// Owner returns the current unique owner. The second result is false while
// the name has no owner. Err reports why initialisation failed, if it did.
func (n *NameOwner) Owner() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.owner, n.hasOwner
}

// Err returns the initialisation failure, if any.
func (n *NameOwner) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Wait blocks until the owner is known or the context is cancelled.
func (n *NameOwner) Wait(ctx context.Context) (string, bool, error) {
	select {
	case <-n.ready:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.owner, n.hasOwner, n.err
}

// initialize records the result of the initial query. A resolver already
// initialised by a signal ignores the late reply.
func (n *NameOwner) initialize(owner string, hasOwner bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		nameLog.WithField("name", n.name).Debug("late owner reply ignored")
		return
	}
	n.owner = owner
	n.hasOwner = hasOwner
	n.initialized = true
	close(n.ready)
}

// update applies a NameOwnerChanged observation. The signal always wins
// over a reply that has not arrived yet.
func (n *NameOwner) update(owner string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owner = owner
	n.hasOwner = owner != ""
	if !n.initialized {
		n.initialized = true
		close(n.ready)
	}
}

func (n *NameOwner) abort(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return
	}
	n.err = err
	n.initialized = true
	close(n.ready)
}

func (n *NameOwner) currentOwner() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.initialized || !n.hasOwner {
		return "", false
	}
	return n.owner, true
}

// HasPeerExited reports whether the unique name was seen to lose its owner.
// The underlying cache is bounded, so very old observations age out.
func (c *Conn) HasPeerExited(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return false
	}
	_, ok := c.run.exited.Get(name)
	return ok
}

// Hello performs the initial org.freedesktop.DBus.Hello call and records
// the unique name the bus assigned. It must be the first method call on a
// bus-attached connection.
func (c *Conn) Hello(ctx context.Context) (string, error) {
	var name string
	err := c.MethodCall(ctx, BusName, BusPath, BusInterface, "Hello", nil, &name)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.run != nil {
		c.run.busName = name
	}
	c.mu.Unlock()
	return name, nil
}

// AddMatch asks the bus to route the signals the rule selects to this
// connection.
func (c *Conn) AddMatch(ctx context.Context, rule MatchRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return c.MethodCall(ctx, BusName, BusPath, BusInterface, "AddMatch",
		[]interface{}{rule.String()})
}

// RemoveMatch removes a rule previously installed with AddMatch.
func (c *Conn) RemoveMatch(ctx context.Context, rule MatchRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return c.MethodCall(ctx, BusName, BusPath, BusInterface, "RemoveMatch",
		[]interface{}{rule.String()})
}

// handleBusSignal performs the bookkeeping for the three signals emitted by
// the bus object, before any user receiver sees them.
func (c *Conn) handleBusSignal(m *Message) {
	if m.Sender != BusName || m.Path != BusPath || m.Interface != BusInterface {
		return
	}
	switch m.Member {
	case "NameOwnerChanged":
		var name, oldOwner, newOwner string
		if err := Store(m.Body, &name, &oldOwner, &newOwner); err != nil {
			nameLog.WithError(err).Warn("malformed NameOwnerChanged")
			return
		}
		c.mu.Lock()
		run := c.run
		if run == nil {
			c.mu.Unlock()
			return
		}
		resolver := run.resolvers[name]
		if IsUniqueName(name) && newOwner == "" {
			run.exited.Add(name, struct{}{})
		}
		c.mu.Unlock()
		if resolver != nil {
			resolver.update(newOwner)
		}
	case "NameAcquired":
		var name string
		if err := Store(m.Body, &name); err != nil || !c.destinedToUs(m) {
			return
		}
		c.mu.Lock()
		if run := c.run; run != nil {
			run.acquired = appendName(run.acquired, name)
		}
		c.mu.Unlock()
	case "NameLost":
		var name string
		if err := Store(m.Body, &name); err != nil || !c.destinedToUs(m) {
			return
		}
		c.mu.Lock()
		if run := c.run; run != nil {
			run.acquired = removeName(run.acquired, name)
		}
		c.mu.Unlock()
	}
}

func (c *Conn) destinedToUs(m *Message) bool {
	name := c.Name()
	return name == "" || m.Destination == "" || m.Destination == name
}

func appendName(names []string, name string) []string {
	for _, existing := range names {
		if existing == name {
			return names
		}
	}
	return append(names, name)
}

func removeName(names []string, name string) []string {
	for i, existing := range names {
		if existing == name {
			return append(names[:i:i], names[i+1:]...)
		}
	}
	return names
}
