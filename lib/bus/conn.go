// Package bus implements the client side of a D-Bus connection: sending
// under serial order, correlating replies, dispatching signals to
// receivers, routing method calls to exported objects and sharing one
// physical connection per server identity. Wire marshalling, socket
// transports and authentication live in the wire, dialer and auth
// packages.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var connLog = logrus.WithField("component", "bus.conn")

// Conn multiplexes one authenticated transport into an asynchronous message
// exchange with a D-Bus peer. All methods are safe for concurrent use. A
// Conn is either running or crashed; once crashed, every operation returns
// the error that caused the crash.
type Conn struct {
	mu  sync.Mutex
	run *running
	err error

	// done is closed exactly once, when the connection crashes.
	done chan struct{}

	// sendMu linearises sends: it is held across serial assignment,
	// outgoing filters, reply registration and the transport write.
	sendMu sync.Mutex

	onDisconnect func(error)
}

// Option configures a connection at construction time.
type Option func(*connOptions)

type connOptions struct {
	guid         string
	shared       bool
	onDisconnect func(error)
}

// WithGUID sets the server identity the connection was authenticated
// against. Shared connections are registered under it.
func WithGUID(guid string) Option {
	return func(o *connOptions) { o.guid = guid }
}

// WithShared controls whether the connection takes part in process-wide
// sharing by server GUID.
func WithShared(shared bool) Option {
	return func(o *connOptions) { o.shared = shared }
}

// WithOnDisconnect installs the fatal-error handler before the dispatcher
// starts, closing the window where a crash could be reported to the default
// handler.
func WithOnDisconnect(handler func(error)) Option {
	return func(o *connOptions) { o.onDisconnect = handler }
}

// NewConn wraps an authenticated transport in a connection and starts its
// dispatcher. If a GUID is given and sharing is requested, an existing
// running connection for that GUID is returned instead and the transport is
// shut down.
func NewConn(t Transport, opts ...Option) (*Conn, error) {
	var options connOptions
	for _, opt := range opts {
		opt(&options)
	}
	c := &Conn{
		run:          newRunning(t, options.guid, options.shared),
		done:         make(chan struct{}),
		onDisconnect: options.onDisconnect,
	}
	if options.shared && options.guid != "" {
		if existing := sharedConns.putIfAbsent(options.guid, c); existing != nil {
			if err := t.Shutdown(); err != nil {
				connLog.WithError(err).Debug("shutdown of superseded transport failed")
			}
			return existing, nil
		}
	}
	go c.dispatch()
	return c, nil
}

// Loopback returns a connection wired to an in-memory peer transport,
// for tests and local plumbing.
func Loopback() (*Conn, Transport, error) {
	a, b := LoopbackPair()
	c, err := NewConn(a)
	if err != nil {
		return nil, nil, err
	}
	return c, b, nil
}

// Running reports whether the connection has not crashed yet.
func (c *Conn) Running() bool {
	_, err := c.state()
	return err == nil
}

// Watch returns a channel that delivers the fatal error once the connection
// crashes.
func (c *Conn) Watch() <-chan error {
	out := make(chan error, 1)
	go func() {
		<-c.done
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		out <- err
	}()
	return out
}

// Close crashes the connection with ErrClosed, waking every waiter. It is
// idempotent; closing an already crashed connection returns nil.
func (c *Conn) Close() error {
	c.crash(ErrClosed)
	return nil
}

// SetOnDisconnect replaces the fatal-error handler. The handler runs once,
// after the dispatcher exits, unless the cause was a clean Close.
func (c *Conn) SetOnDisconnect(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}

// GUID returns the server identity, if the transport reported one.
func (c *Conn) GUID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.guid
}

// Name returns the unique bus name, or "" before Hello completed and on
// peer-to-peer connections.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.busName
}

// AcquiredNames returns the well-known names currently owned by this
// connection, as tracked from NameAcquired and NameLost signals.
func (c *Conn) AcquiredNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	names := make([]string, len(c.run.acquired))
	copy(names, c.run.acquired)
	return names
}

// Transport returns the underlying transport, or nil after a crash.
func (c *Conn) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.transport
}

// PendingReply is the one-shot completion handle of an outstanding method
// call. Abandoning it does not remove the table entry; the entry is dropped
// when the reply arrives or the connection crashes.
type PendingReply struct {
	serial  uint32
	outcome chan replyOutcome
}

type replyOutcome struct {
	msg *Message
	err error
}

func newPendingReply(serial uint32) *PendingReply {
	return &PendingReply{serial: serial, outcome: make(chan replyOutcome, 1)}
}

// complete delivers the outcome. Later calls are dropped.
func (p *PendingReply) complete(m *Message, err error) {
	select {
	case p.outcome <- replyOutcome{m, err}:
	default:
	}
}

// Serial returns the serial of the request this handle waits for.
func (p *PendingReply) Serial() uint32 {
	return p.serial
}

// Wait blocks until the reply arrives, the connection crashes or the
// context is cancelled. Cancellation abandons only this wait.
func (p *PendingReply) Wait(ctx context.Context) (*Message, error) {
	select {
	case o := <-p.outcome:
		return o.msg, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send transmits a message without expecting a reply.
func (c *Conn) Send(m *Message) error {
	_, err := c.send(m, false)
	return err
}

// SendWithReply transmits a method call and registers a reply waiter for
// its serial before the message reaches the wire.
func (c *Conn) SendWithReply(m *Message) (*PendingReply, error) {
	return c.send(m, true)
}

// send is the single outgoing path. The send mutex is held across serial
// assignment, filter application, reply registration and the transport
// write, so serials appear on the wire in strictly increasing order and a
// reply waiter is installed before the peer can observe the request.
func (c *Conn) send(m *Message, wantReply bool) (*PendingReply, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	run, err := c.state()
	if err != nil {
		return nil, err
	}
	if err := m.valid(); err != nil {
		return nil, &DataError{Err: err}
	}

	c.mu.Lock()
	serial := run.serial
	outFilters := snapshotFilters(run.outFilters)
	c.mu.Unlock()
	m.Serial = serial

	out := applyFilters(outFilters, m, "outgoing")
	if out == nil {
		return nil, ErrFilterDropped
	}

	var pending *PendingReply
	if wantReply {
		pending = newPendingReply(serial)
		c.mu.Lock()
		if c.err != nil {
			stored := c.err
			c.mu.Unlock()
			return nil, stored
		}
		run.replies[serial] = pending
		c.mu.Unlock()
	}

	if err := run.transport.Send(out); err != nil {
		var dataErr *DataError
		if errors.As(err, &dataErr) {
			// A marshalling fault fails only this caller. The serial
			// was never written, so it is not advanced either.
			if pending != nil {
				c.mu.Lock()
				if c.run == run {
					delete(run.replies, serial)
				}
				c.mu.Unlock()
			}
			return nil, err
		}
		return nil, c.crash(&TransportError{Err: err})
	}

	c.mu.Lock()
	if c.run == run {
		run.serial++
		if run.serial == 0 {
			run.serial = 1
		}
	}
	c.mu.Unlock()
	return pending, nil
}

// MethodCall sends a method call and decodes the reply body into ret.
// An error reply resolves to the native error registered for its name.
func (c *Conn) MethodCall(ctx context.Context, dest string, path ObjectPath, iface, member string, args []interface{}, ret ...interface{}) error {
	m := &Message{
		Type:        TypeMethodCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        args,
	}
	pending, err := c.SendWithReply(m)
	if err != nil {
		return err
	}
	reply, err := pending.Wait(ctx)
	if err != nil {
		return err
	}
	return Store(reply.Body, ret...)
}

// MethodCallNoReply sends a method call with the no-reply-expected flag.
func (c *Conn) MethodCallNoReply(dest string, path ObjectPath, iface, member string, args ...interface{}) error {
	return c.Send(&Message{
		Type:        TypeMethodCall,
		Flags:       FlagNoReplyExpected,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
		Body:        args,
	})
}

// EmitSignal broadcasts a signal from the given object path.
func (c *Conn) EmitSignal(path ObjectPath, iface, member string, args ...interface{}) error {
	return c.Send(&Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      args,
	})
}

// SendReply answers a method call with a method return carrying args.
// Calls flagged no-reply-expected are answered with nothing.
func (c *Conn) SendReply(to *Message, args ...interface{}) error {
	if to.Flags&FlagNoReplyExpected != 0 {
		return nil
	}
	return c.Send(&Message{
		Type:        TypeMethodReturn,
		Destination: to.Sender,
		ReplySerial: to.Serial,
		Body:        args,
	})
}

// SendError answers a method call with a named error reply.
func (c *Conn) SendError(to *Message, name, message string) error {
	if to.Flags&FlagNoReplyExpected != 0 {
		return nil
	}
	return c.Send(&Message{
		Type:        TypeError,
		Destination: to.Sender,
		ReplySerial: to.Serial,
		ErrorName:   name,
		Body:        []interface{}{message},
	})
}

// SendException answers a method call with the error reply a native error
// maps to.
func (c *Conn) SendException(to *Message, err error) error {
	name, message := UnmakeError(err)
	return c.SendError(to, name, message)
}
