package bus

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var dispatchLog = logrus.WithField("component", "bus.dispatch")

// IsUp reports whether the dispatcher is delivering incoming messages.
func (c *Conn) IsUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && c.run.down == nil
}

// SetDown pauses delivery: the dispatcher stops before its next read until
// SetUp is called. Messages already read keep being routed.
func (c *Conn) SetDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil && c.run.down == nil {
		c.run.down = make(chan struct{})
	}
}

// SetUp resumes delivery after SetDown.
func (c *Conn) SetUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil && c.run.down != nil {
		close(c.run.down)
		c.run.down = nil
	}
}

func (c *Conn) downGate() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.down
}

// dispatch is the single task owning the receive side. It reads one message
// at a time, applies the incoming filters and routes the message to a reply
// waiter, the signal receivers or an exported object.
func (c *Conn) dispatch() {
	final := c.receiveLoop()
	c.mu.Lock()
	handler := c.onDisconnect
	c.mu.Unlock()
	if errors.Is(final, ErrClosed) {
		return
	}
	if handler == nil {
		defaultDisconnect(final)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			dispatchLog.Warnf("disconnect handler panicked: %v", r)
		}
	}()
	handler(final)
}

func (c *Conn) receiveLoop() error {
	for {
		if gate := c.downGate(); gate != nil {
			select {
			case <-gate:
			case <-c.done:
			}
		}
		run, err := c.state()
		if err != nil {
			return err
		}
		m, err := run.transport.Recv()
		if err != nil {
			return c.crash(translateRecvError(err))
		}

		c.mu.Lock()
		var inFilters []*filterEntry
		if c.run != nil {
			inFilters = snapshotFilters(c.run.inFilters)
		}
		c.mu.Unlock()
		m = applyFilters(inFilters, m, "incoming")
		if m == nil {
			continue
		}
		c.route(m)
	}
}

// translateRecvError maps transport faults to the fatal error kinds:
// end of stream becomes ErrConnectionLost, wire violations pass through and
// everything else is wrapped as a TransportError.
func translateRecvError(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrConnectionLost
	}
	var protoErr ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr
	}
	return &TransportError{Err: err}
}

func (c *Conn) route(m *Message) {
	switch m.Type {
	case TypeMethodReturn, TypeError:
		c.routeReply(m)
	case TypeSignal:
		c.routeSignal(m)
	case TypeMethodCall:
		c.routeCall(m)
	default:
		dispatchLog.WithField("type", byte(m.Type)).Debug("message with unknown type dropped")
	}
}

func (c *Conn) routeReply(m *Message) {
	c.mu.Lock()
	var pending *PendingReply
	if c.run != nil {
		pending = c.run.replies[m.ReplySerial]
		delete(c.run.replies, m.ReplySerial)
	}
	c.mu.Unlock()
	if pending == nil {
		dispatchLog.WithFields(logrus.Fields{
			"reply_serial": m.ReplySerial,
			"sender":       m.Sender,
		}).Debug("unmatched reply dropped")
		return
	}
	if m.Type == TypeError {
		e := errorFromMessage(m)
		pending.complete(nil, MakeError(e.Name, e.Message()))
		return
	}
	pending.complete(m, nil)
}

func (c *Conn) routeSignal(m *Message) {
	// Bus bookkeeping updates happen before user receivers see the signal.
	c.handleBusSignal(m)
	// On a bus-attached connection, signals addressed to somebody else are
	// invisible to user receivers.
	if name := c.Name(); name != "" && m.Destination != "" && m.Destination != name {
		return
	}
	c.deliverSignal(m)
}

const interfacePeer = "org.freedesktop.DBus.Peer"

func (c *Conn) routeCall(m *Message) {
	if m.Interface == interfacePeer {
		c.handlePeer(m)
		return
	}
	if handler, ok := c.exportedHandler(m.Path); ok {
		c.invokeHandler(handler, m)
		return
	}
	if m.Member == "Introspect" && (m.Interface == "" || m.Interface == interfaceIntrospectable) {
		if children := c.childNodes(m.Path); len(children) > 0 {
			c.sendOrLog(c.SendReply(m, introspectParent(children)))
			return
		}
	}
	c.sendOrLog(c.SendError(m, ErrorFailed, `No such object: "`+string(m.Path)+`"`))
}

func (c *Conn) invokeHandler(handler Handler, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			dispatchLog.WithFields(logrus.Fields{
				"path":   m.Path,
				"member": m.Member,
			}).Warnf("object handler panicked: %v", r)
		}
	}()
	handler.HandleCall(c, m)
}

func (c *Conn) handlePeer(m *Message) {
	switch m.Member {
	case "Ping":
		c.sendOrLog(c.SendReply(m))
	case "GetMachineId":
		c.sendOrLog(c.SendReply(m, machineID()))
	default:
		c.sendOrLog(c.SendError(m, ErrorUnknownMethod,
			`Unknown method "`+m.Member+`" on interface "`+interfacePeer+`"`))
	}
}

var machineIDOnce struct {
	sync.Once
	id string
}

// machineID returns the host machine UUID as a 32 character hex string,
// falling back to a per-process random one where the host has none.
func machineID() string {
	machineIDOnce.Do(func() {
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			id := strings.TrimSpace(string(data))
			if len(id) == 32 {
				machineIDOnce.id = id
				return
			}
		}
		machineIDOnce.id = strings.ReplaceAll(uuid.NewString(), "-", "")
	})
	return machineIDOnce.id
}

// defaultDisconnect handles a fatal error when no user handler is
// installed.
func defaultDisconnect(err error) {
	logrus.WithError(err).Fatal("bus connection failed")
}
