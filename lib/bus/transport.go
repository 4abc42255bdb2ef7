package bus

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Transport is an authenticated, framed, bidirectional message channel.
// Recv must surface end of stream as io.EOF, wire format violations as
// ProtocolError and any other fault as a plain error. Send must surface
// marshalling faults as DataError; every other send fault is treated as
// fatal to the connection. Shutdown unblocks a pending Recv.
type Transport interface {
	Recv() (*Message, error)
	Send(*Message) error
	Shutdown() error
}

// ConnectFunc opens and authenticates a transport of one address kind.
// It returns the server GUID reported during authentication, which may be
// empty for transports without one.
type ConnectFunc func(ctx context.Context, params map[string]string) (guid string, t Transport, err error)

var transports struct {
	sync.Mutex
	kinds map[string]ConnectFunc
}

// RegisterTransport installs a factory for an address kind such as "unix".
// Registration usually happens in a package init function.
func RegisterTransport(kind string, connect ConnectFunc) {
	transports.Lock()
	defer transports.Unlock()
	if transports.kinds == nil {
		transports.kinds = map[string]ConnectFunc{}
	}
	transports.kinds[kind] = connect
}

func transportFor(kind string) (ConnectFunc, error) {
	transports.Lock()
	defer transports.Unlock()
	connect, ok := transports.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("no transport for address kind %q", kind)
	}
	return connect, nil
}

const loopbackBuffer = 16

// loopbackTransport is one end of an in-memory transport pair. Messages
// pass by reference without serialization, which keeps tests deterministic.
type loopbackTransport struct {
	in     <-chan *Message
	out    chan<- *Message
	closed chan struct{}
	peer   *loopbackTransport
	once   sync.Once
}

// LoopbackPair returns two connected in-memory transports. Shutting either
// end down ends the stream for both.
func LoopbackPair() (Transport, Transport) {
	ab := make(chan *Message, loopbackBuffer)
	ba := make(chan *Message, loopbackBuffer)
	a := &loopbackTransport{in: ba, out: ab, closed: make(chan struct{})}
	b := &loopbackTransport{in: ab, out: ba, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *loopbackTransport) Recv() (*Message, error) {
	// Drain messages that were in flight before the peer shut down.
	select {
	case m := <-t.in:
		return m, nil
	default:
	}
	select {
	case m := <-t.in:
		return m, nil
	case <-t.closed:
		return nil, io.EOF
	case <-t.peer.closed:
		return nil, io.EOF
	}
}

func (t *loopbackTransport) Send(m *Message) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	case <-t.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case t.out <- m:
		return nil
	case <-t.closed:
		return io.ErrClosedPipe
	case <-t.peer.closed:
		return io.ErrClosedPipe
	}
}

func (t *loopbackTransport) Shutdown() error {
	t.once.Do(func() {
		close(t.closed)
	})
	return nil
}
