package bus

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

// newLoopConn wires a connection to an in-memory peer end. The disconnect
// handler records fatal errors instead of terminating the test binary.
func newLoopConn(t *testing.T) (*Conn, Transport, *disconnectRecorder) {
	recorder := &disconnectRecorder{}
	a, b := LoopbackPair()
	c, err := NewConn(a, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)
	t.Cleanup(func() {
		assert.Nil(t, c.Close())
	})
	return c, b, recorder
}

type disconnectRecorder struct {
	mu    sync.Mutex
	calls []error
}

func (r *disconnectRecorder) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, err)
}

func (r *disconnectRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.calls...)
}

func (c *Conn) hasPendingReply(serial uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return false
	}
	_, ok := c.run.replies[serial]
	return ok
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConn_PingPong(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	ctx := testContext(t)

	var e errgroup.Group
	e.Go(func() error {
		m, err := peer.Recv()
		assert.Nil(t, err)
		assert.EqualValues(t, 1, m.Serial)
		assert.EqualValues(t, TypeMethodCall, m.Type)
		assert.EqualValues(t, "/", m.Path)
		assert.EqualValues(t, "org.freedesktop.DBus.Peer", m.Interface)
		assert.EqualValues(t, "Ping", m.Member)
		assert.Empty(t, m.Body)
		return peer.Send(&Message{Type: TypeMethodReturn, Serial: 1, ReplySerial: m.Serial})
	})

	err := c.MethodCall(ctx, "", "/", "org.freedesktop.DBus.Peer", "Ping", nil)
	assert.Nil(t, err)
	assert.Nil(t, e.Wait())
}

func TestConn_MethodCallErrorReply(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	ctx := testContext(t)

	go func() {
		m, err := peer.Recv()
		if err != nil {
			return
		}
		_ = peer.Send(&Message{
			Type:        TypeError,
			Serial:      1,
			ReplySerial: m.Serial,
			ErrorName:   "org.example.Error.Broken",
			Body:        []interface{}{"boom"},
		})
	}()

	err := c.MethodCall(ctx, "", "/obj", "org.example.X", "Break", nil)
	var busErr *Error
	assert.ErrorAs(t, err, &busErr)
	assert.EqualValues(t, "org.example.Error.Broken", busErr.Name)
	assert.EqualValues(t, "boom", busErr.Message())
}

func TestConn_SerialsMonotonic(t *testing.T) {
	recorder := &disconnectRecorder{}
	transport := newRecordingTransport()
	c, err := NewConn(transport, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)
	defer c.Close()

	for i := 0; i < 5; i++ {
		assert.Nil(t, c.EmitSignal("/obj", "org.example.X", "Tick"))
	}
	serials := transport.sentSerials()
	assert.EqualValues(t, []uint32{1, 2, 3, 4, 5}, serials)
}

func TestConn_ReplyRegisteredBeforeWire(t *testing.T) {
	recorder := &disconnectRecorder{}
	transport := newRecordingTransport()
	c, err := NewConn(transport, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)
	defer c.Close()

	registered := make(chan bool, 1)
	transport.onSend = func(m *Message) {
		registered <- c.hasPendingReply(m.Serial)
	}
	_, err = c.SendWithReply(&Message{Type: TypeMethodCall, Path: "/", Member: "M"})
	assert.Nil(t, err)
	assert.True(t, <-registered)
}

func TestConn_CrashOnWriteFailure(t *testing.T) {
	ioErr := errors.New("broken pipe")
	recorder := &disconnectRecorder{}
	transport := newRecordingTransport()
	transport.failOn = 3
	transport.failWith = ioErr
	c, err := NewConn(transport, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)

	// An outstanding method call fails alongside the crashing send.
	pending, err := c.SendWithReply(&Message{Type: TypeMethodCall, Path: "/", Member: "A"})
	assert.Nil(t, err)
	assert.Nil(t, c.EmitSignal("/obj", "org.example.X", "Tick"))

	err = c.EmitSignal("/obj", "org.example.X", "Tick")
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, transportErr.Err, ioErr)

	assert.False(t, c.Running())
	_, waitErr := pending.Wait(testContext(t))
	assert.ErrorAs(t, waitErr, &transportErr)

	// The dispatcher observes the crash and reports it exactly once.
	assert.Eventually(t, func() bool {
		return len(recorder.errors()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorAs(t, recorder.errors()[0], &transportErr)
}

func TestConn_CrashIdempotent(t *testing.T) {
	recorder := &disconnectRecorder{}
	transport := newRecordingTransport()
	c, err := NewConn(transport, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)

	first := errors.New("first cause")
	second := errors.New("second cause")
	assert.Same(t, first, c.crash(first))
	assert.Same(t, first, c.crash(second))
	assert.EqualValues(t, 1, transport.shutdowns())
}

func TestConn_CloseIdempotent(t *testing.T) {
	c, _, recorder := newLoopConn(t)
	assert.Nil(t, c.Close())
	assert.Nil(t, c.Close())
	assert.False(t, c.Running())
	assert.ErrorIs(t, c.Send(&Message{Type: TypeSignal, Path: "/", Interface: "org.example.X", Member: "M"}), ErrClosed)

	// A clean close never reaches the disconnect handler.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, recorder.errors())
}

func TestConn_CrashFansOutToAllWaiters(t *testing.T) {
	c, _, _ := newLoopConn(t)
	ctx := testContext(t)

	var pendings []*PendingReply
	for i := 0; i < 3; i++ {
		p, err := c.SendWithReply(&Message{Type: TypeMethodCall, Path: "/", Member: "M"})
		assert.Nil(t, err)
		pendings = append(pendings, p)
	}
	assert.Nil(t, c.Close())
	for _, p := range pendings {
		_, err := p.Wait(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	}
	_, err := c.SendWithReply(&Message{Type: TypeMethodCall, Path: "/", Member: "M"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, <-c.Watch(), ErrClosed)
}

func TestConn_CancelledWaitLeavesEntry(t *testing.T) {
	c, peer, _ := newLoopConn(t)

	pending, err := c.SendWithReply(&Message{Type: TypeMethodCall, Path: "/", Member: "M"})
	assert.Nil(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pending.Wait(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.hasPendingReply(pending.Serial()))

	// The late reply is delivered to nobody and clears the entry.
	m, err := peer.Recv()
	assert.Nil(t, err)
	assert.Nil(t, peer.Send(&Message{Type: TypeMethodReturn, Serial: 1, ReplySerial: m.Serial}))
	assert.Eventually(t, func() bool {
		return !c.hasPendingReply(pending.Serial())
	}, time.Second, 5*time.Millisecond)
}

func TestConn_DataErrorIsNotFatal(t *testing.T) {
	recorder := &disconnectRecorder{}
	transport := newRecordingTransport()
	transport.failOn = 1
	transport.failWith = &DataError{Err: errors.New("unrepresentable value")}
	c, err := NewConn(transport, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)
	defer c.Close()

	pending, err := c.SendWithReply(&Message{Type: TypeMethodCall, Path: "/", Member: "M"})
	var dataErr *DataError
	assert.ErrorAs(t, err, &dataErr)
	assert.Nil(t, pending)
	assert.True(t, c.Running())

	// The failed send neither advanced the serial nor left a reply entry.
	assert.False(t, c.hasPendingReply(1))
	assert.Nil(t, c.EmitSignal("/obj", "org.example.X", "Tick"))
	assert.EqualValues(t, []uint32{1}, transport.sentSerials())
}

func TestConn_InvalidMessageIsDataError(t *testing.T) {
	c, _, _ := newLoopConn(t)
	err := c.Send(&Message{Type: TypeMethodCall, Path: "not-a-path", Member: "M"})
	var dataErr *DataError
	assert.ErrorAs(t, err, &dataErr)
	assert.True(t, c.Running())
}

func TestConn_UnmatchedReplyIsDropped(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	assert.Nil(t, peer.Send(&Message{Type: TypeMethodReturn, Serial: 9, ReplySerial: 77}))
	// Nothing to observe beyond the connection staying healthy.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.Running())
}

func TestConn_PeerShutdownIsConnectionLost(t *testing.T) {
	recorder := &disconnectRecorder{}
	a, b := LoopbackPair()
	c, err := NewConn(a, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)
	assert.Nil(t, b.Shutdown())
	assert.Eventually(t, func() bool {
		errs := recorder.errors()
		return len(errs) == 1 && errors.Is(errs[0], ErrConnectionLost)
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, <-c.Watch(), ErrConnectionLost)
}

// recordingTransport captures sent messages and can be scripted to fail.
type recordingTransport struct {
	mu        sync.Mutex
	sent      []*Message
	count     int
	failOn    int
	failWith  error
	onSend    func(*Message)
	shutdown  int32
	recvBlock chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{recvBlock: make(chan struct{})}
}

func (t *recordingTransport) Recv() (*Message, error) {
	<-t.recvBlock
	return nil, io.EOF
}

func (t *recordingTransport) Send(m *Message) error {
	t.mu.Lock()
	t.count++
	count := t.count
	onSend := t.onSend
	fail := t.failOn != 0 && count == t.failOn
	if !fail {
		t.sent = append(t.sent, m)
	}
	t.mu.Unlock()
	if onSend != nil {
		onSend(m)
	}
	if fail {
		return t.failWith
	}
	return nil
}

func (t *recordingTransport) Shutdown() error {
	if atomic.AddInt32(&t.shutdown, 1) == 1 {
		close(t.recvBlock)
	}
	return nil
}

func (t *recordingTransport) shutdowns() int {
	return int(atomic.LoadInt32(&t.shutdown))
}

func (t *recordingTransport) sentSerials() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	serials := make([]uint32, len(t.sent))
	for i, m := range t.sent {
		serials[i] = m.Serial
	}
	return serials
}
