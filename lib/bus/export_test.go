package bus

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func callMessage(path ObjectPath, iface, member string, body ...interface{}) *Message {
	return &Message{
		Type:      TypeMethodCall,
		Serial:    7,
		Sender:    ":1.5",
		Path:      path,
		Interface: iface,
		Member:    member,
		Body:      body,
	}
}

func recvReply(t *testing.T, peer Transport) *Message {
	done := make(chan *Message, 1)
	go func() {
		m, err := peer.Recv()
		assert.Nil(t, err)
		done <- m
	}()
	select {
	case m := <-done:
		return m
	case <-time.After(time.Second):
		t.Fatal("no reply within a second")
		return nil
	}
}

func TestExport_HandlerReceivesCall(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	_, err := c.Export("/obj", HandlerFunc(func(conn *Conn, m *Message) {
		assert.Nil(t, conn.SendReply(m, "handled "+m.Member))
	}))
	assert.Nil(t, err)

	assert.Nil(t, peer.Send(callMessage("/obj", "org.example.X", "Do")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeMethodReturn, reply.Type)
	assert.EqualValues(t, 7, reply.ReplySerial)
	assert.EqualValues(t, ":1.5", reply.Destination)
	assert.EqualValues(t, []interface{}{"handled Do"}, reply.Body)
}

func TestExport_UnknownObject(t *testing.T) {
	_, peer, _ := newLoopConn(t)
	assert.Nil(t, peer.Send(callMessage("/", "com.example.X", "Nope")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeError, reply.Type)
	assert.EqualValues(t, ErrorFailed, reply.ErrorName)
	assert.EqualValues(t, []interface{}{`No such object: "/"`}, reply.Body)
}

func TestExport_PeerPing(t *testing.T) {
	_, peer, _ := newLoopConn(t)
	assert.Nil(t, peer.Send(callMessage("/", "org.freedesktop.DBus.Peer", "Ping")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeMethodReturn, reply.Type)
	assert.Empty(t, reply.Body)
}

func TestExport_PeerGetMachineId(t *testing.T) {
	_, peer, _ := newLoopConn(t)
	assert.Nil(t, peer.Send(callMessage("/", "org.freedesktop.DBus.Peer", "GetMachineId")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeMethodReturn, reply.Type)
	assert.Len(t, reply.Body, 1)
	id, ok := reply.Body[0].(string)
	assert.True(t, ok)
	assert.Len(t, id, 32)
}

func TestExport_PeerUnknownMember(t *testing.T) {
	_, peer, _ := newLoopConn(t)
	assert.Nil(t, peer.Send(callMessage("/", "org.freedesktop.DBus.Peer", "Explode")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeError, reply.Type)
	assert.EqualValues(t, ErrorUnknownMethod, reply.ErrorName)
}

func TestExport_ChildNodeComputation(t *testing.T) {
	c, _, _ := newLoopConn(t)
	for _, path := range []ObjectPath{"/a/b/c", "/a/b/d", "/a/x", "/other"} {
		_, err := c.Export(path, HandlerFunc(func(*Conn, *Message) {}))
		assert.Nil(t, err)
	}
	assert.EqualValues(t, []string{"a", "other"}, c.childNodes("/"))
	assert.EqualValues(t, []string{"b", "x"}, c.childNodes("/a"))
	assert.EqualValues(t, []string{"c", "d"}, c.childNodes("/a/b"))
	assert.Empty(t, c.childNodes("/a/b/c"))
	assert.Empty(t, c.childNodes("/unrelated"))
}

func TestExport_VirtualParentIntrospection(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	_, err := c.Export("/a/b/leaf", HandlerFunc(func(*Conn, *Message) {}))
	assert.Nil(t, err)

	assert.Nil(t, peer.Send(callMessage("/a", "org.freedesktop.DBus.Introspectable", "Introspect")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeMethodReturn, reply.Type)
	assert.Len(t, reply.Body, 1)
	xml := reply.Body[0].(string)
	assert.True(t, strings.Contains(xml, `<node name="b"/>`))
	assert.True(t, strings.Contains(xml, "org.freedesktop.DBus.Introspectable"))
}

func TestExport_IntrospectWithoutChildrenIsUnknownObject(t *testing.T) {
	_, peer, _ := newLoopConn(t)
	assert.Nil(t, peer.Send(callMessage("/nowhere", "org.freedesktop.DBus.Introspectable", "Introspect")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeError, reply.Type)
	assert.EqualValues(t, ErrorFailed, reply.ErrorName)
}

func TestExport_Unexport(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	handle, err := c.Export("/obj", HandlerFunc(func(conn *Conn, m *Message) {
		assert.Nil(t, conn.SendReply(m))
	}))
	assert.Nil(t, err)
	handle.Remove()
	assert.False(t, c.Unexport("/obj"))

	assert.Nil(t, peer.Send(callMessage("/obj", "org.example.X", "Do")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeError, reply.Type)
}

type closeAware struct {
	closed int32
}

func (h *closeAware) HandleCall(c *Conn, m *Message) {}

func (h *closeAware) ConnectionClosed(c *Conn) {
	atomic.AddInt32(&h.closed, 1)
}

func TestExport_CloseHookRunsOnce(t *testing.T) {
	recorder := &disconnectRecorder{}
	a, _ := LoopbackPair()
	c, err := NewConn(a, WithOnDisconnect(recorder.record))
	assert.Nil(t, err)
	handler := &closeAware{}
	_, err = c.Export("/obj", handler)
	assert.Nil(t, err)

	assert.Nil(t, c.Close())
	assert.Nil(t, c.Close())
	assert.EqualValues(t, 1, atomic.LoadInt32(&handler.closed))
}

type calculator struct{}

func (calculator) Add(a, b int32) int32 {
	return a + b
}

func (calculator) Fail() error {
	return errors.New("deliberate fault")
}

func (calculator) NamedFail() error {
	return NewError("org.example.Error.Named", "named fault")
}

func TestExportMethods_Dispatch(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	handler, err := ExportMethods("org.example.Calculator", calculator{})
	assert.Nil(t, err)
	_, err = c.Export("/calc", handler)
	assert.Nil(t, err)

	assert.Nil(t, peer.Send(callMessage("/calc", "org.example.Calculator", "Add", int32(2), int32(3))))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeMethodReturn, reply.Type)
	assert.EqualValues(t, []interface{}{int32(5)}, reply.Body)
}

func TestExportMethods_ErrorReturn(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	handler, err := ExportMethods("org.example.Calculator", calculator{})
	assert.Nil(t, err)
	_, err = c.Export("/calc", handler)
	assert.Nil(t, err)

	assert.Nil(t, peer.Send(callMessage("/calc", "org.example.Calculator", "Fail")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeError, reply.Type)
	assert.EqualValues(t, ErrorFailed, reply.ErrorName)
	assert.EqualValues(t, []interface{}{"deliberate fault"}, reply.Body)

	assert.Nil(t, peer.Send(callMessage("/calc", "org.example.Calculator", "NamedFail")))
	reply = recvReply(t, peer)
	assert.EqualValues(t, TypeError, reply.Type)
	assert.EqualValues(t, "org.example.Error.Named", reply.ErrorName)
}

func TestExportMethods_UnknownMember(t *testing.T) {
	c, peer, _ := newLoopConn(t)
	handler, err := ExportMethods("org.example.Calculator", calculator{})
	assert.Nil(t, err)
	_, err = c.Export("/calc", handler)
	assert.Nil(t, err)

	assert.Nil(t, peer.Send(callMessage("/calc", "org.example.Calculator", "Subtract")))
	reply := recvReply(t, peer)
	assert.EqualValues(t, TypeError, reply.Type)
	assert.EqualValues(t, ErrorUnknownMethod, reply.ErrorName)
}
