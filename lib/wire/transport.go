package wire

import (
	"io"
	"net"
	"sync"

	"mbus/core/lib/bus"
)

// StreamTransport speaks the wire format over a byte stream, usually a unix
// or tcp socket that already completed authentication.
type StreamTransport struct {
	conn net.Conn
	once sync.Once
}

// NewStreamTransport wraps an authenticated connection.
func NewStreamTransport(conn net.Conn) *StreamTransport {
	return &StreamTransport{conn: conn}
}

// Recv reads one message. A closed stream surfaces as io.EOF, malformed
// content as bus.ProtocolError.
func (t *StreamTransport) Recv() (*bus.Message, error) {
	m, err := ReadMessage(t.conn)
	if err == io.ErrUnexpectedEOF {
		return nil, io.EOF
	}
	return m, err
}

// Send marshals and writes one message. Marshalling faults are returned as
// bus.DataError before anything reaches the wire; write faults may leave a
// partial message behind and are fatal to the stream.
func (t *StreamTransport) Send(m *bus.Message) error {
	data, err := Marshal(m)
	if err != nil {
		return &bus.DataError{Err: err}
	}
	_, err = t.conn.Write(data)
	return err
}

// Shutdown closes the stream, unblocking a pending Recv.
func (t *StreamTransport) Shutdown() (err error) {
	t.once.Do(func() {
		err = t.conn.Close()
	})
	return err
}
