package bus

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is the crash cause after a user called Close.
	ErrClosed = errors.New("connection closed")

	// ErrConnectionLost is the crash cause after the transport reached
	// end of stream.
	ErrConnectionLost = errors.New("connection lost")

	// ErrFilterDropped is returned to a sender whose message was dropped
	// by an outgoing filter. The connection stays running.
	ErrFilterDropped = errors.New("message dropped by outgoing filter")
)

// ProtocolError is a fatal wire format violation reported by the transport.
type ProtocolError string

func (e ProtocolError) Error() string {
	return "protocol error: " + string(e)
}

// TransportError wraps a fatal transport fault. The stream may be partially
// written and cannot be recovered.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DataError wraps a non-fatal marshalling fault of a single message.
// It fails only the calling send and leaves the connection running.
type DataError struct {
	Err error
}

func (e *DataError) Error() string {
	return "data error: " + e.Err.Error()
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// CastError reports that a body value could not be converted to the type the
// caller asked for.
type CastError struct {
	Index int
	Want  string
	Got   string
}

func (e *CastError) Error() string {
	return fmt.Sprintf("cannot cast body element %d of type %s to %s", e.Index, e.Got, e.Want)
}

// SignatureError reports that a reply body had a different shape than the
// caller expected. It is distinct from CastError: the whole signature
// differed, not a single element.
type SignatureError struct {
	Expected Signature
	Got      Signature
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature mismatch: expected %q, got %q", e.Expected, e.Got)
}

// ErrorFailed is the generic error name used when no better name is known.
const ErrorFailed = "org.freedesktop.DBus.Error.Failed"

// ErrorUnknownMethod is the name of the standard unknown-method error.
const ErrorUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"

// Error is a D-Bus error reply mapped to a native error value.
type Error struct {
	Name string
	Body []interface{}
}

// NewError builds an Error with the given name and a single string body.
func NewError(name, message string) *Error {
	return &Error{Name: name, Body: []interface{}{message}}
}

func (e *Error) Error() string {
	if m := e.Message(); m != "" {
		return e.Name + ": " + m
	}
	return e.Name
}

// Message returns the first body element if it is a string, else "".
func (e *Error) Message() string {
	if len(e.Body) > 0 {
		if s, ok := e.Body[0].(string); ok {
			return s
		}
	}
	return ""
}

// errorFromMessage builds the error delivered to a reply waiter for an
// incoming error message.
func errorFromMessage(m *Message) *Error {
	e := &Error{Name: m.ErrorName, Body: m.Body}
	if e.Name == "" {
		e.Name = ErrorFailed
	}
	return e
}

// Named is implemented by error values that carry their own D-Bus error
// name. Errors returned by exported handlers are mapped through it.
type Named interface {
	error
	ErrorName() string
}

func (e *Error) ErrorName() string {
	return e.Name
}

var errorNames struct {
	sync.Mutex
	byName map[string]func(message string) error
}

// RegisterErrorName installs a constructor for a D-Bus error name. Incoming
// error replies with that name are built with the constructor instead of the
// generic Error type.
func RegisterErrorName(name string, build func(message string) error) {
	errorNames.Lock()
	defer errorNames.Unlock()
	if errorNames.byName == nil {
		errorNames.byName = map[string]func(string) error{}
	}
	errorNames.byName[name] = build
}

// MakeError maps an error name and message to a native error, consulting the
// registered constructors first.
func MakeError(name, message string) error {
	errorNames.Lock()
	build, ok := errorNames.byName[name]
	errorNames.Unlock()
	if ok {
		return build(message)
	}
	return NewError(name, message)
}

// UnmakeError maps a native error to the error name and message sent in an
// error reply. Any error is mappable; unnamed errors use ErrorFailed.
func UnmakeError(err error) (name, message string) {
	var named Named
	if errors.As(err, &named) {
		return named.ErrorName(), namedMessage(named)
	}
	return ErrorFailed, err.Error()
}

func namedMessage(err Named) string {
	if e, ok := err.(*Error); ok {
		return e.Message()
	}
	return err.Error()
}
