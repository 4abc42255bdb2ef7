package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"mbus/core/lib/bus"
)

const protocolVersion = 1

// Header field codes of the message header.
const (
	codePath        = 1
	codeInterface   = 2
	codeMember      = 3
	codeErrorName   = 4
	codeReplySerial = 5
	codeDestination = 6
	codeSender      = 7
	codeSignature   = 8
)

// Marshal encodes a message in little-endian wire order. Marshalling faults
// concern only this message; the caller wraps them as a DataError.
func Marshal(m *bus.Message) ([]byte, error) {
	sig := m.Signature
	if sig == "" && len(m.Body) > 0 {
		var err error
		sig, err = SignatureOf(m.Body...)
		if err != nil {
			return nil, err
		}
	}
	types, err := splitSignature(string(sig))
	if err != nil {
		return nil, err
	}
	if len(types) != len(m.Body) {
		return nil, fmt.Errorf("signature %q does not cover %d body values", sig, len(m.Body))
	}

	body := newEncoder(0, binary.LittleEndian)
	for i, t := range types {
		if err := body.putValue(t, m.Body[i]); err != nil {
			return nil, err
		}
	}
	if len(body.buf) > MessageMaxSize {
		return nil, fmt.Errorf("body of %d bytes exceeds the message size limit", len(body.buf))
	}

	e := newEncoder(0, binary.LittleEndian)
	e.putByte('l')
	e.putByte(byte(m.Type))
	e.putByte(byte(m.Flags))
	e.putByte(protocolVersion)
	e.putUint32(uint32(len(body.buf)))
	e.putUint32(m.Serial)

	e.putUint32(0)
	fieldsAt := len(e.buf) - 4
	fieldsStart := len(e.buf)
	fields := []struct {
		code  byte
		sig   string
		value interface{}
		set   bool
	}{
		{codePath, "o", m.Path, m.Path != ""},
		{codeInterface, "s", m.Interface, m.Interface != ""},
		{codeMember, "s", m.Member, m.Member != ""},
		{codeErrorName, "s", m.ErrorName, m.ErrorName != ""},
		{codeReplySerial, "u", m.ReplySerial, m.ReplySerial != 0},
		{codeDestination, "s", m.Destination, m.Destination != ""},
		{codeSender, "s", m.Sender, m.Sender != ""},
		{codeSignature, "g", sig, len(m.Body) > 0},
	}
	for _, f := range fields {
		if !f.set {
			continue
		}
		if err := e.putField(f.code, f.sig, f.value); err != nil {
			return nil, err
		}
	}
	binary.LittleEndian.PutUint32(e.buf[fieldsAt:], uint32(len(e.buf)-fieldsStart))

	e.align(8)
	out := append(e.buf, body.buf...)
	if len(out) > MessageMaxSize {
		return nil, fmt.Errorf("message of %d bytes exceeds the size limit", len(out))
	}
	return out, nil
}

// putField encodes one header field: an 8-aligned (BYTE, VARIANT) struct.
func (e *encoder) putField(code byte, sig string, v interface{}) error {
	e.align(8)
	e.putByte(code)
	e.putSignature(sig)
	return e.putValue(sig, v)
}

func pad8(n int) int {
	return (n + 7) &^ 7
}

// ReadMessage reads and decodes one message. End of stream before the first
// byte is io.EOF; a stream ending inside a message and any malformed
// content are ProtocolError.
func ReadMessage(r io.Reader) (*bus.Message, error) {
	var fixed [16]byte
	if _, err := io.ReadFull(r, fixed[:1]); err != nil {
		return nil, err
	}
	var order binary.ByteOrder
	switch fixed[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, bus.ProtocolError(fmt.Sprintf("unknown endianness %q", fixed[0]))
	}
	if _, err := io.ReadFull(r, fixed[1:]); err != nil {
		return nil, bus.ProtocolError("truncated message header")
	}
	if fixed[3] != protocolVersion {
		return nil, bus.ProtocolError(fmt.Sprintf("unsupported protocol version %d", fixed[3]))
	}

	m := &bus.Message{
		Type:   bus.Type(fixed[1]),
		Flags:  bus.Flags(fixed[2]),
		Serial: order.Uint32(fixed[8:12]),
	}
	bodyLen := int(order.Uint32(fixed[4:8]))
	fieldsLen := int(order.Uint32(fixed[12:16]))
	total := pad8(16+fieldsLen) + bodyLen
	if total > MessageMaxSize {
		return nil, bus.ProtocolError(fmt.Sprintf("message of %d bytes exceeds the size limit", total))
	}

	rest := make([]byte, total-16)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, bus.ProtocolError("truncated message")
	}

	var sig bus.Signature
	fields := newDecoder(rest[:fieldsLen], 16, order)
	for fields.pos < fieldsLen {
		if err := fields.align(8); err != nil {
			return nil, bus.ProtocolError(err.Error())
		}
		if fields.pos >= fieldsLen {
			break
		}
		code, err := fields.getByte()
		if err != nil {
			return nil, bus.ProtocolError(err.Error())
		}
		fieldSig, err := fields.getSignature()
		if err != nil {
			return nil, bus.ProtocolError(err.Error())
		}
		types, err := splitSignature(fieldSig)
		if err != nil || len(types) != 1 {
			return nil, bus.ProtocolError(fmt.Sprintf("header field with signature %q", fieldSig))
		}
		value, err := fields.getValue(types[0])
		if err != nil {
			return nil, bus.ProtocolError(err.Error())
		}
		if err := applyHeaderField(m, code, value, &sig); err != nil {
			return nil, err
		}
	}

	if bodyLen > 0 {
		types, err := splitSignature(string(sig))
		if err != nil {
			return nil, bus.ProtocolError(fmt.Sprintf("body signature %q", sig))
		}
		bodyBuf := rest[len(rest)-bodyLen:]
		body := newDecoder(bodyBuf, 0, order)
		for _, t := range types {
			value, err := body.getValue(t)
			if err != nil {
				return nil, bus.ProtocolError(err.Error())
			}
			m.Body = append(m.Body, value)
		}
		m.Signature = sig
	}
	return m, nil
}

func applyHeaderField(m *bus.Message, code byte, value interface{}, sig *bus.Signature) error {
	ok := true
	switch code {
	case codePath:
		m.Path, ok = value.(bus.ObjectPath)
	case codeInterface:
		m.Interface, ok = value.(string)
	case codeMember:
		m.Member, ok = value.(string)
	case codeErrorName:
		m.ErrorName, ok = value.(string)
	case codeReplySerial:
		m.ReplySerial, ok = value.(uint32)
	case codeDestination:
		m.Destination, ok = value.(string)
	case codeSender:
		m.Sender, ok = value.(string)
	case codeSignature:
		*sig, ok = value.(bus.Signature)
	default:
		// Unknown header fields must be ignored.
	}
	if !ok {
		return bus.ProtocolError(fmt.Sprintf("header field %d with unexpected type %T", code, value))
	}
	return nil
}
