package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"mbus/core/lib/bus"
)

// decoder consumes aligned wire values from a buffer. As with the encoder,
// the base offset anchors alignment at the message origin.
type decoder struct {
	buf   []byte
	pos   int
	base  int
	order binary.ByteOrder
}

func newDecoder(buf []byte, base int, order binary.ByteOrder) *decoder {
	return &decoder{buf: buf, base: base, order: order}
}

func (d *decoder) align(n int) error {
	for (d.base+d.pos)%n != 0 {
		if d.pos >= len(d.buf) {
			return truncated()
		}
		d.pos++
	}
	return nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.buf)-d.pos < n {
		return nil, truncated()
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func truncated() error {
	return fmt.Errorf("truncated value")
}

func (d *decoder) getByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) getUint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *decoder) getUint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) getUint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

func (d *decoder) getString() (string, error) {
	n, err := d.getUint32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", fmt.Errorf("string not terminated")
	}
	return string(b[:n]), nil
}

func (d *decoder) getSignature() (string, error) {
	n, err := d.getByte()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n) + 1)
	if err != nil {
		return "", err
	}
	if b[n] != 0 {
		return "", fmt.Errorf("signature not terminated")
	}
	return string(b[:n]), nil
}

// getValue decodes one value against one complete type of its signature.
func (d *decoder) getValue(sig string) (interface{}, error) {
	switch sig[0] {
	case 'y':
		return d.getByte()
	case 'b':
		u, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		if u > 1 {
			return nil, fmt.Errorf("boolean with value %d", u)
		}
		return u == 1, nil
	case 'n':
		u, err := d.getUint16()
		return int16(u), err
	case 'q':
		return d.getUint16()
	case 'i':
		u, err := d.getUint32()
		return int32(u), err
	case 'u', 'h':
		return d.getUint32()
	case 'x':
		u, err := d.getUint64()
		return int64(u), err
	case 't':
		return d.getUint64()
	case 'd':
		u, err := d.getUint64()
		return math.Float64frombits(u), err
	case 's':
		return d.getString()
	case 'o':
		s, err := d.getString()
		if err != nil {
			return nil, err
		}
		p := bus.ObjectPath(s)
		if !p.IsValid() {
			return nil, fmt.Errorf("invalid object path %q", s)
		}
		return p, nil
	case 'g':
		s, err := d.getSignature()
		return bus.Signature(s), err
	case 'v':
		inner, err := d.getSignature()
		if err != nil {
			return nil, err
		}
		types, err := splitSignature(inner)
		if err != nil || len(types) != 1 {
			return nil, fmt.Errorf("variant with signature %q", inner)
		}
		value, err := d.getValue(types[0])
		if err != nil {
			return nil, err
		}
		return bus.Variant{Value: value}, nil
	case 'a':
		return d.getArray(sig)
	case '(':
		return d.getStruct(sig)
	}
	return nil, sigError(sig)
}

func (d *decoder) getArray(sig string) (interface{}, error) {
	element := sig[1:]
	n, err := d.getUint32()
	if err != nil {
		return nil, err
	}
	if n > MessageMaxSize {
		return nil, fmt.Errorf("array of %d bytes", n)
	}
	if err := d.align(alignment(element[0])); err != nil {
		return nil, err
	}
	end := d.pos + int(n)
	if end > len(d.buf) {
		return nil, truncated()
	}

	if element[0] == '{' {
		inner, err := splitSignature(element[1 : len(element)-1])
		if err != nil || len(inner) != 2 {
			return nil, sigError(sig)
		}
		out := map[interface{}]interface{}{}
		for d.pos < end {
			if err := d.align(8); err != nil {
				return nil, err
			}
			key, err := d.getValue(inner[0])
			if err != nil {
				return nil, err
			}
			value, err := d.getValue(inner[1])
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
		return out, nil
	}
	if element == "y" {
		b, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	}
	var out []interface{}
	for d.pos < end {
		value, err := d.getValue(element)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	if d.pos != end {
		return nil, fmt.Errorf("array contents overran their length")
	}
	return out, nil
}

func (d *decoder) getStruct(sig string) (interface{}, error) {
	fields, err := splitSignature(sig[1 : len(sig)-1])
	if err != nil {
		return nil, err
	}
	if err := d.align(8); err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(fields))
	for _, field := range fields {
		value, err := d.getValue(field)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}
