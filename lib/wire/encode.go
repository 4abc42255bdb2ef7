package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"mbus/core/lib/bus"
)

// encoder appends aligned wire values to a buffer. The base offset accounts
// for bytes already on the wire before the buffer started, so alignment is
// computed against the message origin.
type encoder struct {
	buf   []byte
	base  int
	order binary.ByteOrder
}

func newEncoder(base int, order binary.ByteOrder) *encoder {
	return &encoder{base: base, order: order}
}

func (e *encoder) pos() int {
	return e.base + len(e.buf)
}

func (e *encoder) align(n int) {
	for e.pos()%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) putByte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) putUint16(v uint16) {
	e.align(2)
	var tmp [2]byte
	e.order.PutUint16(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) putUint32(v uint32) {
	e.align(4)
	var tmp [4]byte
	e.order.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) putUint64(v uint64) {
	e.align(8)
	var tmp [8]byte
	e.order.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encoder) putSignature(s string) {
	e.putByte(byte(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// putValue encodes one value against one complete type of its signature.
func (e *encoder) putValue(sig string, v interface{}) error {
	switch sig[0] {
	case 'y':
		b, ok := asUint(v, math.MaxUint8)
		if !ok {
			return castFail(sig, v)
		}
		e.putByte(byte(b))
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return castFail(sig, v)
		}
		var u uint32
		if b {
			u = 1
		}
		e.putUint32(u)
	case 'n':
		i, ok := asInt(v, math.MinInt16, math.MaxInt16)
		if !ok {
			return castFail(sig, v)
		}
		e.putUint16(uint16(int16(i)))
	case 'q':
		u, ok := asUint(v, math.MaxUint16)
		if !ok {
			return castFail(sig, v)
		}
		e.putUint16(uint16(u))
	case 'i':
		i, ok := asInt(v, math.MinInt32, math.MaxInt32)
		if !ok {
			return castFail(sig, v)
		}
		e.putUint32(uint32(int32(i)))
	case 'u':
		u, ok := asUint(v, math.MaxUint32)
		if !ok {
			return castFail(sig, v)
		}
		e.putUint32(uint32(u))
	case 'x':
		i, ok := asInt(v, math.MinInt64, math.MaxInt64)
		if !ok {
			return castFail(sig, v)
		}
		e.putUint64(uint64(i))
	case 't':
		u, ok := asUint(v, math.MaxUint64)
		if !ok {
			return castFail(sig, v)
		}
		e.putUint64(u)
	case 'd':
		f, ok := v.(float64)
		if !ok {
			return castFail(sig, v)
		}
		e.putUint64(math.Float64bits(f))
	case 's':
		s, ok := asString(v)
		if !ok {
			return castFail(sig, v)
		}
		e.putString(s)
	case 'o':
		p, ok := v.(bus.ObjectPath)
		if !ok {
			return castFail(sig, v)
		}
		if !p.IsValid() {
			return fmt.Errorf("invalid object path %q", p)
		}
		e.putString(string(p))
	case 'g':
		s, ok := v.(bus.Signature)
		if !ok {
			return castFail(sig, v)
		}
		e.putSignature(string(s))
	case 'v':
		variant, ok := v.(bus.Variant)
		if !ok {
			variant = bus.Variant{Value: v}
		}
		inner, err := SignatureOf(variant.Value)
		if err != nil {
			return err
		}
		e.putSignature(string(inner))
		return e.putValue(string(inner), variant.Value)
	case 'a':
		return e.putArray(sig, v)
	case '(':
		return e.putStruct(sig, v)
	default:
		return sigError(sig)
	}
	return nil
}

func (e *encoder) putArray(sig string, v interface{}) error {
	element := sig[1:]
	e.putUint32(0)
	lengthAt := len(e.buf) - 4
	// Padding to the first element's boundary is not part of the length.
	e.align(alignment(element[0]))
	start := len(e.buf)

	if element[0] == '{' {
		value := reflect.ValueOf(v)
		if value.Kind() != reflect.Map {
			return castFail(sig, v)
		}
		inner, err := splitSignature(element[1 : len(element)-1])
		if err != nil || len(inner) != 2 {
			return sigError(sig)
		}
		iter := value.MapRange()
		for iter.Next() {
			e.align(8)
			if err := e.putValue(inner[0], iter.Key().Interface()); err != nil {
				return err
			}
			if err := e.putValue(inner[1], iter.Value().Interface()); err != nil {
				return err
			}
		}
	} else {
		value := reflect.ValueOf(v)
		if value.Kind() != reflect.Slice && value.Kind() != reflect.Array {
			return castFail(sig, v)
		}
		for i := 0; i < value.Len(); i++ {
			if err := e.putValue(element, value.Index(i).Interface()); err != nil {
				return err
			}
		}
	}
	e.order.PutUint32(e.buf[lengthAt:], uint32(len(e.buf)-start))
	return nil
}

func (e *encoder) putStruct(sig string, v interface{}) error {
	fields, err := splitSignature(sig[1 : len(sig)-1])
	if err != nil {
		return err
	}
	e.align(8)
	value := reflect.ValueOf(v)
	switch value.Kind() {
	case reflect.Struct:
		n := 0
		for i := 0; i < value.NumField(); i++ {
			if !value.Type().Field(i).IsExported() {
				continue
			}
			if n >= len(fields) {
				return castFail(sig, v)
			}
			if err := e.putValue(fields[n], value.Field(i).Interface()); err != nil {
				return err
			}
			n++
		}
		if n != len(fields) {
			return castFail(sig, v)
		}
	case reflect.Slice:
		if value.Len() != len(fields) {
			return castFail(sig, v)
		}
		for i := range fields {
			if err := e.putValue(fields[i], value.Index(i).Interface()); err != nil {
				return err
			}
		}
	default:
		return castFail(sig, v)
	}
	return nil
}

func castFail(sig string, v interface{}) error {
	return fmt.Errorf("cannot encode %T as %q", v, sig)
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bus.ObjectPath:
		return string(s), true
	}
	return "", false
}

func asUint(v interface{}, max uint64) (uint64, bool) {
	var u uint64
	switch n := v.(type) {
	case uint8:
		u = uint64(n)
	case uint16:
		u = uint64(n)
	case uint32:
		u = uint64(n)
	case uint64:
		u = n
	case uint:
		u = uint64(n)
	default:
		if i, ok := asInt(v, 0, math.MaxInt64); ok && i >= 0 {
			u = uint64(i)
		} else {
			return 0, false
		}
	}
	return u, u <= max
}

func asInt(v interface{}, min, max int64) (int64, bool) {
	var i int64
	switch n := v.(type) {
	case int16:
		i = int64(n)
	case int32:
		i = int64(n)
	case int64:
		i = n
	case int:
		i = int64(n)
	case uint8:
		i = int64(n)
	case uint16:
		i = int64(n)
	case uint32:
		i = int64(n)
	default:
		return 0, false
	}
	return i, i >= min && i <= max
}
