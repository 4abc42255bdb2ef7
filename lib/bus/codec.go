package bus

import (
	"fmt"
	"reflect"
)

// Store copies the decoded body values into the caller's pointers,
// converting between assignment-compatible types. A length mismatch is a
// SignatureError; a per-element type mismatch is a CastError.
func Store(body []interface{}, ret ...interface{}) error {
	if len(ret) == 0 {
		return nil
	}
	if len(body) != len(ret) {
		return &SignatureError{
			Expected: signatureOfPointers(ret),
			Got:      SignatureOfBody(body...),
		}
	}
	for i, dst := range ret {
		ptr := reflect.ValueOf(dst)
		if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
			return fmt.Errorf("store destination %d is not a non-nil pointer", i)
		}
		value, err := castValue(body[i], ptr.Type().Elem(), i)
		if err != nil {
			return err
		}
		ptr.Elem().Set(value)
	}
	return nil
}

// castValue converts one body element to the wanted reflect type.
func castValue(src interface{}, want reflect.Type, index int) (reflect.Value, error) {
	if src == nil {
		return reflect.Value{}, &CastError{Index: index, Want: want.String(), Got: "nil"}
	}
	value := reflect.ValueOf(src)
	if value.Type() == want {
		return value, nil
	}
	if want.Kind() == reflect.Interface && value.Type().Implements(want) {
		return value, nil
	}
	if variant, ok := src.(Variant); ok && want != reflect.TypeOf(Variant{}) {
		return castValue(variant.Value, want, index)
	}
	if value.Type().ConvertibleTo(want) && convertibleKinds(value.Kind(), want.Kind()) {
		return value.Convert(want), nil
	}
	if value.Kind() == reflect.Slice && want.Kind() == reflect.Slice {
		return castSlice(value, want, index)
	}
	if value.Kind() == reflect.Map && want.Kind() == reflect.Map {
		return castMap(value, want, index)
	}
	return reflect.Value{}, &CastError{Index: index, Want: want.String(), Got: value.Type().String()}
}

// convertibleKinds permits numeric and string-ish conversions while
// rejecting lossy surprises like int-to-string.
func convertibleKinds(got, want reflect.Kind) bool {
	numeric := func(k reflect.Kind) bool {
		switch k {
		case reflect.Uint8, reflect.Int16, reflect.Uint16, reflect.Int32, reflect.Uint32,
			reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint, reflect.Float64:
			return true
		}
		return false
	}
	if numeric(got) && numeric(want) {
		return true
	}
	return got == reflect.String && want == reflect.String
}

func castSlice(value reflect.Value, want reflect.Type, index int) (reflect.Value, error) {
	out := reflect.MakeSlice(want, value.Len(), value.Len())
	for i := 0; i < value.Len(); i++ {
		element, err := castValue(value.Index(i).Interface(), want.Elem(), index)
		if err != nil {
			return reflect.Value{}, err
		}
		out.Index(i).Set(element)
	}
	return out, nil
}

func castMap(value reflect.Value, want reflect.Type, index int) (reflect.Value, error) {
	out := reflect.MakeMapWithSize(want, value.Len())
	iter := value.MapRange()
	for iter.Next() {
		key, err := castValue(iter.Key().Interface(), want.Key(), index)
		if err != nil {
			return reflect.Value{}, err
		}
		element, err := castValue(iter.Value().Interface(), want.Elem(), index)
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetMapIndex(key, element)
	}
	return out, nil
}

// SignatureOfBody derives the D-Bus signature of body values. Types without
// a D-Bus counterpart contribute "?", which is enough for diagnostics and
// rejected by the wire codec.
func SignatureOfBody(body ...interface{}) Signature {
	var s string
	for _, v := range body {
		s += string(signatureOfValue(reflect.TypeOf(v)))
	}
	return Signature(s)
}

func signatureOfPointers(ret []interface{}) Signature {
	var s string
	for _, v := range ret {
		t := reflect.TypeOf(v)
		if t != nil && t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		s += string(signatureOfValue(t))
	}
	return Signature(s)
}

func signatureOfValue(t reflect.Type) Signature {
	if t == nil {
		return "?"
	}
	switch t {
	case reflect.TypeOf(ObjectPath("")):
		return "o"
	case reflect.TypeOf(Signature("")):
		return "g"
	case reflect.TypeOf(Variant{}):
		return "v"
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y"
	case reflect.Bool:
		return "b"
	case reflect.Int16:
		return "n"
	case reflect.Uint16:
		return "q"
	case reflect.Int32, reflect.Int:
		return "i"
	case reflect.Uint32, reflect.Uint:
		return "u"
	case reflect.Int64:
		return "x"
	case reflect.Uint64:
		return "t"
	case reflect.Float64:
		return "d"
	case reflect.String:
		return "s"
	case reflect.Slice:
		return "a" + signatureOfValue(t.Elem())
	case reflect.Map:
		return "a{" + signatureOfValue(t.Key()) + signatureOfValue(t.Elem()) + "}"
	case reflect.Struct:
		s := Signature("(")
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				s += signatureOfValue(t.Field(i).Type)
			}
		}
		return s + ")"
	case reflect.Interface:
		return "v"
	}
	return "?"
}
