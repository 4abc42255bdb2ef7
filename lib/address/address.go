// Package address parses D-Bus server address strings: semicolon-separated
// candidates of the form kind:key=value,key=value with %xx escaping in
// values.
package address

import (
	"errors"
	"fmt"
	"strings"
)

// Address is one candidate server address.
type Address struct {
	Kind   string
	Params map[string]string
}

// GUID returns the server identity embedded in the address, if any.
func (a Address) GUID() string {
	return a.Params["guid"]
}

// Parse splits an address list into its candidates, in order. Empty
// candidates are skipped; a list without any candidate is rejected, as is a
// malformed escape.
func Parse(s string) ([]Address, error) {
	if s == "" {
		return nil, errors.New("empty address")
	}
	var out []Address
	for _, candidate := range strings.Split(s, ";") {
		if candidate == "" {
			continue
		}
		a, err := parseOne(candidate)
		if err != nil {
			return nil, fmt.Errorf("address %q: %w", candidate, err)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.New("address list has no candidates")
	}
	return out, nil
}

func parseOne(s string) (Address, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return Address{}, errors.New("missing transport kind")
	}
	a := Address{Kind: s[:colon], Params: map[string]string{}}
	rest := s[colon+1:]
	if rest == "" {
		return a, nil
	}
	for _, pair := range strings.Split(rest, ",") {
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			return Address{}, fmt.Errorf("malformed parameter %q", pair)
		}
		key := pair[:eq]
		value, err := unescape(pair[eq+1:])
		if err != nil {
			return Address{}, fmt.Errorf("parameter %q: %w", key, err)
		}
		if _, exists := a.Params[key]; exists {
			return Address{}, fmt.Errorf("duplicate parameter %q", key)
		}
		a.Params[key] = value
	}
	return a, nil
}

func unescape(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.New("truncated escape")
		}
		hi, ok1 := fromHex(s[i+1])
		lo, ok2 := fromHex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("invalid escape %q", s[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
