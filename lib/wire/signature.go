// Package wire implements the D-Bus marshalling format and a Transport
// over a byte stream. Values map to Go types the way the bus package's
// body store expects them: basic types to their Go counterparts, arrays to
// slices, dictionaries to maps, structs to value slices and variants to
// bus.Variant.
package wire

import (
	"fmt"

	"mbus/core/lib/bus"
)

// MessageMaxSize is the protocol limit on the total size of one message.
const MessageMaxSize = 1 << 27

type sigError string

func (e sigError) Error() string {
	return "invalid signature: " + string(e)
}

// alignment returns the wire alignment of the type starting at sig[0].
func alignment(code byte) int {
	switch code {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

// nextType returns the first complete type of the signature and the rest.
func nextType(sig string) (string, string, error) {
	if sig == "" {
		return "", "", sigError("empty")
	}
	switch sig[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v', 'h':
		return sig[:1], sig[1:], nil
	case 'a':
		element, rest, err := nextType(sig[1:])
		if err != nil {
			return "", "", err
		}
		return "a" + element, rest, nil
	case '(':
		depth := 0
		for i := 0; i < len(sig); i++ {
			switch sig[i] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return sig[:i+1], sig[i+1:], nil
				}
			}
		}
		return "", "", sigError(sig)
	case '{':
		depth := 0
		for i := 0; i < len(sig); i++ {
			switch sig[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return sig[:i+1], sig[i+1:], nil
				}
			}
		}
		return "", "", sigError(sig)
	}
	return "", "", sigError(sig)
}

// splitSignature breaks a signature into its complete top-level types.
func splitSignature(sig string) ([]string, error) {
	var types []string
	for sig != "" {
		t, rest, err := nextType(sig)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
		sig = rest
	}
	return types, nil
}

// SignatureOf derives the signature of body values, rejecting values the
// wire format cannot carry.
func SignatureOf(body ...interface{}) (bus.Signature, error) {
	sig := bus.SignatureOfBody(body...)
	for i := 0; i < len(sig); i++ {
		if sig[i] == '?' {
			return "", fmt.Errorf("value has no wire representation: signature %q", sig)
		}
	}
	if _, err := splitSignature(string(sig)); err != nil {
		return "", err
	}
	return sig, nil
}
