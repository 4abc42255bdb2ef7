package bus

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"mbus/core/lib/address"
)

var dialFlight singleflight.Group

// Dial connects to the first reachable server in a semicolon-separated
// address list. Shared connections are deduplicated by server GUID: a GUID
// embedded in the address list short-circuits to the registered connection,
// and the GUID reported during authentication is checked again afterwards,
// because another goroutine may have registered the same server while
// authentication ran.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	options := connOptions{shared: true}
	for _, opt := range opts {
		opt(&options)
	}

	parsed, err := address.Parse(addr)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("empty bus address %q", addr)
	}

	if options.shared {
		var guids []string
		for _, a := range parsed {
			if guid := a.GUID(); guid != "" {
				guids = append(guids, guid)
			}
		}
		if existing := sharedConns.lookup(guids); existing != nil {
			return existing, nil
		}
		// Concurrent dials of the same address string open one transport.
		v, err, _ := dialFlight.Do(addr, func() (interface{}, error) {
			return dialAddresses(ctx, parsed, options)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Conn), nil
	}
	return dialAddresses(ctx, parsed, options)
}

func dialAddresses(ctx context.Context, parsed []address.Address, options connOptions) (*Conn, error) {
	var failures error
	for _, a := range parsed {
		connect, err := transportFor(a.Kind)
		if err != nil {
			failures = multierror.Append(failures, err)
			continue
		}
		guid, t, err := connect(ctx, a.Params)
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", a.Kind, err))
			continue
		}
		connOpts := []Option{WithGUID(guid), WithShared(options.shared)}
		if options.onDisconnect != nil {
			connOpts = append(connOpts, WithOnDisconnect(options.onDisconnect))
		}
		return NewConn(t, connOpts...)
	}
	return nil, fmt.Errorf("no server address was reachable: %w", failures)
}
