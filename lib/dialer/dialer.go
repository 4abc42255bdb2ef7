// Package dialer registers the concrete socket transports with the bus
// package. Importing it, usually blank, makes bus.Dial able to reach unix
// and tcp server addresses.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"mbus/core/lib/auth"
	"mbus/core/lib/bus"
	"mbus/core/lib/wire"
)

func init() {
	bus.RegisterTransport("unix", connectUnix)
	bus.RegisterTransport("tcp", connectTCP)
}

func connectUnix(ctx context.Context, params map[string]string) (string, bus.Transport, error) {
	var addr string
	switch {
	case params["path"] != "":
		addr = params["path"]
	case params["abstract"] != "":
		addr = "@" + params["abstract"]
	default:
		return "", nil, errors.New("unix address without path or abstract parameter")
	}
	return connectSocket(ctx, "unix", addr)
}

func connectTCP(ctx context.Context, params map[string]string) (string, bus.Transport, error) {
	host, port := params["host"], params["port"]
	if host == "" || port == "" {
		return "", nil, errors.New("tcp address without host or port parameter")
	}
	return connectSocket(ctx, "tcp", net.JoinHostPort(host, port))
}

func connectSocket(ctx context.Context, network, addr string) (string, bus.Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return "", nil, err
	}
	var client auth.Client
	guid, err := client.Handshake(conn)
	if err != nil {
		conn.Close()
		return "", nil, fmt.Errorf("authentication failed: %w", err)
	}
	return guid, wire.NewStreamTransport(conn), nil
}
