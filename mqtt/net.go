// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/eclipse/paho.golang/packets"
	"github.com/sensorhub/ingest/errors"
)

// ConnectionProvider is a function that returns a net.Conn connected to an
// MQTT server that is ready to read to and write from. Note that the returned
// net.Conn must be thread-safe (i.e., concurrent Write calls must not
// interleave).
type ConnectionProvider func(context.Context) (net.Conn, error)

// TCPConnection is a ConnectionProvider that connects to an MQTT server over
// TCP.
func TCPConnection(hostname string, port int) ConnectionProvider {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &errors.Error{
				Message:       "error opening TCP connection",
				Kind:          errors.TransportFailure,
				NestedError:   err,
				PropertyName:  "address",
				PropertyValue: addr,
			}
		}
		return packets.NewThreadSafeConn(conn), nil
	}
}

// TLSConnection is a ConnectionProvider that connects to an MQTT server with
// TLS over TCP. A nil config uses the zero configuration.
func TLSConnection(
	hostname string,
	port int,
	config *tls.Config,
) ConnectionProvider {
	addr := net.JoinHostPort(hostname, strconv.Itoa(port))
	return func(ctx context.Context) (net.Conn, error) {
		d := tls.Dialer{Config: config}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &errors.Error{
				Message:       "error opening TLS connection",
				Kind:          errors.TransportFailure,
				NestedError:   err,
				PropertyName:  "address",
				PropertyValue: addr,
			}
		}
		return packets.NewThreadSafeConn(conn), nil
	}
}
