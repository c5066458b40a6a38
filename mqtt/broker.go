// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	stderr "errors"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sensorhub/ingest/errors"
)

// Broker is an in-process MQTT broker for single-host deployments and tests.
// It accepts every client.
type Broker struct {
	server *mochi.Server
}

// NewBroker starts a broker listening on the TCP address.
func NewBroker(address string, logger *slog.Logger) (*Broker, error) {
	opts := &mochi.Options{InlineClient: true}
	if logger != nil {
		opts.Logger = logger
	}
	server := mochi.New(opts)

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, brokerError("cannot add auth hook", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: address})
	if err := server.AddListener(tcp); err != nil {
		return nil, brokerError("cannot listen on "+address, err)
	}

	if err := server.Serve(); err != nil {
		return nil, brokerError("cannot start broker", err)
	}
	return &Broker{server: server}, nil
}

// Publish injects a message as if a device had published it.
func (b *Broker) Publish(topic string, payload []byte, qos byte) error {
	if err := b.server.Publish(topic, payload, false, qos); err != nil {
		return brokerError("cannot publish", err)
	}
	return nil
}

// DisconnectAll drops every connected client, simulating a broker restart.
func (b *Broker) DisconnectAll() {
	for _, cl := range b.server.Clients.GetAll() {
		if cl.Net.Inline {
			continue
		}
		cl.Stop(stderr.New("disconnected by broker"))
	}
}

// Close stops the broker.
func (b *Broker) Close() error {
	return b.server.Close()
}

func brokerError(msg string, err error) error {
	return &errors.Error{
		Message:     msg + ": " + err.Error(),
		Kind:        errors.TransportFailure,
		NestedError: err,
	}
}
