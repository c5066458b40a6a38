// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package mqtt adapts the paho MQTT v5 client to the small surface the
// ingestion pipeline needs: open one connection, subscribe to one topic,
// publish, and report when the connection is lost. Reconnection policy is left
// to the caller.
package mqtt

import (
	"context"

	"github.com/eclipse/paho.golang/paho"
)

type (
	// Message is an inbound PUBLISH.
	Message struct {
		Topic   string
		Payload []byte
		QoS     byte
		Retain  bool
	}

	// MessageHandler receives inbound messages. It is called from the
	// transport's receive goroutine and should hand the message off quickly;
	// the broker is acknowledged when it returns.
	MessageHandler func(context.Context, *Message)

	// Connection is a single established MQTT session.
	Connection interface {
		Subscribe(ctx context.Context, topic string, qos byte) error
		Publish(ctx context.Context, topic string, payload []byte, qos byte) error

		// Done is closed when the connection is lost or disconnected.
		Done() <-chan struct{}

		// Err returns the reason the connection was lost, if any.
		Err() error

		Disconnect(ctx context.Context) error
	}

	// Dialer opens connections. Each call yields a new, independent session.
	Dialer interface {
		Dial(ctx context.Context, handler MessageHandler) (Connection, error)
	}

	// PahoClient is the subset of *paho.Client used by the connection, so
	// tests can interpose on it.
	PahoClient interface {
		Connect(context.Context, *paho.Connect) (*paho.Connack, error)
		Disconnect(*paho.Disconnect) error
		Subscribe(context.Context, *paho.Subscribe) (*paho.Suback, error)
		Publish(context.Context, *paho.Publish) (*paho.PublishResponse, error)
	}
)
