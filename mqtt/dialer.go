// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/log"
)

type (
	// PahoDialer dials MQTT v5 connections with paho.
	PahoDialer struct {
		Provider ConnectionProvider

		// ClientID defaults to a random "server_" prefixed identifier.
		ClientID  string
		Username  string
		Password  []byte
		KeepAlive time.Duration

		// CleanStart discards any session the broker kept for the client ID.
		CleanStart bool

		// SessionExpiry asks the broker to hold the session (and queued QoS 1
		// messages) for this long across a disconnect.
		SessionExpiry time.Duration

		Logger *slog.Logger

		// Indirection over paho.NewClient for testing.
		newClient func(paho.ClientConfig) PahoClient
	}

	connection struct {
		client PahoClient
		log    log.Logger

		closing  atomic.Bool
		done     chan struct{}
		doneOnce sync.Once
		err      error
		errMu    sync.Mutex
	}
)

// RandomClientID returns "server_" followed by eight hex digits.
func RandomClientID() string {
	return "server_" + uuid.NewString()[:8]
}

// Dial opens the network connection and completes the MQTT handshake.
func (d *PahoDialer) Dial(
	ctx context.Context,
	handler MessageHandler,
) (Connection, error) {
	if d.Provider == nil {
		return nil, &errors.Error{
			Message:      "no connection provider",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "Provider",
		}
	}
	if d.ClientID == "" {
		d.ClientID = RandomClientID()
	}

	netConn, err := d.Provider(ctx)
	if err != nil {
		return nil, errors.Normalize(err, errors.TransportFailure, "dial broker")
	}

	c := &connection{
		log:  log.Wrap(d.Logger),
		done: make(chan struct{}),
	}

	cfg := paho.ClientConfig{
		ClientID: d.ClientID,
		Conn:     netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				c.log.Packet(ctx, "publish received", pr.Packet)
				if handler != nil {
					handler(context.WithoutCancel(ctx), &Message{
						Topic:   pr.Packet.Topic,
						Payload: pr.Packet.Payload,
						QoS:     pr.Packet.QoS,
						Retain:  pr.Packet.Retain,
					})
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			c.lost(&errors.Error{
				Message:     "connection error: " + err.Error(),
				Kind:        errors.TransportFailure,
				NestedError: err,
			})
		},
		OnServerDisconnect: func(p *paho.Disconnect) {
			c.log.Packet(ctx, "disconnect received", p)
			c.lost(&errors.Error{
				Message:       fmt.Sprintf("server disconnected with reason code 0x%x", p.ReasonCode),
				Kind:          errors.TransportFailure,
				PropertyName:  "reason_code",
				PropertyValue: p.ReasonCode,
			})
		},
	}

	if d.newClient != nil {
		c.client = d.newClient(cfg)
	} else {
		c.client = paho.NewClient(cfg)
	}

	cp := d.connectPacket()
	c.log.Packet(ctx, "connect", cp)
	connack, err := c.client.Connect(ctx, cp)
	if connack != nil {
		c.log.Packet(ctx, "connack", connack)
	}
	if err != nil || connack == nil || connack.ReasonCode >= 0x80 {
		_ = netConn.Close()
		return nil, connackError(connack, err)
	}

	return c, nil
}

func (d *PahoDialer) connectPacket() *paho.Connect {
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = 60 * time.Second
	}
	expiry := uint32(d.SessionExpiry.Seconds())

	return &paho.Connect{
		ClientID:     d.ClientID,
		CleanStart:   d.CleanStart,
		Username:     d.Username,
		UsernameFlag: d.Username != "",
		Password:     d.Password,
		PasswordFlag: len(d.Password) != 0,
		KeepAlive:    uint16(keepAlive.Seconds()),
		Properties: &paho.ConnectProperties{
			SessionExpiryInterval: &expiry,
			RequestProblemInfo:    true,
		},
	}
}

// CONNACK reason codes that retrying with the same settings cannot fix.
var connackFinal = map[byte]bool{
	0x84: true, // unsupported protocol version
	0x85: true, // client identifier not valid
	0x86: true, // bad user name or password
	0x87: true, // not authorized
	0x8A: true, // banned
	0x8C: true, // bad authentication method
}

func connackError(connack *paho.Connack, err error) error {
	if connack != nil && connack.ReasonCode >= 0x80 {
		reason := ""
		if connack.Properties != nil {
			reason = connack.Properties.ReasonString
		}
		kind := errors.TransportFailure
		if connackFinal[connack.ReasonCode] {
			kind = errors.ConfigurationInvalid
		}
		return &errors.Error{
			Message: fmt.Sprintf(
				"connection refused with reason code 0x%x %s",
				connack.ReasonCode, reason,
			),
			Kind:          kind,
			NestedError:   err,
			PropertyName:  "reason_code",
			PropertyValue: connack.ReasonCode,
		}
	}
	if err == nil {
		return &errors.Error{
			Message: "the MQTT client returned a nil CONNACK without an error",
			Kind:    errors.TransportFailure,
		}
	}
	return errors.Normalize(err, errors.TransportFailure, "connect")
}

// Subscribe subscribes to a single topic filter.
func (c *connection) Subscribe(ctx context.Context, topic string, qos byte) error {
	sub := &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	}
	c.log.Packet(ctx, "subscribe", sub)

	suback, err := c.client.Subscribe(ctx, sub)
	if suback != nil {
		c.log.Packet(ctx, "suback", suback)
		for _, code := range suback.Reasons {
			if code >= 0x80 {
				return &errors.Error{
					Message:       fmt.Sprintf("subscription to %s refused with reason code 0x%x", topic, code),
					Kind:          errors.TransportFailure,
					PropertyName:  "topic",
					PropertyValue: topic,
				}
			}
		}
	}
	return errors.Normalize(err, errors.TransportFailure, "subscribe")
}

// Publish sends a single message.
func (c *connection) Publish(
	ctx context.Context,
	topic string,
	payload []byte,
	qos byte,
) error {
	pub := &paho.Publish{Topic: topic, QoS: qos, Payload: payload}
	c.log.Packet(ctx, "publish", pub)

	res, err := c.client.Publish(ctx, pub)
	if res != nil && res.ReasonCode >= 0x80 {
		return &errors.Error{
			Message:       fmt.Sprintf("publish to %s refused with reason code 0x%x", topic, res.ReasonCode),
			Kind:          errors.TransportFailure,
			PropertyName:  "topic",
			PropertyValue: topic,
		}
	}
	return errors.Normalize(err, errors.TransportFailure, "publish")
}

func (c *connection) Done() <-chan struct{} {
	return c.done
}

func (c *connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Disconnect sends DISCONNECT and closes the connection. It is safe to call
// after the connection has been lost.
func (c *connection) Disconnect(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.closing.Store(true)
	dp := &paho.Disconnect{ReasonCode: 0}
	c.log.Packet(ctx, "disconnect", dp)
	err := c.client.Disconnect(dp)
	c.lost(nil)
	return errors.Normalize(err, errors.TransportFailure, "disconnect")
}

func (c *connection) lost(err error) {
	// Errors raised by our own DISCONNECT tearing down the socket are noise.
	if c.closing.Load() {
		err = nil
	}
	c.doneOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}
