// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/sensorhub/ingest/retry"
	"github.com/sensorhub/ingest/telemetry"
)

type (
	// Options are the resolved coordinator options.
	Options struct {
		// Topic and QoS of the inbound subscription.
		Topic string
		QoS   byte

		// QueueSize bounds the messages received but not yet processed.
		QueueSize int

		// Workers is the number of messages processed concurrently.
		Workers uint

		// EnqueueTimeout bounds how long the transport waits for queue space
		// before the message is dropped.
		EnqueueTimeout time.Duration

		// EffectTimeout bounds each of persist, broadcast and notify.
		EffectTimeout time.Duration

		// AlertCooldown is the minimum time between alerts for one device.
		// Zero notifies on every exceeding message.
		AlertCooldown time.Duration

		// Reconnect is the policy for (re)establishing the subscription. Its
		// exhaustion moves the coordinator to the Failed state.
		Reconnect retry.Policy

		Logger *slog.Logger
	}

	// Option represents a single coordinator option.
	Option func(*Options)
)

func defaultOptions() Options {
	return Options{
		Topic:          telemetry.Topic,
		QoS:            1,
		QueueSize:      256,
		Workers:        8,
		EnqueueTimeout: time.Second,
		EffectTimeout:  5 * time.Second,
	}
}

// WithTopic sets the inbound topic.
func WithTopic(topic string) Option {
	return func(o *Options) { o.Topic = topic }
}

// WithQoS sets the subscription QoS.
func WithQoS(qos byte) Option {
	return func(o *Options) { o.QoS = qos }
}

// WithQueueSize sets the work queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Options) { o.QueueSize = n }
}

// WithWorkers sets the number of concurrent message processors.
func WithWorkers(n uint) Option {
	return func(o *Options) { o.Workers = n }
}

// WithEnqueueTimeout sets how long the transport may block on a full queue.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(o *Options) { o.EnqueueTimeout = d }
}

// WithEffectTimeout sets the timeout of each downstream effect.
func WithEffectTimeout(d time.Duration) Option {
	return func(o *Options) { o.EffectTimeout = d }
}

// WithAlertCooldown sets the per-device alert cool-down window.
func WithAlertCooldown(d time.Duration) Option {
	return func(o *Options) { o.AlertCooldown = d }
}

// WithReconnect sets the reconnect policy.
func WithReconnect(p retry.Policy) Option {
	return func(o *Options) { o.Reconnect = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
