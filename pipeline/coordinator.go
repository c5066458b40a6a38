// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package pipeline ties the transport to the downstream effects. A Coordinator
// keeps one subscription to the telemetry topic alive, queues inbound
// messages, and for every decodable message persists it, broadcasts it and
// evaluates it for alerts, each in isolation from the others.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/fanout"
	"github.com/sensorhub/ingest/internal/log"
	"github.com/sensorhub/ingest/internal/wallclock"
	"github.com/sensorhub/ingest/mqtt"
	"github.com/sensorhub/ingest/notify"
	"github.com/sensorhub/ingest/retry"
	"github.com/sensorhub/ingest/storage"
	"github.com/sensorhub/ingest/telemetry"
)

type (
	// Coordinator owns the subscription and the per-message processing.
	Coordinator struct {
		dialer    mqtt.Dialer
		sink      storage.Sink
		fanout    fanout.Broadcaster
		notifier  notify.Notifier
		router    *telemetry.Router
		evaluator telemetry.Evaluator

		opt      Options
		cooldown *cooldown
		log      log.Logger

		queue     chan *mqtt.Message
		stopping  chan struct{}
		acceptMu  sync.RWMutex
		accepting bool
		started   atomic.Bool

		mu     sync.Mutex
		health Health

		stats counters
	}

	counters struct {
		received         atomic.Uint64
		dropped          atomic.Uint64
		decodeFailed     atomic.Uint64
		persisted        atomic.Uint64
		persistFailed    atomic.Uint64
		broadcast        atomic.Uint64
		alerts           atomic.Uint64
		alertsSuppressed atomic.Uint64
		notifyFailed     atomic.Uint64
		connects         atomic.Uint64
	}
)

// New creates a coordinator. A nil router selects the fixed device-class rules.
func New(
	dialer mqtt.Dialer,
	sink storage.Sink,
	broadcaster fanout.Broadcaster,
	notifier notify.Notifier,
	router *telemetry.Router,
	evaluator telemetry.Evaluator,
	opt ...Option,
) (*Coordinator, error) {
	switch {
	case dialer == nil:
		return nil, argumentError("dialer")
	case sink == nil:
		return nil, argumentError("sink")
	case broadcaster == nil:
		return nil, argumentError("broadcaster")
	case notifier == nil:
		return nil, argumentError("notifier")
	}

	opts := defaultOptions()
	for _, o := range opt {
		o(&opts)
	}

	to := timeout{Duration: opts.EffectTimeout, Name: "EffectTimeout"}
	if err := to.validate(); err != nil {
		return nil, err
	}
	if opts.QueueSize < 0 {
		return nil, &errors.Error{
			Message:       "queue size cannot be negative",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "QueueSize",
			PropertyValue: opts.QueueSize,
		}
	}
	if opts.Topic == "" {
		return nil, &errors.Error{
			Message:      "topic is required",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "Topic",
		}
	}
	if opts.Reconnect == nil {
		opts.Reconnect = &retry.ExponentialBackoff{Logger: opts.Logger}
	}
	if router == nil {
		router = telemetry.DefaultRouter()
	}

	c := &Coordinator{
		dialer:    dialer,
		sink:      sink,
		fanout:    broadcaster,
		notifier:  notifier,
		router:    router,
		evaluator: evaluator,
		opt:       opts,
		cooldown:  newCooldown(opts.AlertCooldown),
		log:       log.Wrap(opts.Logger),
		queue:     make(chan *mqtt.Message, opts.QueueSize),
		stopping:  make(chan struct{}),
		accepting: true,
	}
	c.health = Health{
		State:     Disconnected,
		StateName: Disconnected.String(),
		Since:     wallclock.Instance.Now(),
		Healthy:   true,
	}
	return c, nil
}

// Run keeps the subscription alive until ctx is cancelled or the reconnect
// policy gives up. On cancellation it stops accepting messages, drains the
// queue, waits for in-flight effects and then disconnects; it returns nil. If
// reconnection is exhausted the coordinator is left Failed and the error is
// returned. Run may only be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return &errors.Error{
			Message: "coordinator already started",
			Kind:    errors.StateInvalid,
		}
	}

	// In-flight effects outlive ctx so that shutdown can drain.
	effects := context.WithoutCancel(ctx)
	wait := concurrent(c.opt.Workers, c.queue, func(msg *mqtt.Message) {
		c.process(effects, msg)
	})

	for {
		conn, err := c.connect(ctx)
		if err != nil {
			c.drain(wait)
			if ctx.Err() != nil {
				c.setState(effects, Stopped, nil)
				return nil
			}
			c.setState(effects, Failed, err)
			return err
		}
		c.stats.connects.Add(1)
		c.setState(ctx, Subscribed, nil)

		select {
		case <-conn.Done():
			err := conn.Err()
			if err == nil {
				err = &errors.Error{
					Message: "connection closed",
					Kind:    errors.TransportFailure,
				}
			}
			c.setState(ctx, Disconnected, err)

		case <-ctx.Done():
			c.drain(wait)

			dctx, cancel := c.bounded(effects, "disconnect")
			if err := conn.Disconnect(dctx); err != nil {
				c.log.Err(effects, err)
			}
			cancel()

			c.setState(effects, Stopped, nil)
			return nil
		}
	}
}

// Health returns the current state and the last error observed.
func (c *Coordinator) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	return c.Health().State
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Received:         c.stats.received.Load(),
		Dropped:          c.stats.dropped.Load(),
		DecodeFailed:     c.stats.decodeFailed.Load(),
		Persisted:        c.stats.persisted.Load(),
		PersistFailed:    c.stats.persistFailed.Load(),
		Broadcast:        c.stats.broadcast.Load(),
		Alerts:           c.stats.alerts.Load(),
		AlertsSuppressed: c.stats.alertsSuppressed.Load(),
		NotifyFailed:     c.stats.notifyFailed.Load(),
		Connects:         c.stats.connects.Load(),
	}
}

func (c *Coordinator) connect(ctx context.Context) (mqtt.Connection, error) {
	c.setState(ctx, Connecting, nil)

	var conn mqtt.Connection
	err := c.opt.Reconnect.Start(ctx, "connect", func(ctx context.Context) error {
		cn, err := c.dialer.Dial(ctx, c.enqueue)
		if err != nil {
			return err
		}
		if err := cn.Subscribe(ctx, c.opt.Topic, c.opt.QoS); err != nil {
			dctx, cancel := c.bounded(context.WithoutCancel(ctx), "disconnect")
			_ = cn.Disconnect(dctx)
			cancel()
			return err
		}
		conn = cn
		return nil
	})
	if err != nil {
		return nil, errors.Normalize(
			err,
			errors.TransportFailure,
			"subscribe to "+c.opt.Topic,
		)
	}
	return conn, nil
}

// enqueue is the transport's message handler. It blocks for at most
// EnqueueTimeout when the queue is full and then drops the message.
func (c *Coordinator) enqueue(ctx context.Context, msg *mqtt.Message) {
	c.acceptMu.RLock()
	defer c.acceptMu.RUnlock()

	c.stats.received.Add(1)
	if !c.accepting {
		c.drop(ctx, msg, "coordinator stopping")
		return
	}

	select {
	case c.queue <- msg:
		return
	default:
	}

	if c.opt.EnqueueTimeout <= 0 {
		c.drop(ctx, msg, "queue full")
		return
	}

	select {
	case c.queue <- msg:
	case <-wallclock.Instance.After(c.opt.EnqueueTimeout):
		c.drop(ctx, msg, "queue full")
	case <-c.stopping:
		c.drop(ctx, msg, "coordinator stopping")
	case <-ctx.Done():
		c.drop(ctx, msg, "transport closed")
	}
}

func (c *Coordinator) drop(ctx context.Context, msg *mqtt.Message, why string) {
	c.stats.dropped.Add(1)
	c.log.Warn(ctx, "message dropped",
		slog.String("reason", why),
		slog.String("topic", msg.Topic),
	)
}

// drain stops accepting messages and waits for the queue to empty.
func (c *Coordinator) drain(wait func()) {
	close(c.stopping)

	// Pending enqueues hold the read lock; they have been released by the
	// stopping channel above.
	c.acceptMu.Lock()
	c.accepting = false
	close(c.queue)
	c.acceptMu.Unlock()

	wait()
}

func (c *Coordinator) setState(ctx context.Context, s State, err error) {
	c.mu.Lock()
	prev := c.health.State
	c.health.State = s
	c.health.StateName = s.String()
	c.health.Since = wallclock.Instance.Now()
	c.health.Healthy = s != Failed
	if err != nil {
		c.health.LastError = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Err(ctx, err, slog.String("state", s.String()))
	}
	if prev != s {
		c.log.Info(ctx, "state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()),
		)
	}
}

// bounded derives a context limited by the effect timeout.
func (c *Coordinator) bounded(
	ctx context.Context,
	text string,
) (context.Context, context.CancelFunc) {
	to := timeout{Duration: c.opt.EffectTimeout, Name: "EffectTimeout", Text: text}
	return to.context(ctx)
}

func argumentError(name string) error {
	return &errors.Error{
		Message:      name + " is required",
		Kind:         errors.ArgumentInvalid,
		PropertyName: name,
	}
}

func newAlertID() string {
	return uuid.NewString()
}
