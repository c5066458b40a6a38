// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline_test

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/wallclock"
	"github.com/sensorhub/ingest/mqtt"
	"github.com/sensorhub/ingest/pipeline"
	"github.com/sensorhub/ingest/retry"
	"github.com/sensorhub/ingest/telemetry"
	"github.com/stretchr/testify/require"
)

const (
	wait = 5 * time.Second
	tick = 5 * time.Millisecond
)

type fakeConn struct {
	handler mqtt.MessageHandler

	mu     sync.Mutex
	topics []string
	err    error

	done         chan struct{}
	once         sync.Once
	disconnected atomic.Bool
}

func (c *fakeConn) Subscribe(_ context.Context, topic string, _ byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return nil
}

func (*fakeConn) Publish(context.Context, string, []byte, byte) error {
	return nil
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.disconnected.Store(true)
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) lose(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *fakeConn) deliver(payload string) {
	c.handler(context.Background(), &mqtt.Message{
		Topic:   telemetry.Topic,
		Payload: []byte(payload),
		QoS:     1,
	})
}

type fakeDialer struct {
	failures atomic.Int32
	conns    chan *fakeConn
}

func newDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(
	_ context.Context,
	handler mqtt.MessageHandler,
) (mqtt.Connection, error) {
	if d.failures.Add(-1) >= 0 {
		return nil, &errors.Error{
			Message: "connection refused",
			Kind:    errors.TransportFailure,
		}
	}
	c := &fakeConn{handler: handler, done: make(chan struct{})}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(wait):
		t.Fatal("no connection dialed")
		return nil
	}
}

type appended struct {
	partition telemetry.Partition
	record    *telemetry.Record
}

type fakeSink struct {
	mu      sync.Mutex
	records []appended

	err   error
	block bool
	delay time.Duration
}

func (s *fakeSink) Append(
	ctx context.Context,
	p telemetry.Partition,
	r *telemetry.Record,
) error {
	if s.block {
		select {}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, appended{p, r})
	return ctx.Err()
}

func (s *fakeSink) all() []appended {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appended(nil), s.records...)
}

type fakeFanout struct {
	mu      sync.Mutex
	records []*telemetry.Record
}

func (f *fakeFanout) Broadcast(r *telemetry.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

func (f *fakeFanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*telemetry.AlertEvent
	err    error
}

func (n *fakeNotifier) Notify(
	_ context.Context,
	ev *telemetry.AlertEvent,
) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *fakeNotifier) all() []*telemetry.AlertEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*telemetry.AlertEvent(nil), n.events...)
}

type harness struct {
	dialer   *fakeDialer
	sink     *fakeSink
	fanout   *fakeFanout
	notifier *fakeNotifier
	coord    *pipeline.Coordinator

	cancel context.CancelFunc
	result chan error
}

func start(
	t *testing.T,
	sink *fakeSink,
	opts ...pipeline.Option,
) *harness {
	t.Helper()
	h := &harness{
		dialer:   newDialer(),
		sink:     sink,
		fanout:   &fakeFanout{},
		notifier: &fakeNotifier{},
		result:   make(chan error, 1),
	}

	var err error
	h.coord, err = pipeline.New(
		h.dialer,
		h.sink,
		h.fanout,
		h.notifier,
		telemetry.DefaultRouter(),
		telemetry.DefaultEvaluator(),
		append([]pipeline.Option{
			pipeline.WithReconnect(&retry.ExponentialBackoff{
				MinInterval: time.Millisecond,
				MaxInterval: 10 * time.Millisecond,
			}),
		}, opts...)...,
	)
	require.NoError(t, err)

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.result <- h.coord.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.result:
		h.result <- err
		return err
	case <-time.After(wait):
		t.Fatal("coordinator did not stop")
		return nil
	}
}

func (h *harness) subscribed(t *testing.T) *fakeConn {
	t.Helper()
	conn := h.dialer.next(t)
	require.Eventually(t, func() bool {
		return h.coord.State() == pipeline.Subscribed
	}, wait, tick)
	return conn
}

func TestTemperatureAlertEndToEnd(t *testing.T) {
	h := start(t, &fakeSink{})
	conn := h.subscribed(t)
	require.Equal(t, []string{telemetry.Topic}, conn.topics)

	conn.deliver(`{"deviceId":"device_temp_01","temperature":40,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		return len(h.notifier.all()) == 1 &&
			len(h.sink.all()) == 1 &&
			h.fanout.count() == 1
	}, wait, tick)

	stored := h.sink.all()[0]
	require.Equal(t, telemetry.PartitionTemperature, stored.partition)
	require.Equal(t, "device_temp_01", stored.record.DeviceID)

	ev := h.notifier.all()[0]
	require.Equal(t, telemetry.AlertTemperature, ev.Kind)
	require.Equal(t, 40.0, ev.TriggeringValue)
	require.NotEmpty(t, ev.ID)

	stats := h.coord.Stats()
	require.Equal(t, uint64(1), stats.Received)
	require.Equal(t, uint64(1), stats.Alerts)
}

func TestGasWithinLimitDoesNotAlert(t *testing.T) {
	h := start(t, &fakeSink{})
	conn := h.subscribed(t)

	conn.deliver(`{"deviceId":"device_gas_7","gas":50,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		return h.coord.Stats().Persisted == 1 && h.fanout.count() == 1
	}, wait, tick)
	require.Equal(t, telemetry.PartitionGas, h.sink.all()[0].partition)
	require.Empty(t, h.notifier.all())
}

func TestUndecodableMessagesHaveNoEffects(t *testing.T) {
	h := start(t, &fakeSink{}, pipeline.WithWorkers(1))
	conn := h.subscribed(t)

	conn.deliver(`not json`)
	conn.deliver(`{"temperature":99,"timestamp":"2024-01-01T00:00:00Z"}`)
	conn.deliver(`{"deviceId":"device_temp_1","temperature":99,` +
		`"timestamp":"yesterday"}`)

	require.Eventually(t, func() bool {
		return h.coord.Stats().DecodeFailed == 3
	}, wait, tick)
	require.Empty(t, h.sink.all())
	require.Zero(t, h.fanout.count())
	require.Empty(t, h.notifier.all())
}

func TestSinkFailureIsIsolated(t *testing.T) {
	sink := &fakeSink{err: &errors.Error{
		Message: "disk full",
		Kind:    errors.StorageFailure,
	}}
	h := start(t, sink)
	conn := h.subscribed(t)

	conn.deliver(`{"deviceId":"device_gas_1","gas":120,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		return h.coord.Stats().PersistFailed == 1 &&
			len(h.notifier.all()) == 1 &&
			h.fanout.count() == 1
	}, wait, tick)
	require.Equal(t, telemetry.AlertGas, h.notifier.all()[0].Kind)
}

func TestStalledSinkTimesOut(t *testing.T) {
	h := start(t, &fakeSink{block: true},
		pipeline.WithEffectTimeout(50*time.Millisecond))
	conn := h.subscribed(t)

	conn.deliver(`{"deviceId":"device_temp_1","temperature":36,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		return h.coord.Stats().PersistFailed == 1
	}, wait, tick)
	require.Len(t, h.notifier.all(), 1)
	require.Equal(t, 1, h.fanout.count())
}

func TestNotifyFailureIsCounted(t *testing.T) {
	h := start(t, &fakeSink{})
	h.notifier.err = stderr.New("smtp unavailable")
	conn := h.subscribed(t)

	conn.deliver(`{"deviceId":"device_temp_1","temperature":36,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`)

	require.Eventually(t, func() bool {
		s := h.coord.Stats()
		return s.NotifyFailed == 1 && s.Persisted == 1
	}, wait, tick)
}

func TestCooldownSuppressesBurst(t *testing.T) {
	clock := wallclock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	prev := wallclock.Instance
	wallclock.Instance = clock
	t.Cleanup(func() { wallclock.Instance = prev })

	h := start(t, &fakeSink{}, pipeline.WithAlertCooldown(time.Minute))
	conn := h.subscribed(t)

	hot := `{"deviceId":"device_temp_9","temperature":50,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`
	for range 5 {
		conn.deliver(hot)
	}

	require.Eventually(t, func() bool {
		return h.coord.Stats().Persisted == 5
	}, wait, tick)
	require.Eventually(t, func() bool {
		s := h.coord.Stats()
		return s.Alerts == 1 && s.AlertsSuppressed == 4
	}, wait, tick)
	require.Len(t, h.notifier.all(), 1)

	clock.Advance(time.Minute)
	conn.deliver(hot)
	require.Eventually(t, func() bool {
		return len(h.notifier.all()) == 2
	}, wait, tick)
}

func TestNoCooldownAlertsEveryMessage(t *testing.T) {
	h := start(t, &fakeSink{})
	conn := h.subscribed(t)

	for range 3 {
		conn.deliver(`{"deviceId":"device_gas_2","gas":81,` +
			`"timestamp":"2024-01-01T00:00:00Z"}`)
	}
	require.Eventually(t, func() bool {
		return len(h.notifier.all()) == 3
	}, wait, tick)
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	h := start(t, &fakeSink{})
	h.dialer.failures.Store(2)
	first := h.subscribed(t)

	first.lose(&errors.Error{
		Message: "connection reset",
		Kind:    errors.TransportFailure,
	})

	second := h.subscribed(t)
	require.Equal(t, uint64(2), h.coord.Stats().Connects)
	require.Equal(t, "connection reset", h.coord.Health().LastError)

	second.deliver(`{"deviceId":"x","timestamp":"2024-01-01T00:00:00Z"}`)
	require.Eventually(t, func() bool {
		return len(h.sink.all()) == 1
	}, wait, tick)
	require.Equal(t, telemetry.PartitionUnclassified, h.sink.all()[0].partition)
}

func TestReconnectCeilingFails(t *testing.T) {
	dialer := newDialer()
	dialer.failures.Store(1000)

	coord, err := pipeline.New(
		dialer,
		&fakeSink{},
		&fakeFanout{},
		&fakeNotifier{},
		nil,
		telemetry.DefaultEvaluator(),
		pipeline.WithReconnect(&retry.ExponentialBackoff{
			MaxAttempts: 3,
			MinInterval: time.Millisecond,
			NoJitter:    true,
		}),
	)
	require.NoError(t, err)

	err = coord.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, errors.TransportFailure, errors.KindOf(err))

	health := coord.Health()
	require.Equal(t, pipeline.Failed, health.State)
	require.False(t, health.Healthy)
	require.NotEmpty(t, health.LastError)
}

func TestShutdownDrainsQueue(t *testing.T) {
	h := start(t, &fakeSink{delay: 10 * time.Millisecond},
		pipeline.WithWorkers(1))
	conn := h.subscribed(t)

	for range 10 {
		conn.deliver(`{"deviceId":"device_gas_3","gas":10,` +
			`"timestamp":"2024-01-01T00:00:00Z"}`)
	}

	require.NoError(t, h.stop(t))
	require.Len(t, h.sink.all(), 10)
	require.True(t, conn.disconnected.Load())
	require.Equal(t, pipeline.Stopped, h.coord.State())

	// Messages arriving after shutdown are dropped.
	conn.deliver(`{"deviceId":"device_gas_3","gas":10,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`)
	require.Equal(t, uint64(1), h.coord.Stats().Dropped)
}

func TestFullQueueDropsAfterTimeout(t *testing.T) {
	h := start(t, &fakeSink{},
		pipeline.WithWorkers(1),
		pipeline.WithQueueSize(1),
		pipeline.WithEnqueueTimeout(10*time.Millisecond),
	)
	conn := h.subscribed(t)

	// Hold the single worker inside the notifier.
	h.notifier.mu.Lock()
	locked := true
	t.Cleanup(func() {
		if locked {
			h.notifier.mu.Unlock()
		}
	})

	hot := `{"deviceId":"device_temp_1","temperature":99,` +
		`"timestamp":"2024-01-01T00:00:00Z"}`
	conn.deliver(hot)
	require.Eventually(t, func() bool {
		return h.coord.Stats().Persisted == 1
	}, wait, tick)

	conn.deliver(hot) // queued
	conn.deliver(hot) // dropped
	require.Equal(t, uint64(1), h.coord.Stats().Dropped)

	h.notifier.mu.Unlock()
	locked = false
	require.Eventually(t, func() bool {
		return h.coord.Stats().Persisted == 2
	}, wait, tick)
}

func TestRunTwice(t *testing.T) {
	h := start(t, &fakeSink{})
	h.subscribed(t)

	err := h.coord.Run(context.Background())
	require.Equal(t, errors.StateInvalid, errors.KindOf(err))
}

func TestNewValidates(t *testing.T) {
	_, err := pipeline.New(nil, &fakeSink{}, &fakeFanout{}, &fakeNotifier{},
		nil, telemetry.DefaultEvaluator())
	require.Equal(t, errors.ArgumentInvalid, errors.KindOf(err))

	_, err = pipeline.New(newDialer(), &fakeSink{}, &fakeFanout{},
		&fakeNotifier{}, nil, telemetry.DefaultEvaluator(),
		pipeline.WithEffectTimeout(-time.Second))
	require.Equal(t, errors.ConfigurationInvalid, errors.KindOf(err))

	// Every effect must be bounded.
	_, err = pipeline.New(newDialer(), &fakeSink{}, &fakeFanout{},
		&fakeNotifier{}, nil, telemetry.DefaultEvaluator(),
		pipeline.WithEffectTimeout(0))
	require.Equal(t, errors.ConfigurationInvalid, errors.KindOf(err))
}
