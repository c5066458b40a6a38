// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/mqtt"
	"github.com/sensorhub/ingest/retry"
	"github.com/sensorhub/ingest/telemetry"
	"github.com/stretchr/testify/require"
)

func TestReadingsDecode(t *testing.T) {
	sim := simulator{rand: rand.New(rand.NewSource(1))}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for id, want := range map[string][2]bool{
		"device_temp_001": {true, false},
		"device_gas_001":  {false, true},
		"device_001":      {true, true},
	} {
		payload, err := json.Marshal(sim.reading(id, now))
		require.NoError(t, err)

		rec, err := telemetry.Decode(payload)
		require.NoError(t, err, id)
		require.Equal(t, id, rec.DeviceID)
		require.True(t, rec.Timestamp.Equal(now))
		require.Equal(t, want[0], rec.Temperature != nil, id)
		require.Equal(t, want[1], rec.Gas != nil, id)
	}
}

type fakeConn struct {
	mu        sync.Mutex
	published []string

	// Close the connection without an error after this many publishes.
	dropAfter int

	done chan struct{}
	once sync.Once
}

func (*fakeConn) Subscribe(context.Context, string, byte) error { return nil }

func (c *fakeConn) Publish(_ context.Context, _ string, payload []byte, _ byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, string(payload))
	if len(c.published) == c.dropAfter {
		c.once.Do(func() { close(c.done) })
	}
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (*fakeConn) Err() error { return nil }

func (c *fakeConn) Disconnect(context.Context) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context, mqtt.MessageHandler) (mqtt.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func newPublisher(d mqtt.Dialer, count int) *publisher {
	return &publisher{
		dialer: d,
		policy: &retry.ExponentialBackoff{
			MaxAttempts: 3,
			MinInterval: time.Millisecond,
			MaxInterval: time.Millisecond,
		},
		topic:    telemetry.Topic,
		devices:  []string{"device_temp_001"},
		interval: time.Millisecond,
		count:    count,
		sim:      simulator{rand: rand.New(rand.NewSource(1))},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestReconnectsWhenBrokerCloses(t *testing.T) {
	first := &fakeConn{dropAfter: 1, done: make(chan struct{})}
	second := &fakeConn{done: make(chan struct{})}
	d := &fakeDialer{conns: []*fakeConn{first, second}}

	require.NoError(t, newPublisher(d, 3).run(context.Background()))
	require.Equal(t, 2, d.dials)
	require.Equal(t, 1, first.count())
	require.Equal(t, 2, second.count())
}

func TestConnectFailureIsReported(t *testing.T) {
	d := &fakeDialer{err: &errors.Error{
		Message: "connection refused",
		Kind:    errors.TransportFailure,
	}}

	err := newPublisher(d, 1).run(context.Background())
	require.Equal(t, errors.TransportFailure, errors.KindOf(err))
	require.Equal(t, 3, d.dials)
}

func TestStopsOnCancel(t *testing.T) {
	c := &fakeConn{done: make(chan struct{})}
	d := &fakeDialer{conns: []*fakeConn{c}}
	p := newPublisher(d, 0)
	p.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for c.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	require.NoError(t, p.run(ctx))
	require.Equal(t, 1, c.count())
}
