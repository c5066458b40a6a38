// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package fanout_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sensorhub/ingest/fanout"
	"github.com/sensorhub/ingest/telemetry"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func observe(t *testing.T, hub *fanout.Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

func TestBroadcastWithoutObservers(t *testing.T) {
	hub := fanout.NewHub()
	done := make(chan struct{})
	go func() {
		hub.Broadcast(&telemetry.Record{DeviceID: "d", Timestamp: time.Now()})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked with no observers")
	}
	require.Zero(t, hub.Count())
}

func TestBroadcastReachesEveryObserver(t *testing.T) {
	hub := fanout.NewHub()
	a := observe(t, hub)
	b := observe(t, hub)
	require.Eventually(t, func() bool { return hub.Count() == 2 },
		5*time.Second, 10*time.Millisecond)

	rec := &telemetry.Record{
		DeviceID:    "device_temp_001",
		Temperature: telemetry.Float(40.5),
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	hub.Broadcast(rec)

	for _, conn := range []*websocket.Conn{a, b} {
		f := read(t, conn)
		require.Equal(t, fanout.EventData, f.Event)
		require.JSONEq(t,
			`{"deviceId":"device_temp_001","temperature":40.5,"timestamp":"2024-01-01T00:00:00Z"}`,
			string(f.Payload),
		)
	}
}

func TestAlertFrames(t *testing.T) {
	hub := fanout.NewHub()
	conn := observe(t, hub)
	require.Eventually(t, func() bool { return hub.Count() == 1 },
		5*time.Second, 10*time.Millisecond)

	ev := &telemetry.AlertEvent{DeviceID: "d", Kind: telemetry.AlertGas, TriggeringValue: 90}
	require.NoError(t, hub.Notify(context.Background(), ev))

	f := read(t, conn)
	require.Equal(t, fanout.EventAlert, f.Event)
	require.Contains(t, string(f.Payload), `"kind":"gas"`)
}

func TestObserverDisconnectIsNoticed(t *testing.T) {
	hub := fanout.NewHub()
	conn := observe(t, hub)
	require.Eventually(t, func() bool { return hub.Count() == 1 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestCloseDisconnectsObservers(t *testing.T) {
	hub := fanout.NewHub()
	conn := observe(t, hub)
	require.Eventually(t, func() bool { return hub.Count() == 1 },
		5*time.Second, 10*time.Millisecond)

	hub.Close()
	require.Zero(t, hub.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
