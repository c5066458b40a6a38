// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/eclipse/paho.golang/paho"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/log"
	"github.com/stretchr/testify/require"
)

func capture(level slog.Level) (log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return log.Wrap(slog.New(h)), &buf
}

func entry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestNilLoggerIsSafe(t *testing.T) {
	l := log.Wrap(nil)
	require.False(t, l.Enabled(context.Background(), slog.LevelError))
	l.Info(context.Background(), "dropped")
	l.Err(context.Background(), &errors.Error{Message: "dropped"})
}

func TestErrExpandsAttrs(t *testing.T) {
	l, buf := capture(slog.LevelInfo)
	l.Err(context.Background(), &errors.Error{
		Message:      "deviceId is required",
		Kind:         errors.MissingRequiredField,
		PropertyName: "deviceId",
	}, slog.String("topic", "iot/device/data"))

	m := entry(t, buf)
	require.Equal(t, "ERROR", m["level"])
	require.Equal(t, "deviceId is required", m["msg"])
	require.Equal(t, "missing required field", m["kind"])
	require.Equal(t, "deviceId", m["property_name"])
	require.Equal(t, "iot/device/data", m["topic"])

	// The source is the caller, not the wrapper.
	source := m["source"].(map[string]any)
	require.Contains(t, source["file"], "logger_test.go")
}

func TestLevelsAreFiltered(t *testing.T) {
	l, buf := capture(slog.LevelInfo)
	l.Debug(context.Background(), "hidden")
	require.Zero(t, buf.Len())

	l.Warn(context.Background(), "shown")
	require.Equal(t, "WARN", entry(t, buf)["level"])
}

func TestPacket(t *testing.T) {
	l, buf := capture(slog.LevelDebug)
	l.Packet(context.Background(), "publish", &paho.Publish{
		Topic:   "iot/device/data",
		QoS:     1,
		Payload: []byte(`{"deviceId":"d"}`),
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
			User:        paho.UserProperties{{Key: "source", Value: "sim"}},
		},
	})

	m := entry(t, buf)
	require.Equal(t, "publish", m["msg"])
	require.Equal(t, "iot/device/data", m["topic"])
	require.Equal(t, float64(1), m["qos"])
	require.Equal(t, `{"deviceId":"d"}`, m["payload"])
	require.Equal(t, "application/json", m["content_type"])
	require.Equal(t, map[string]any{"source": "sim"}, m["user"])
	require.NotContains(t, m, "retain")
}

func TestPacketSkippedAboveDebug(t *testing.T) {
	l, buf := capture(slog.LevelInfo)
	l.Packet(context.Background(), "publish", &paho.Publish{Topic: "t"})
	require.Zero(t, buf.Len())
}
