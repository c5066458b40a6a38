// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command devicesim publishes simulated sensor readings to the telemetry
// topic, one message per device per interval.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/wallclock"
	"github.com/sensorhub/ingest/mqtt"
	"github.com/sensorhub/ingest/retry"
	"github.com/sensorhub/ingest/telemetry"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("devicesim", pflag.ExitOnError)
	host := flags.String("host", "localhost", "MQTT broker host")
	port := flags.Int("port", 1883, "MQTT broker port")
	topic := flags.String("topic", telemetry.Topic, "telemetry topic")
	devices := flags.StringSlice("device",
		[]string{"device_temp_001", "device_gas_001"},
		"device IDs to simulate")
	interval := flags.Duration("interval", 5*time.Second, "publish interval")
	count := flags.Int("count", 0, "messages per device; 0 publishes until stopped")
	_ = flags.Parse(os.Args[1:])

	log := slog.New(tint.NewHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	dialer := &mqtt.PahoDialer{
		Provider: mqtt.TCPConnection(*host, *port),
		ClientID: "device_" + uuid.NewString()[:8],
		Logger:   log,
	}
	// #nosec G404
	sim := simulator{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

	p := &publisher{
		dialer:   dialer,
		policy:   &retry.ExponentialBackoff{Logger: log},
		topic:    *topic,
		devices:  *devices,
		interval: *interval,
		count:    *count,
		sim:      sim,
		log:      log,
	}
	if err := p.run(ctx); err != nil {
		log.Error("devicesim stopped with error", "error", err)
		os.Exit(1)
	}
}

type publisher struct {
	dialer   mqtt.Dialer
	policy   retry.Policy
	topic    string
	devices  []string
	interval time.Duration
	count    int
	sim      simulator
	log      *slog.Logger
}

// run publishes until count rounds have been sent or ctx ends, reconnecting
// whenever the broker drops the connection.
func (p *publisher) run(ctx context.Context) error {
	sent := 0
	for {
		conn, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Normalize(err, errors.TransportFailure, "connect to broker")
		}

		lost := p.publish(ctx, conn, &sent)

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = conn.Disconnect(dctx)
		cancel()

		if lost == nil {
			return nil
		}
		p.log.Warn("connection lost; reconnecting", "error", lost)
	}
}

func (p *publisher) connect(ctx context.Context) (mqtt.Connection, error) {
	var conn mqtt.Connection
	err := p.policy.Start(ctx, "connect", func(ctx context.Context) error {
		var err error
		conn, err = p.dialer.Dial(ctx, func(context.Context, *mqtt.Message) {})
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("device connected to MQTT broker")
	return conn, nil
}

// publish sends rounds of readings on conn. It returns nil when done and the
// reason otherwise if the connection is lost first.
func (p *publisher) publish(
	ctx context.Context,
	conn mqtt.Connection,
	sent *int,
) error {
	ticker := wallclock.Instance.NewTicker(p.interval)
	defer ticker.Stop()

	for ; p.count == 0 || *sent < p.count; *sent++ {
		select {
		case <-conn.Done():
			return lostError(conn)
		default:
		}

		for _, id := range p.devices {
			payload, err := json.Marshal(p.sim.reading(id, wallclock.Instance.Now()))
			if err != nil {
				p.log.Error("encode error", "device_id", id, "error", err)
				continue
			}
			if err := conn.Publish(ctx, p.topic, payload, 1); err != nil {
				p.log.Error("publish error", "device_id", id, "error", err)
				continue
			}
			p.log.Info("published data", "payload", string(payload))
		}

		select {
		case <-ticker.C():
		case <-conn.Done():
			// This round went out before the loss.
			*sent++
			return lostError(conn)
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func lostError(conn mqtt.Connection) error {
	if err := conn.Err(); err != nil {
		return errors.Normalize(err, errors.TransportFailure, "connection lost")
	}
	return &errors.Error{
		Message: "connection closed by broker",
		Kind:    errors.TransportFailure,
	}
}

type simulator struct {
	rand *rand.Rand
}

// reading produces a record for the device class implied by its ID.
// Temperatures range over 0-50 and gas over 0-120, so both cross their
// default limits from time to time.
func (s simulator) reading(id string, now time.Time) *telemetry.Record {
	rec := &telemetry.Record{DeviceID: id, Timestamp: now.UTC()}
	temp := strings.Contains(id, "temp")
	gas := strings.Contains(id, "gas")
	if temp || !gas {
		rec.Temperature = telemetry.Float(float64(s.rand.Intn(50)))
	}
	if gas || !temp {
		rec.Gas = telemetry.Float(float64(s.rand.Intn(120)))
	}
	return rec
}
