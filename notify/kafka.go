// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package notify

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/telemetry"
)

type (
	// Kafka publishes each alert as a JSON message keyed by device, so alerts
	// for one device stay ordered within a partition.
	Kafka struct {
		writer messageWriter
	}

	messageWriter interface {
		WriteMessages(context.Context, ...kafka.Message) error
		Close() error
	}
)

// NewKafka creates a notifier writing to the topic on the given brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, &errors.Error{
			Message:      "at least one kafka broker is required",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "brokers",
		}
	}
	if topic == "" {
		return nil, &errors.Error{
			Message:      "kafka topic is required",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "topic",
		}
	}

	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}, nil
}

// Notify publishes the alert.
func (k *Kafka) Notify(ctx context.Context, ev *telemetry.AlertEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return &errors.Error{
			Message:     "cannot encode alert",
			Kind:        errors.NotifyFailure,
			NestedError: err,
		}
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.DeviceID),
		Value: value,
		Time:  ev.Timestamp,
	})
	return errors.Normalize(err, errors.NotifyFailure, "publish alert to kafka")
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
