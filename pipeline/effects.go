// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/wallclock"
	"github.com/sensorhub/ingest/mqtt"
	"github.com/sensorhub/ingest/telemetry"
)

// process decodes one message and runs its effects. Decode failures drop the
// message with no side effects; effect failures are logged and isolated.
func (c *Coordinator) process(ctx context.Context, msg *mqtt.Message) {
	rec, err := telemetry.Decode(msg.Payload)
	if err != nil {
		c.stats.decodeFailed.Add(1)
		c.log.Err(ctx, err, slog.String("topic", msg.Topic))
		return
	}

	partition := c.router.Route(rec.DeviceID)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.persist(ctx, partition, rec)
	}()
	go func() {
		defer wg.Done()
		c.broadcast(ctx, rec)
	}()
	go func() {
		defer wg.Done()
		c.alert(ctx, rec)
	}()
	wg.Wait()
}

func (c *Coordinator) persist(
	ctx context.Context,
	partition telemetry.Partition,
	rec *telemetry.Record,
) {
	err := c.effect(ctx, "persist", errors.StorageFailure, func(
		ctx context.Context,
	) error {
		return c.sink.Append(ctx, partition, rec)
	})
	if err != nil {
		c.stats.persistFailed.Add(1)
		c.log.Err(ctx, err,
			slog.String("device_id", rec.DeviceID),
			slog.String("partition", string(partition)),
		)
		return
	}
	c.stats.persisted.Add(1)
}

func (c *Coordinator) broadcast(ctx context.Context, rec *telemetry.Record) {
	err := c.effect(ctx, "broadcast", errors.UnknownError, func(
		context.Context,
	) error {
		c.fanout.Broadcast(rec)
		return nil
	})
	if err != nil {
		c.log.Err(ctx, err, slog.String("device_id", rec.DeviceID))
		return
	}
	c.stats.broadcast.Add(1)
}

func (c *Coordinator) alert(ctx context.Context, rec *telemetry.Record) {
	ev := c.evaluator.Evaluate(rec)
	if ev == nil {
		return
	}

	if !c.cooldown.allow(rec.DeviceID, wallclock.Instance.Now()) {
		c.stats.alertsSuppressed.Add(1)
		c.log.Debug(ctx, "alert suppressed",
			slog.String("device_id", rec.DeviceID),
			slog.String("kind", string(ev.Kind)),
		)
		return
	}

	ev.ID = newAlertID()
	c.stats.alerts.Add(1)

	err := c.effect(ctx, "notify", errors.NotifyFailure, func(
		ctx context.Context,
	) error {
		return c.notifier.Notify(ctx, ev)
	})
	if err != nil {
		c.stats.notifyFailed.Add(1)
		c.log.Err(ctx, err,
			slog.String("device_id", rec.DeviceID),
			slog.String("alert_id", ev.ID),
		)
		return
	}
	c.log.Info(ctx, "alert raised",
		slog.String("device_id", ev.DeviceID),
		slog.String("alert_id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.Float64("value", ev.TriggeringValue),
	)
}

// effect runs fn under the effect timeout. A callee that ignores its context
// is abandoned when the timeout fires; a panic is converted to an error.
func (c *Coordinator) effect(
	ctx context.Context,
	name string,
	kind errors.Kind,
	fn func(context.Context) error,
) error {
	ctx, cancel := c.bounded(ctx, name)
	defer cancel()

	res := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				res <- &errors.Error{
					Message:       fmt.Sprintf("%s panicked", name),
					Kind:          errors.ExecutionException,
					PropertyName:  name,
					PropertyValue: p,
				}
			}
		}()
		res <- errors.Normalize(fn(ctx), kind, name)
	}()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return errors.Context(ctx, name)
	}
}
