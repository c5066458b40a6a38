// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package notify delivers alert events. The pipeline treats every notifier as
// fire-and-forget: it calls Notify once with a bounded context and logs the
// error, if any. Retrying is up to the notifier.
package notify

import (
	"context"
	stderr "errors"
	"sync"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/storage"
	"github.com/sensorhub/ingest/telemetry"
)

type (
	// Notifier delivers a single alert.
	Notifier interface {
		Notify(context.Context, *telemetry.AlertEvent) error
	}

	// Func adapts a function to a Notifier.
	Func func(context.Context, *telemetry.AlertEvent) error

	// Multi delivers each alert to every notifier concurrently. A failure of
	// one destination does not prevent delivery to the others.
	Multi []Notifier

	// AlertLog persists alerts in the store's alert table.
	AlertLog struct {
		Store *storage.Store
	}
)

// Notify calls f.
func (f Func) Notify(ctx context.Context, ev *telemetry.AlertEvent) error {
	return f(ctx, ev)
}

// Notify fans the alert out to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, ev *telemetry.AlertEvent) error {
	switch len(m) {
	case 0:
		return nil
	case 1:
		return wrap(m[0].Notify(ctx, ev))
	}

	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, n := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = n.Notify(ctx, ev)
		}()
	}
	wg.Wait()

	return wrap(stderr.Join(errs...))
}

// Notify appends the alert to the alert log.
func (a AlertLog) Notify(ctx context.Context, ev *telemetry.AlertEvent) error {
	return wrap(a.Store.AppendAlert(ctx, ev))
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*errors.Error); ok &&
		(e.Kind == errors.NotifyFailure || e.Kind == errors.Timeout) {
		return e
	}
	return &errors.Error{
		Message:     "alert notification failed: " + err.Error(),
		Kind:        errors.NotifyFailure,
		NestedError: err,
	}
}
