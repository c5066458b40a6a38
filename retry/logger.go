// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/sensorhub/ingest/internal/log"
)

type logger struct{ log.Logger }

func (l *logger) attempt(ctx context.Context, task string, attempt uint64) {
	l.Debug(ctx, task+" attempt", slog.Uint64("attempt", attempt))
}

func (l *logger) backoff(
	ctx context.Context,
	task string,
	attempt uint64,
	interval time.Duration,
	err error,
) {
	attrs := append([]slog.Attr{
		slog.Uint64("attempt", attempt),
		slog.Duration("interval", interval),
	}, failure(err)...)
	l.Warn(ctx, task+" failed; backing off", attrs...)
}

func (l *logger) giveUp(
	ctx context.Context,
	task string,
	attempt uint64,
	err error,
) {
	attrs := append([]slog.Attr{
		slog.Uint64("attempt", attempt),
		slog.Bool("final", !Retryable(err)),
	}, failure(err)...)
	l.Warn(ctx, task+" abandoned", attrs...)
}

func (l *logger) succeeded(ctx context.Context, task string, attempt uint64) {
	if attempt > 1 {
		l.Info(ctx, task+" succeeded", slog.Uint64("attempt", attempt))
	}
}

// The structured attributes of pipeline errors are kept so the kind is
// visible next to each failed attempt.
func failure(err error) []slog.Attr {
	attrs := []slog.Attr{slog.String("error", err.Error())}
	if a, ok := err.(log.Attrs); ok {
		attrs = append(attrs, a.Attrs()...)
	}
	return attrs
}
