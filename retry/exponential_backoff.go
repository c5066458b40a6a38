// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/log"
	"github.com/sensorhub/ingest/internal/wallclock"
)

// Defaults used when the corresponding ExponentialBackoff field is zero.
const (
	DefaultMinInterval = time.Second / 8
	DefaultMaxInterval = 30 * time.Second
)

// ExponentialBackoff doubles the wait after every failed attempt, from
// MinInterval up to MaxInterval, with a ±5% jitter so that many clients
// dropped by the same broker restart do not reconnect in lockstep.
type ExponentialBackoff struct {
	// MaxAttempts caps the number of attempts; 0 retries until the context
	// ends and 1 disables retries.
	MaxAttempts uint64

	MinInterval time.Duration
	MaxInterval time.Duration

	// Timeout bounds all attempts together.
	Timeout time.Duration

	NoJitter bool

	Logger *slog.Logger
}

// Start makes attempts until one succeeds, one fails with an error that is
// not Retryable, the attempts are exhausted or ctx ends. It returns the last
// attempt's error, or the context's error if ctx ended while waiting.
func (e *ExponentialBackoff) Start(
	ctx context.Context,
	name string,
	task Task,
) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = wallclock.Instance.WithTimeoutCause(
			ctx,
			e.Timeout,
			&errors.Error{
				Message:       name + " timed out",
				Kind:          errors.Timeout,
				PropertyName:  "Timeout",
				PropertyValue: e.Timeout,
			},
		)
		defer cancel()
	}

	l := logger{log.Wrap(e.Logger)}
	for attempt := uint64(1); ; attempt++ {
		l.attempt(ctx, name, attempt)

		err := task(ctx)
		if err == nil {
			l.succeeded(ctx, name, attempt)
			return nil
		}

		interval := e.Interval(ctx, attempt, Retryable(err))
		if interval == 0 {
			l.giveUp(ctx, name, attempt, err)
			return err
		}

		l.backoff(ctx, name, attempt, interval, err)
		select {
		case <-wallclock.Instance.After(interval):
		case <-ctx.Done():
			err := errors.Context(ctx, name)
			l.giveUp(ctx, name, attempt, err)
			return err
		}
	}
}

// Interval returns the wait before the next attempt, or zero if there should
// be no next attempt.
func (e *ExponentialBackoff) Interval(
	ctx context.Context,
	attempt uint64,
	retry bool,
) time.Duration {
	if !retry || attempt == e.MaxAttempts || ctx.Err() != nil {
		return 0
	}

	minInterval := e.MinInterval
	if minInterval == 0 {
		minInterval = DefaultMinInterval
	}
	maxInterval := max(e.MaxInterval, minInterval)
	if e.MaxInterval == 0 {
		maxInterval = max(DefaultMaxInterval, minInterval)
	}

	// The exponent stops growing once the wait reaches maxInterval.
	factor := math.Pow(2, min(
		float64(attempt-1),
		math.Log2(float64(maxInterval)/float64(minInterval)),
	))
	if !e.NoJitter {
		// #nosec G404
		j := rand.New(rand.NewSource(wallclock.Instance.Now().UnixNano()))
		factor *= .95 + .1*j.Float64()
	}
	return time.Duration(factor * float64(minInterval))
}
