// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package wallclock is the single source of time for the service. Production
// code reads the clock through Instance; tests replace Instance to freeze or
// advance apparent time.
package wallclock

import (
	"context"
	"time"
)

type (
	// WallClock is the subset of packages time and context the service
	// depends on.
	WallClock interface {
		Now() time.Time
		After(d time.Duration) <-chan time.Time
		NewTicker(d time.Duration) Ticker
		WithTimeoutCause(
			parent context.Context,
			timeout time.Duration,
			cause error,
		) (context.Context, context.CancelFunc)
	}

	// Ticker abstracts time.Ticker.
	Ticker interface {
		C() <-chan time.Time
		Stop()
	}

	system struct{}

	systemTicker struct{ t *time.Ticker }
)

// Instance is the clock in use.
var Instance WallClock = system{}

// Since returns the time elapsed on Instance since t.
func Since(t time.Time) time.Duration {
	return Instance.Now().Sub(t)
}

func (system) Now() time.Time {
	return time.Now()
}

func (system) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (system) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

func (system) WithTimeoutCause(
	parent context.Context,
	timeout time.Duration,
	cause error,
) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, timeout, cause)
}

func (t systemTicker) C() <-chan time.Time {
	return t.t.C
}

func (t systemTicker) Stop() {
	t.t.Stop()
}
