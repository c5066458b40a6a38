// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package wallclock

import (
	"context"
	"sync"
	"time"
)

// Manual is a WallClock whose apparent time only moves when Advance is called.
// Deadlines and After channels still use the real clock; only Now is frozen,
// which is what cool-down and timestamp tests need.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Advance moves the apparent time forward.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Now returns the apparent time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// WithTimeoutCause expires on the real clock.
func (*Manual) WithTimeoutCause(
	parent context.Context,
	timeout time.Duration,
	cause error,
) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, timeout, cause)
}

// After waits on the real clock.
func (*Manual) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// NewTicker ticks on the real clock.
func (*Manual) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}
