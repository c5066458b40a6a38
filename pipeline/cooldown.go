// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline

import (
	"sync"
	"time"
)

// Entries older than the window are pruned once the map grows past this.
const cooldownPruneSize = 4096

// cooldown suppresses repeated alerts for a device within a window. The check
// and the update happen under one lock, so two racing messages from the same
// device cannot both pass.
type cooldown struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func newCooldown(window time.Duration) *cooldown {
	return &cooldown{window: window, last: make(map[string]time.Time)}
}

// allow reports whether an alert for the device may be sent at now, and if so
// starts a new window.
func (c *cooldown) allow(device string, now time.Time) bool {
	if c.window <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.last[device]; ok && now.Sub(prev) < c.window {
		return false
	}

	if len(c.last) >= cooldownPruneSize {
		for id, t := range c.last {
			if now.Sub(t) >= c.window {
				delete(c.last, id)
			}
		}
	}

	c.last[device] = now
	return true
}
