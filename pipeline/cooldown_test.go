// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestCooldownWindow(t *testing.T) {
	c := newCooldown(time.Minute)

	require.True(t, c.allow("a", epoch))
	require.False(t, c.allow("a", epoch.Add(59*time.Second)))
	require.True(t, c.allow("b", epoch.Add(59*time.Second)))
	require.True(t, c.allow("a", epoch.Add(time.Minute)))
	require.False(t, c.allow("a", epoch.Add(90*time.Second)))
}

func TestCooldownDisabled(t *testing.T) {
	c := newCooldown(0)
	for range 5 {
		require.True(t, c.allow("a", epoch))
	}
}

func TestCooldownRacingAllowsOne(t *testing.T) {
	c := newCooldown(time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.allow("a", epoch) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), allowed.Load())
}

func TestCooldownPrunesExpired(t *testing.T) {
	c := newCooldown(time.Second)
	for i := range cooldownPruneSize {
		c.allow(string(rune('a'+i%26))+time.Duration(i).String(), epoch)
	}
	require.Len(t, c.last, cooldownPruneSize)

	require.True(t, c.allow("late", epoch.Add(time.Hour)))
	require.Len(t, c.last, 1)
}

func TestConcurrentDrainsQueue(t *testing.T) {
	for _, n := range []uint{0, 1, 4} {
		queue := make(chan int, 16)
		var sum atomic.Int64
		wait := concurrent(n, queue, func(v int) { sum.Add(int64(v)) })
		for i := 1; i <= 10; i++ {
			queue <- i
		}
		close(queue)
		wait()
		require.Equal(t, int64(55), sum.Load(), "concurrency %d", n)
	}
}
