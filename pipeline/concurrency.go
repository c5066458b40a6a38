// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline

import "sync"

// Runs handler on every value received from queue with the given maximum
// concurrency (where 0 indicates one goroutine per value). Returns a function
// that blocks until queue has been closed and every handler has returned.
func concurrent[T any](
	concurrency uint,
	queue <-chan T,
	handler func(T),
) func() {
	var wg sync.WaitGroup

	// For no maximum concurrency, spin up a goroutine for each value.
	if concurrency == 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for val := range queue {
				wg.Add(1)
				go func() {
					defer wg.Done()
					handler(val)
				}()
			}
		}()
		return wg.Wait
	}

	wg.Add(int(concurrency))
	for i := uint(0); i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for val := range queue {
				handler(val)
			}
		}()
	}
	return wg.Wait
}
