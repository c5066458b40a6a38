// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/wallclock"
)

// Struct to apply a mandatory timeout.
type timeout struct {
	time.Duration
	Name string
	Text string
}

func (to *timeout) validate() error {
	if to.Duration <= 0 {
		return &errors.Error{
			Message:       "timeout must be positive",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  to.Name,
			PropertyValue: to.Duration,
		}
	}
	return nil
}

func (to *timeout) context(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	return wallclock.Instance.WithTimeoutCause(
		ctx,
		to.Duration,
		&errors.Error{
			Message:       fmt.Sprintf("%s timed out", to.Text),
			Kind:          errors.Timeout,
			PropertyName:  to.Name,
			PropertyValue: to.Duration,
		},
	)
}
