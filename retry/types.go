// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package retry runs connection attempts until they succeed, the error they
// fail with is final, or the policy gives up.
package retry

import (
	"context"

	"github.com/sensorhub/ingest/errors"
)

type (
	// Task is a single attempt. Whether a failed attempt is repeated depends
	// on the kind of error it returns; see Retryable.
	Task = func(context.Context) error

	// Policy is the retry policy for task execution.
	Policy interface {
		Start(ctx context.Context, name string, task Task) error
	}
)

// Retryable reports whether an attempt that failed with err could succeed if
// made again. Errors caused by the caller's arguments or configuration are
// final; anything else, including errors without a kind, is retried.
func Retryable(err error) bool {
	switch errors.KindOf(err) {
	case errors.ConfigurationInvalid,
		errors.ArgumentInvalid,
		errors.StateInvalid:
		return false
	default:
		return true
	}
}
