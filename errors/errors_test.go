// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errors_test

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/sensorhub/ingest/errors"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.NoError(t, errors.Normalize(nil, errors.StorageFailure, "append"))

	err := errors.Normalize(stderr.New("disk I/O error"), errors.StorageFailure, "append")
	require.Equal(t, errors.StorageFailure, errors.KindOf(err))
	require.Equal(t, "append: disk I/O error", err.Error())

	err = errors.Normalize(
		fmt.Errorf("exec: %w", context.DeadlineExceeded),
		errors.StorageFailure,
		"append",
	)
	require.Equal(t, errors.Timeout, errors.KindOf(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = errors.Normalize(context.Canceled, errors.StorageFailure, "append")
	require.Equal(t, errors.Cancellation, errors.KindOf(err))

	orig := &errors.Error{Message: "kept", Kind: errors.NotifyFailure}
	require.Same(t, orig, errors.Normalize(orig, errors.StorageFailure, "x"))
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &errors.Error{
		Message: "deviceId is required",
		Kind:    errors.MissingRequiredField,
	})
	require.ErrorIs(t, err, &errors.Error{Kind: errors.MissingRequiredField})
	require.NotErrorIs(t, err, &errors.Error{Kind: errors.InvalidTimestamp})
	require.Equal(t, errors.UnknownError, errors.KindOf(stderr.New("plain")))
}

func TestKind(t *testing.T) {
	require.True(t, errors.MalformedEncoding.IsDecode())
	require.True(t, errors.InvalidTimestamp.IsDecode())
	require.False(t, errors.StorageFailure.IsDecode())
	require.Equal(t, "storage failure", errors.StorageFailure.String())
	require.Equal(t, "kind(99)", errors.Kind(99).String())
}

func TestContext(t *testing.T) {
	require.NoError(t, errors.Context(context.Background(), "op"))

	cause := &errors.Error{Message: "persist timed out", Kind: errors.Timeout}
	ctx, cancel := context.WithTimeoutCause(context.Background(), time.Nanosecond, cause)
	defer cancel()
	<-ctx.Done()
	require.Same(t, cause, errors.Context(ctx, "persist"))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.Equal(t, errors.Cancellation, errors.KindOf(errors.Context(ctx, "persist")))
}

func TestAttrs(t *testing.T) {
	err := &errors.Error{
		Message:       "bad",
		Kind:          errors.InvalidTimestamp,
		NestedError:   stderr.New("parse"),
		PropertyName:  "timestamp",
		PropertyValue: "noon",
	}

	attrs := map[string]string{}
	for _, a := range err.Attrs() {
		attrs[a.Key] = a.Value.String()
	}
	require.Equal(t, map[string]string{
		"kind":           "invalid timestamp",
		"nested_error":   "parse",
		"property_name":  "timestamp",
		"property_value": "noon",
	}, attrs)

	require.Len(t, (&errors.Error{Kind: errors.Timeout}).Attrs(), 1)
}
