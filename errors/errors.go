// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package errors defines the structured errors raised by the ingestion
// pipeline. Every error that crosses a package boundary is an *Error so that
// it can be logged with its attributes and classified by Kind.
package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
)

type (
	// Error represents a structured pipeline error.
	Error struct {
		Message string
		Kind    Kind

		NestedError error

		PropertyName  string
		PropertyValue any
	}

	// Kind defines the type of error being thrown.
	Kind int
)

// The following are the defined error kinds.
const (
	UnknownError Kind = iota

	// Decode failures; the message is dropped.
	MalformedEncoding
	MissingRequiredField
	InvalidTimestamp

	// Effect failures; isolated to the effect that raised them.
	StorageFailure
	NotifyFailure

	// Transport failures; the coordinator reconnects.
	TransportFailure

	ConfigurationInvalid
	ArgumentInvalid
	StateInvalid
	Timeout
	Cancellation
	ExecutionException
)

var kindNames = map[Kind]string{
	UnknownError:         "unknown error",
	MalformedEncoding:    "malformed encoding",
	MissingRequiredField: "missing required field",
	InvalidTimestamp:     "invalid timestamp",
	StorageFailure:       "storage failure",
	NotifyFailure:        "notify failure",
	TransportFailure:     "transport failure",
	ConfigurationInvalid: "configuration invalid",
	ArgumentInvalid:      "argument invalid",
	StateInvalid:         "state invalid",
	Timeout:              "timeout",
	Cancellation:         "cancellation",
	ExecutionException:   "execution exception",
}

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsDecode reports whether the kind is one of the decode failures.
func (k Kind) IsDecode() bool {
	return k == MalformedEncoding ||
		k == MissingRequiredField ||
		k == InvalidTimestamp
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the nested error, if any.
func (e *Error) Unwrap() error {
	return e.NestedError
}

// Is matches another *Error of the same kind, so callers can test with
// errors.Is(err, &errors.Error{Kind: errors.Timeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain, or UnknownError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownError
}

// Normalize well-known errors into pipeline errors, using the provided kind
// for anything that is not a timeout or cancellation.
func Normalize(err error, kind Kind, msg string) error {
	if e, ok := err.(*Error); ok {
		return e
	}

	switch {
	case err == nil:
		return nil

	case os.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return &Error{
			Message:     fmt.Sprintf("%s timed out", msg),
			Kind:        Timeout,
			NestedError: err,
		}

	case errors.Is(err, context.Canceled):
		return &Error{
			Message:     fmt.Sprintf("%s cancelled", msg),
			Kind:        Cancellation,
			NestedError: err,
		}

	default:
		return &Error{
			Message:     fmt.Sprintf("%s: %s", msg, err.Error()),
			Kind:        kind,
			NestedError: err,
		}
	}
}

// Context extracts the timeout or cancellation error from a context.
func Context(ctx context.Context, msg string) error {
	// A cause set by this module is already an *Error and is returned as-is.
	if err := context.Cause(ctx); err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		return Normalize(err, UnknownError, msg)
	}
	return nil
}
