// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package errors

import "log/slog"

// Attrs returns the structured attributes of the error for slog.
func (e *Error) Attrs() []slog.Attr {
	a := make([]slog.Attr, 0, 4)

	a = append(a, slog.String("kind", e.Kind.String()))

	if e.NestedError != nil {
		a = append(a, slog.String("nested_error", e.NestedError.Error()))
	}

	if e.PropertyName != "" {
		a = append(a, slog.String("property_name", e.PropertyName))
	}

	if e.PropertyValue != nil {
		a = append(a, slog.Any("property_value", e.PropertyValue))
	}

	return a
}
