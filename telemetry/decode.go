// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package telemetry

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/sensorhub/ingest/errors"
)

// Field names of the inbound payload.
const (
	FieldDeviceID    = "deviceId"
	FieldTimestamp   = "timestamp"
	FieldTemperature = "temperature"
	FieldGas         = "gas"
)

// Decode parses a raw transport payload into a validated record. It has no
// side effects. Sensor values that are not numeric are treated as absent so
// that noisy devices are still recorded.
func Decode(payload []byte) (*Record, error) {
	fields, err := object(payload)
	if err != nil {
		return nil, err
	}

	id, ok := fields[FieldDeviceID].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return nil, &errors.Error{
			Message:       "payload is missing a device identifier",
			Kind:          errors.MissingRequiredField,
			PropertyName:  FieldDeviceID,
			PropertyValue: fields[FieldDeviceID],
		}
	}

	raw, ok := fields[FieldTimestamp]
	if !ok || raw == nil {
		return nil, &errors.Error{
			Message:      "payload is missing a timestamp",
			Kind:         errors.MissingRequiredField,
			PropertyName: FieldTimestamp,
		}
	}

	ts, err := timestamp(raw)
	if err != nil {
		return nil, err
	}

	return &Record{
		DeviceID:    id,
		Temperature: reading(fields[FieldTemperature]),
		Gas:         reading(fields[FieldGas]),
		Timestamp:   ts,
	}, nil
}

func object(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, &errors.Error{
			Message:     "payload is not a JSON object",
			Kind:        errors.MalformedEncoding,
			NestedError: err,
		}
	}
	if fields == nil {
		return nil, &errors.Error{
			Message: "payload is null",
			Kind:    errors.MalformedEncoding,
		}
	}
	if err := dec.Decode(new(json.RawMessage)); err != io.EOF {
		return nil, &errors.Error{
			Message: "payload has trailing data",
			Kind:    errors.MalformedEncoding,
		}
	}
	return fields, nil
}

// Timestamps are ISO 8601 strings; integral numbers are accepted as Unix
// milliseconds. Years must fit the four digits of StorageLayout so that stored
// timestamps sort chronologically.
func timestamp(raw any) (time.Time, error) {
	t, err := instant(raw)
	if err != nil {
		return time.Time{}, err
	}
	if y := t.Year(); y < 0 || y > 9999 {
		return time.Time{}, &errors.Error{
			Message:       "timestamp is outside years 0000 to 9999",
			Kind:          errors.InvalidTimestamp,
			PropertyName:  FieldTimestamp,
			PropertyValue: raw,
		}
	}
	return t, nil
}

func instant(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		t, err := iso8601.ParseString(strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, &errors.Error{
				Message:       "timestamp is not a valid ISO 8601 date-time",
				Kind:          errors.InvalidTimestamp,
				NestedError:   err,
				PropertyName:  FieldTimestamp,
				PropertyValue: v,
			}
		}
		return t.UTC(), nil

	case json.Number:
		ms, err := v.Int64()
		if err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
	}

	return time.Time{}, &errors.Error{
		Message:       "timestamp cannot be normalized to a point in time",
		Kind:          errors.InvalidTimestamp,
		PropertyName:  FieldTimestamp,
		PropertyValue: raw,
	}
}

func reading(raw any) *float64 {
	var f float64
	var err error

	switch v := raw.(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return nil
	}

	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
