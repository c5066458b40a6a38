// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package telemetry holds the pure parts of the ingestion pipeline: decoding
// device payloads into records, routing records to partitions, and deciding
// whether a record should raise an alert.
package telemetry

import (
	"encoding/json"
	"time"
)

// Topic is the MQTT topic devices publish their readings to.
const Topic = "iot/device/data"

// StorageLayout is the layout used for timestamps at rest. Records are stored
// in UTC at second precision.
const StorageLayout = "2006-01-02 15:04:05"

// Record is one decoded, validated sensor reading. It is constructed once by
// Decode and never modified afterwards.
type Record struct {
	DeviceID    string
	Temperature *float64
	Gas         *float64
	Timestamp   time.Time
}

type recordJSON struct {
	DeviceID    string   `json:"deviceId"`
	Temperature *float64 `json:"temperature,omitempty"`
	Gas         *float64 `json:"gas,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// HasReading reports whether the record carries at least one sensor value.
func (r *Record) HasReading() bool {
	return r.Temperature != nil || r.Gas != nil
}

// StorageTimestamp returns the timestamp formatted for storage.
func (r *Record) StorageTimestamp() string {
	return r.Timestamp.UTC().Format(StorageLayout)
}

// MarshalJSON encodes the record in the same shape devices publish it.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		DeviceID:    r.DeviceID,
		Temperature: r.Temperature,
		Gas:         r.Gas,
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Float is a helper to take the address of a reading literal.
func Float(v float64) *float64 {
	return &v
}
