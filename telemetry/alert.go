// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package telemetry

import (
	"fmt"
	"strconv"
	"time"
)

// Default alert thresholds. Readings strictly above a limit raise an alert.
const (
	DefaultTemperatureLimit = 35.0
	DefaultGasLimit         = 80.0
)

// AlertKind identifies which reading triggered an alert.
type AlertKind string

// Alert kinds. A combined alert is raised when both readings are over their
// limits in the same record.
const (
	AlertTemperature AlertKind = "temperature"
	AlertGas         AlertKind = "gas"
	AlertCombined    AlertKind = "combined"
)

// AlertEvent is raised when a record crosses a threshold. The ID is assigned
// by the pipeline when the event is dispatched.
type AlertEvent struct {
	ID              string    `json:"id,omitempty"`
	DeviceID        string    `json:"deviceId"`
	Kind            AlertKind `json:"kind"`
	TriggeringValue float64   `json:"triggeringValue"`
	Temperature     *float64  `json:"temperature,omitempty"`
	Gas             *float64  `json:"gas,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Message         string    `json:"message"`
}

// Evaluator decides whether a record should raise an alert. It holds no state
// besides its limits and is safe for concurrent use.
type Evaluator struct {
	TemperatureLimit float64
	GasLimit         float64
}

// DefaultEvaluator returns an evaluator with the default limits.
func DefaultEvaluator() Evaluator {
	return Evaluator{
		TemperatureLimit: DefaultTemperatureLimit,
		GasLimit:         DefaultGasLimit,
	}
}

// Evaluate returns the alert for the record, or nil if no reading is over its
// limit. At most one event is returned per record.
func (e Evaluator) Evaluate(r *Record) *AlertEvent {
	hot := r.Temperature != nil && *r.Temperature > e.TemperatureLimit
	gassy := r.Gas != nil && *r.Gas > e.GasLimit

	ev := &AlertEvent{
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp,
	}

	switch {
	case hot && gassy:
		ev.Kind = AlertCombined
		ev.TriggeringValue = *r.Temperature
		ev.Temperature = r.Temperature
		ev.Gas = r.Gas
		ev.Message = fmt.Sprintf(
			"device %s reported high temperature %s and gas %s at %s",
			r.DeviceID, num(*r.Temperature), num(*r.Gas), stamp(r.Timestamp),
		)
	case hot:
		ev.Kind = AlertTemperature
		ev.TriggeringValue = *r.Temperature
		ev.Temperature = r.Temperature
		ev.Message = fmt.Sprintf(
			"device %s reported high temperature %s at %s",
			r.DeviceID, num(*r.Temperature), stamp(r.Timestamp),
		)
	case gassy:
		ev.Kind = AlertGas
		ev.TriggeringValue = *r.Gas
		ev.Gas = r.Gas
		ev.Message = fmt.Sprintf(
			"device %s reported high gas %s at %s",
			r.DeviceID, num(*r.Gas), stamp(r.Timestamp),
		)
	default:
		return nil
	}

	return ev
}

// Readings returns the readings carried by the event keyed by name.
func (ev *AlertEvent) Readings() map[string]float64 {
	m := make(map[string]float64, 2)
	if ev.Temperature != nil {
		m[FieldTemperature] = *ev.Temperature
	}
	if ev.Gas != nil {
		m[FieldGas] = *ev.Gas
	}
	return m
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
