// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package pipeline

import "time"

// State is the connection state of a coordinator.
type State int32

// Coordinator states. Disconnected, Connecting and Subscribed cycle while the
// coordinator runs; Stopped and Failed are terminal.
const (
	Disconnected State = iota
	Connecting
	Subscribed
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health is a snapshot of the coordinator's condition for operators.
type Health struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	Since     time.Time `json:"since"`
	LastError string    `json:"lastError,omitempty"`
	Healthy   bool      `json:"healthy"`
}

// Stats are cumulative counters since the coordinator was created.
type Stats struct {
	Received         uint64 `json:"received"`
	Dropped          uint64 `json:"dropped"`
	DecodeFailed     uint64 `json:"decodeFailed"`
	Persisted        uint64 `json:"persisted"`
	PersistFailed    uint64 `json:"persistFailed"`
	Broadcast        uint64 `json:"broadcast"`
	Alerts           uint64 `json:"alerts"`
	AlertsSuppressed uint64 `json:"alertsSuppressed"`
	NotifyFailed     uint64 `json:"notifyFailed"`
	Connects         uint64 `json:"connects"`
}
