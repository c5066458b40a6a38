// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package storage

import (
	"context"
	"database/sql"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/telemetry"
)

// StoredAlert is a persisted alert.
type StoredAlert struct {
	ID              string   `json:"id"`
	DeviceID        string   `json:"deviceId"`
	Kind            string   `json:"kind"`
	TriggeringValue float64  `json:"triggeringValue"`
	Temperature     *float64 `json:"temperature"`
	Gas             *float64 `json:"gas"`
	Message         string   `json:"message"`
	Timestamp       string   `json:"timestamp"`
}

// AppendAlert records an alert in the alert log.
func (s *Store) AppendAlert(ctx context.Context, ev *telemetry.AlertEvent) error {
	if ev.ID == "" {
		return &errors.Error{
			Message:      "alert has no identifier",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "id",
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts
			(id, device_id, kind, triggering_value, temperature, gas, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.DeviceID,
		string(ev.Kind),
		ev.TriggeringValue,
		nullable(ev.Temperature),
		nullable(ev.Gas),
		ev.Message,
		ev.Timestamp.UTC().Format(telemetry.StorageLayout),
	)
	return errors.Normalize(err, errors.StorageFailure, "append alert")
}

// Alerts returns alerts matching the filter, most recent first. The filter's
// partition is ignored.
func (s *Store) Alerts(ctx context.Context, f Filter) ([]StoredAlert, error) {
	where, args := f.where()
	args = append(args, f.limit())

	// #nosec G202
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, kind, triggering_value, temperature, gas, message, timestamp
		FROM alerts`+where+` ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, errors.Normalize(err, errors.StorageFailure, "query alerts")
	}
	defer rows.Close()

	out := []StoredAlert{}
	for rows.Next() {
		var a StoredAlert
		var temp, gas sql.NullFloat64
		if err := rows.Scan(
			&a.ID, &a.DeviceID, &a.Kind, &a.TriggeringValue,
			&temp, &gas, &a.Message, &a.Timestamp,
		); err != nil {
			return nil, errors.Normalize(err, errors.StorageFailure, "scan alert")
		}
		a.Temperature = pointer(temp)
		a.Gas = pointer(gas)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Normalize(err, errors.StorageFailure, "query alerts")
	}
	return out, nil
}
