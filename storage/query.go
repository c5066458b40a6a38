// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/telemetry"
)

// Query result bounds.
const (
	DefaultQueryLimit = 500
	MaxQueryLimit     = 1000
)

type (
	// Filter selects persisted rows. Zero fields are unconstrained; From and To
	// are inclusive.
	Filter struct {
		Partition telemetry.Partition
		DeviceID  string
		From      time.Time
		To        time.Time
		Limit     int
	}

	// StoredRecord is a persisted telemetry record.
	StoredRecord struct {
		ID          int64               `json:"id"`
		Partition   telemetry.Partition `json:"partition"`
		DeviceID    string              `json:"deviceId"`
		Temperature *float64            `json:"temperature"`
		Gas         *float64            `json:"gas"`
		Timestamp   string              `json:"timestamp"`
	}
)

func (f *Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

// where builds the WHERE clause shared by record and alert queries.
func (f *Filter) where() (string, []any) {
	var conds []string
	var args []any

	if f.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC().Format(telemetry.StorageLayout))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UTC().Format(telemetry.StorageLayout))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns records matching the filter, most recent first. Without a
// partition the partition is derived from the device via the router; without
// either, every partition is searched.
func (s *Store) Query(
	ctx context.Context,
	f Filter,
	router *telemetry.Router,
) ([]StoredRecord, error) {
	p := f.Partition
	if p == "" && f.DeviceID != "" && router != nil {
		p = router.Route(f.DeviceID)
	}

	var tables []telemetry.Partition
	if p != "" {
		if _, ok := s.partitions[p]; !ok {
			return nil, &errors.Error{
				Message:       "unknown partition",
				Kind:          errors.ArgumentInvalid,
				PropertyName:  "partition",
				PropertyValue: p,
			}
		}
		tables = []telemetry.Partition{p}
	} else {
		for t := range s.partitions {
			tables = append(tables, t)
		}
	}

	where, args := f.where()
	selects := make([]string, len(tables))
	var all []any
	for i, t := range tables {
		// #nosec G201
		selects[i] = fmt.Sprintf(
			"SELECT id, '%[1]s' AS part, device_id, temperature, gas, timestamp FROM %[1]s%[2]s",
			t, where,
		)
		all = append(all, args...)
	}
	query := strings.Join(selects, " UNION ALL ") +
		" ORDER BY timestamp DESC, id DESC LIMIT ?"
	all = append(all, f.limit())

	rows, err := s.db.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, errors.Normalize(err, errors.StorageFailure, "query records")
	}
	defer rows.Close()

	out := []StoredRecord{}
	for rows.Next() {
		var r StoredRecord
		var temp, gas sql.NullFloat64
		if err := rows.Scan(
			&r.ID, &r.Partition, &r.DeviceID, &temp, &gas, &r.Timestamp,
		); err != nil {
			return nil, errors.Normalize(err, errors.StorageFailure, "scan record")
		}
		r.Temperature = pointer(temp)
		r.Gas = pointer(gas)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Normalize(err, errors.StorageFailure, "query records")
	}
	return out, nil
}
