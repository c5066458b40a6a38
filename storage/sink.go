// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/telemetry"
)

// Append writes the record to the partition's table. The partition must be one
// the store was opened with.
func (s *Store) Append(
	ctx context.Context,
	p telemetry.Partition,
	rec *telemetry.Record,
) error {
	if _, ok := s.partitions[p]; !ok {
		return &errors.Error{
			Message:       "unknown partition",
			Kind:          errors.StorageFailure,
			PropertyName:  "partition",
			PropertyValue: p,
		}
	}

	// The table name comes from the fixed partition set validated in Open.
	// #nosec G201
	query := fmt.Sprintf(
		"INSERT INTO %s (device_id, temperature, gas, timestamp) VALUES (?, ?, ?, ?)",
		p,
	)
	_, err := s.db.ExecContext(ctx, query,
		rec.DeviceID,
		nullable(rec.Temperature),
		nullable(rec.Gas),
		rec.StorageTimestamp(),
	)
	if err != nil {
		return errors.Normalize(err, errors.StorageFailure,
			fmt.Sprintf("append to %s", p))
	}

	s.log.Debug(ctx, "record stored",
		slog.String("partition", string(p)),
		slog.String("device_id", rec.DeviceID),
	)
	return nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func pointer(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
