// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package storage persists telemetry records and alerts in SQLite. Each
// partition is a table created once when the store is opened; appends to an
// unknown partition are rejected rather than creating tables on the fly.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/internal/log"
	"github.com/sensorhub/ingest/telemetry"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

type (
	// Sink is the append-only persistence interface consumed by the pipeline.
	Sink interface {
		Append(context.Context, telemetry.Partition, *telemetry.Record) error
	}

	// Store is the SQLite implementation of Sink, which also serves the read
	// side of the persisted data.
	Store struct {
		db         *sql.DB
		partitions map[telemetry.Partition]struct{}
		log        log.Logger
	}

	// Option represents a single store option.
	Option func(*Store)
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const alertTable = "alerts"

// WithLogger sets the logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = log.Wrap(l) }
}

// Open opens the database at dsn and creates the tables for the given
// partitions and the alert log if they do not exist.
func Open(
	ctx context.Context,
	dsn string,
	partitions []telemetry.Partition,
	opts ...Option,
) (*Store, error) {
	if len(partitions) == 0 {
		return nil, &errors.Error{
			Message:      "at least one partition is required",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "partitions",
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Normalize(err, errors.StorageFailure, "open database")
	}

	s := &Store{
		db:         db,
		partitions: make(map[telemetry.Partition]struct{}, len(partitions)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, p := range partitions {
		if !identifier.MatchString(string(p)) || string(p) == alertTable {
			_ = db.Close()
			return nil, &errors.Error{
				Message:       "partition name is not a valid table name",
				Kind:          errors.ArgumentInvalid,
				PropertyName:  "partition",
				PropertyValue: p,
			}
		}
		if err := s.exec(ctx, recordSchema(p)); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.partitions[p] = struct{}{}
	}

	if err := s.exec(ctx, alertSchema); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Info(ctx, "storage opened", slog.Int("partitions", len(partitions)))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Normalize(
		s.db.PingContext(ctx),
		errors.StorageFailure,
		"ping database",
	)
}

func (s *Store) exec(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Normalize(err, errors.StorageFailure, "create schema")
		}
	}
	return nil
}

func recordSchema(p telemetry.Partition) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	temperature REAL,
	gas         REAL,
	timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_device_time ON %[1]s (device_id, timestamp);
CREATE INDEX IF NOT EXISTS %[1]s_time ON %[1]s (timestamp);`, p)
}

const alertSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id               TEXT PRIMARY KEY,
	device_id        TEXT NOT NULL,
	kind             TEXT NOT NULL,
	triggering_value REAL NOT NULL,
	temperature      REAL,
	gas              REAL,
	message          TEXT NOT NULL,
	timestamp        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_device_time ON alerts (device_id, timestamp);`
