// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/sensorhub/ingest/errors"
	"github.com/sensorhub/ingest/storage"
	"github.com/sensorhub/ingest/telemetry"
)

// Query parameters of the read endpoints.
const (
	paramDevice    = "deviceId"
	paramPartition = "partition"
	paramStart     = "startTime"
	paramEnd       = "endTime"
	paramLimit     = "limit"
)

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	recs, err := s.reader.Query(r.Context(), f, s.router)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, r, http.StatusOK, recs)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	alerts, err := s.reader.Alerts(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, r, http.StatusOK, alerts)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.ArgumentInvalid:
		code = http.StatusBadRequest
	case errors.Timeout:
		code = http.StatusGatewayTimeout
	default:
		s.log.Err(r.Context(), err, slog.String("path", r.URL.Path))
	}
	s.write(w, r, code, errorResponse{Error: err.Error()})
}

func parseFilter(q url.Values) (storage.Filter, error) {
	f := storage.Filter{
		DeviceID:  q.Get(paramDevice),
		Partition: telemetry.Partition(q.Get(paramPartition)),
	}

	var err error
	if f.From, err = parseTime(q, paramStart); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q, paramEnd); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, &errors.Error{
			Message:       "endTime is before startTime",
			Kind:          errors.ArgumentInvalid,
			PropertyName:  paramEnd,
			PropertyValue: q.Get(paramEnd),
		}
	}

	if v := q.Get(paramLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, &errors.Error{
				Message:       "limit must be a positive integer",
				Kind:          errors.ArgumentInvalid,
				NestedError:   err,
				PropertyName:  paramLimit,
				PropertyValue: v,
			}
		}
		f.Limit = min(n, storage.MaxQueryLimit)
	}
	return f, nil
}

// Times are ISO 8601 or the storage layout, interpreted as UTC when no zone
// is given.
func parseTime(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(telemetry.StorageLayout, v, time.UTC); err == nil {
		return t, nil
	}
	t, err := iso8601.ParseString(v)
	if err != nil {
		return time.Time{}, &errors.Error{
			Message:       name + " is not a valid time",
			Kind:          errors.ArgumentInvalid,
			NestedError:   err,
			PropertyName:  name,
			PropertyValue: v,
		}
	}
	return t.UTC(), nil
}
