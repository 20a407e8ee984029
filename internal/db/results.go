package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/route.report/internal/telemetry"
)

// SessionResults is everything one processing run derives for a session.
type SessionResults struct {
	SessionID         string
	ProcessingVersion string
	ProcessedAt       time.Time
	Route             telemetry.MatchedRoute
	Events            []telemetry.GeofenceEvent
	Violations        []telemetry.SpeedViolation
}

// ReplaceSessionResults writes the route onto the session row and replaces
// the session's geofence events and speed violations, all in one
// transaction. A crash part way leaves the previous run's rows in place.
func (db *DB) ReplaceSessionResults(ctx context.Context, res SessionResults) error {
	var geometry interface{}
	if len(res.Route.Geometry) > 0 {
		raw, err := encodeLineString(res.Route.Geometry)
		if err != nil {
			return fmt.Errorf("failed to encode route geometry: %w", err)
		}
		geometry = raw
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer rollback(tx)

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			route_distance_m = ?,
			route_duration_s = ?,
			route_geometry = ?,
			route_confidence = ?,
			route_fallback = ?,
			route_segments = ?,
			processing_version = ?,
			processed_at_unix_ms = ?
		WHERE session_id = ?
	`,
		res.Route.DistanceMeters, res.Route.DurationSeconds, geometry, res.Route.Confidence,
		boolToInt(res.Route.Fallback), res.Route.Segments, res.ProcessingVersion,
		res.ProcessedAt.UnixMilli(), res.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session route: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", res.SessionID, ErrNotFound)
	}

	// Events and violations are a projection of the latest run; drop every
	// earlier row for the session regardless of version.
	if _, err := tx.ExecContext(ctx, `DELETE FROM geofence_events WHERE session_id = ?`, res.SessionID); err != nil {
		return fmt.Errorf("failed to delete geofence events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM speed_violations WHERE session_id = ?`, res.SessionID); err != nil {
		return fmt.Errorf("failed to delete speed violations: %w", err)
	}

	if err := insertEvents(ctx, tx, res); err != nil {
		return err
	}
	if err := insertViolations(ctx, tx, res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session results: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, res SessionResults) error {
	if len(res.Events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO geofence_events (
			event_id, session_id, geofence_id, vehicle_id, organization_id,
			event_type, ts_unix_ms, latitude, longitude, processing_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range res.Events {
		if _, err := stmt.ExecContext(ctx,
			e.ID, res.SessionID, e.GeofenceID, e.VehicleID, e.OrganizationID,
			string(e.Type), e.Timestamp.UnixMilli(), e.Latitude, e.Longitude, res.ProcessingVersion,
		); err != nil {
			return fmt.Errorf("failed to insert geofence event: %w", err)
		}
	}
	return nil
}

func insertViolations(ctx context.Context, tx *sql.Tx, res SessionResults) error {
	if len(res.Violations) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO speed_violations (
			violation_id, session_id, ts_unix_ms, latitude, longitude,
			snapped_latitude, snapped_longitude, observed_kph, speed_limit_kph,
			effective_limit_kph, excess_kph, severity, road_type, source, provider,
			processing_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare violation insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range res.Violations {
		var snappedLat, snappedLon interface{}
		if v.Snapped != nil {
			snappedLat, snappedLon = v.Snapped.Latitude, v.Snapped.Longitude
		}
		if _, err := stmt.ExecContext(ctx,
			v.ID, res.SessionID, v.Timestamp.UnixMilli(), v.Raw.Latitude, v.Raw.Longitude,
			snappedLat, snappedLon, v.ObservedKPH, v.SpeedLimitKPH,
			v.EffectiveLimitKPH, v.ExcessKPH, string(v.Severity), string(v.RoadType), string(v.Source), v.Provider,
			res.ProcessingVersion,
		); err != nil {
			return fmt.Errorf("failed to insert speed violation: %w", err)
		}
	}
	return nil
}

// ListGeofenceEvents returns a session's events in time order.
func (db *DB) ListGeofenceEvents(ctx context.Context, sessionID string) ([]telemetry.GeofenceEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT event_id, session_id, geofence_id, vehicle_id, organization_id,
		       event_type, ts_unix_ms, latitude, longitude, processing_version
		FROM geofence_events
		WHERE session_id = ?
		ORDER BY ts_unix_ms, geofence_id, event_type
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list geofence events: %w", err)
	}
	defer rows.Close()

	out := []telemetry.GeofenceEvent{}
	for rows.Next() {
		var (
			e   telemetry.GeofenceEvent
			typ string
			ts  int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.GeofenceID, &e.VehicleID, &e.OrganizationID,
			&typ, &ts, &e.Latitude, &e.Longitude, &e.ProcessingVersion); err != nil {
			return nil, err
		}
		e.Type = telemetry.EventType(typ)
		e.Timestamp = msToTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSpeedViolations returns a session's violations in time order.
func (db *DB) ListSpeedViolations(ctx context.Context, sessionID string) ([]telemetry.SpeedViolation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT violation_id, session_id, ts_unix_ms, latitude, longitude,
		       snapped_latitude, snapped_longitude, observed_kph, speed_limit_kph,
		       effective_limit_kph, excess_kph, severity, road_type, source, provider,
		       processing_version
		FROM speed_violations
		WHERE session_id = ?
		ORDER BY ts_unix_ms
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list speed violations: %w", err)
	}
	defer rows.Close()

	out := []telemetry.SpeedViolation{}
	for rows.Next() {
		var (
			v                       telemetry.SpeedViolation
			ts                      int64
			snappedLat, snappedLon  sql.NullFloat64
			severity, roadType, src string
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &ts, &v.Raw.Latitude, &v.Raw.Longitude,
			&snappedLat, &snappedLon, &v.ObservedKPH, &v.SpeedLimitKPH,
			&v.EffectiveLimitKPH, &v.ExcessKPH, &severity, &roadType, &src, &v.Provider,
			&v.ProcessingVersion); err != nil {
			return nil, err
		}
		v.Timestamp = msToTime(ts)
		v.Severity = telemetry.Severity(severity)
		v.RoadType = telemetry.RoadType(roadType)
		v.Source = telemetry.LimitSource(src)
		if snappedLat.Valid && snappedLon.Valid {
			v.Snapped = &telemetry.Coordinate{Latitude: snappedLat.Float64, Longitude: snappedLon.Float64}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
