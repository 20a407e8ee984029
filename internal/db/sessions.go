package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/route.report/internal/telemetry"
)

// Session is a telemetry session row owned by the upload collaborator plus
// the route columns written by processing.
type Session struct {
	telemetry.SessionRef
	CreatedAt         *time.Time              `json:"created_at,omitempty"`
	Route             *telemetry.MatchedRoute `json:"route,omitempty"`
	ProcessingVersion string                  `json:"processing_version,omitempty"`
	ProcessedAt       *time.Time              `json:"processed_at,omitempty"`
}

// CreateSession inserts a session row.
func (db *DB) CreateSession(ctx context.Context, ref telemetry.SessionRef, createdAt time.Time) error {
	class := ref.VehicleClass
	if class == "" {
		class = telemetry.VehicleCar
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, organization_id, vehicle_id, vehicle_class, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?)
	`, ref.SessionID, ref.OrganizationID, ref.VehicleID, string(class), createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", ref.SessionID, err)
	}
	return nil
}

// GetSession returns the session row or ErrNotFound.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var (
		s           Session
		class       string
		createdAt   sql.NullInt64
		distance    sql.NullFloat64
		duration    sql.NullFloat64
		geometry    sql.NullString
		confidence  sql.NullFloat64
		fallback    sql.NullInt64
		segments    sql.NullInt64
		version     sql.NullString
		processedAt sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT session_id, organization_id, vehicle_id, vehicle_class, created_at_unix_ms,
		       route_distance_m, route_duration_s, route_geometry, route_confidence,
		       route_fallback, route_segments, processing_version, processed_at_unix_ms
		FROM sessions
		WHERE session_id = ?
	`, sessionID).Scan(
		&s.SessionID, &s.OrganizationID, &s.VehicleID, &class, &createdAt,
		&distance, &duration, &geometry, &confidence,
		&fallback, &segments, &version, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	s.VehicleClass = telemetry.ParseVehicleClass(class)
	if createdAt.Valid {
		t := msToTime(createdAt.Int64)
		s.CreatedAt = &t
	}
	if distance.Valid {
		route := &telemetry.MatchedRoute{
			DistanceMeters:  distance.Float64,
			DurationSeconds: duration.Float64,
			Confidence:      confidence.Float64,
			Fallback:        fallback.Int64 == 1,
			Segments:        int(segments.Int64),
		}
		if geometry.Valid && geometry.String != "" {
			ls, err := decodeLineString(geometry.String)
			if err != nil {
				return nil, fmt.Errorf("session %s route geometry: %w", sessionID, err)
			}
			route.Geometry = ls
		}
		s.Route = route
	}
	s.ProcessingVersion = version.String
	if processedAt.Valid {
		t := msToTime(processedAt.Int64)
		s.ProcessedAt = &t
	}
	return &s, nil
}

// InsertSamples appends raw samples for a session in one transaction.
func (db *DB) InsertSamples(ctx context.Context, sessionID string, samples []telemetry.PositionSample) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO position_samples (
			session_id, ts_unix_ms, latitude, longitude, speed_kph, altitude, satellites, hdop
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx,
			sessionID, s.Timestamp.UnixMilli(), s.Latitude, s.Longitude, s.SpeedKPH,
			s.Altitude, s.Satellites, s.HDOP,
		); err != nil {
			return fmt.Errorf("failed to insert sample for session %s: %w", sessionID, err)
		}
	}
	return tx.Commit()
}

// ListSamples returns a session's raw samples ordered by timestamp, ties in
// ingest order.
func (db *DB) ListSamples(ctx context.Context, sessionID string) ([]telemetry.PositionSample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ts_unix_ms, latitude, longitude, speed_kph, altitude, satellites, hdop
		FROM position_samples
		WHERE session_id = ?
		ORDER BY ts_unix_ms, rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []telemetry.PositionSample
	for rows.Next() {
		var (
			ts         int64
			s          telemetry.PositionSample
			altitude   sql.NullFloat64
			satellites sql.NullInt64
			hdop       sql.NullFloat64
		)
		if err := rows.Scan(&ts, &s.Latitude, &s.Longitude, &s.SpeedKPH, &altitude, &satellites, &hdop); err != nil {
			return nil, err
		}
		s.Timestamp = msToTime(ts)
		s.Altitude = nullableFloat(altitude)
		s.HDOP = nullableFloat(hdop)
		if satellites.Valid {
			n := int(satellites.Int64)
			s.Satellites = &n
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListStaleSessions returns up to limit sessions never processed at
// version, oldest first. Sessions whose last run at version failed are left
// out so a bad trace is not retried forever.
func (db *DB) ListStaleSessions(ctx context.Context, version string, limit int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.session_id
		FROM sessions s
		WHERE (s.processing_version IS NULL OR s.processing_version != ?)
		  AND NOT EXISTS (
			SELECT 1 FROM processing_audit a
			WHERE a.session_id = s.session_id
			  AND a.version = ?
			  AND a.status = 'failed'
		  )
		ORDER BY s.created_at_unix_ms, s.session_id
		LIMIT ?
	`, version, version, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		// ErrTxDone means transaction was already committed/rolled back
		logf("warning: failed to rollback transaction: %v", err)
	}
}
