package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/telemetry"
)

func sampleResults() SessionResults {
	return SessionResults{
		SessionID:         testRef.SessionID,
		ProcessingVersion: "route-v3",
		ProcessedAt:       t0.Add(time.Hour),
		Route: telemetry.MatchedRoute{
			DistanceMeters:  1234.5,
			DurationSeconds: 300,
			Geometry:        orb.LineString{{-3.7038, 40.4168}, {-3.7000, 40.4200}},
			Confidence:      0.8,
			Segments:        1,
		},
		Events: []telemetry.GeofenceEvent{
			{ID: "ev-1", SessionID: testRef.SessionID, GeofenceID: "gf-1", VehicleID: testRef.VehicleID,
				OrganizationID: testRef.OrganizationID, Type: telemetry.EventEnter,
				Timestamp: t0.Add(time.Minute), Latitude: 40.417, Longitude: -3.703, ProcessingVersion: "route-v3"},
			{ID: "ev-2", SessionID: testRef.SessionID, GeofenceID: "gf-1", VehicleID: testRef.VehicleID,
				OrganizationID: testRef.OrganizationID, Type: telemetry.EventExit,
				Timestamp: t0.Add(2 * time.Minute), Latitude: 40.418, Longitude: -3.702, ProcessingVersion: "route-v3"},
		},
		Violations: []telemetry.SpeedViolation{
			{ID: "v-1", SessionID: testRef.SessionID, Timestamp: t0.Add(90 * time.Second),
				Raw:         telemetry.Coordinate{Latitude: 40.4175, Longitude: -3.7025},
				Snapped:     &telemetry.Coordinate{Latitude: 40.4176, Longitude: -3.7026},
				ObservedKPH: 65, SpeedLimitKPH: 50, EffectiveLimitKPH: 50, ExcessKPH: 12,
				Severity: telemetry.SeverityModerada, RoadType: telemetry.RoadUrban,
				Source: telemetry.SourceProvider, Provider: "roads", ProcessingVersion: "route-v3"},
		},
	}
}

func TestReplaceSessionResults(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSession(t, db)
	res := sampleResults()

	require.NoError(t, db.ReplaceSessionResults(ctx, res))

	s, err := db.GetSession(ctx, testRef.SessionID)
	require.NoError(t, err)
	require.NotNil(t, s.Route)
	if diff := cmp.Diff(res.Route, *s.Route); diff != "" {
		t.Errorf("route mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "route-v3", s.ProcessingVersion)
	require.NotNil(t, s.ProcessedAt)
	assert.True(t, s.ProcessedAt.Equal(res.ProcessedAt))

	events, err := db.ListGeofenceEvents(ctx, testRef.SessionID)
	require.NoError(t, err)
	if diff := cmp.Diff(res.Events, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	violations, err := db.ListSpeedViolations(ctx, testRef.SessionID)
	require.NoError(t, err)
	if diff := cmp.Diff(res.Violations, violations); diff != "" {
		t.Errorf("violations mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceSessionResultsIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSession(t, db)
	res := sampleResults()

	require.NoError(t, db.ReplaceSessionResults(ctx, res))
	require.NoError(t, db.ReplaceSessionResults(ctx, res))

	events, err := db.ListGeofenceEvents(ctx, testRef.SessionID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	violations, err := db.ListSpeedViolations(ctx, testRef.SessionID)
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestReplaceSessionResultsDropsStaleRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedSession(t, db)
	require.NoError(t, db.ReplaceSessionResults(ctx, sampleResults()))

	next := SessionResults{
		SessionID:         testRef.SessionID,
		ProcessingVersion: "route-v4",
		ProcessedAt:       t0.Add(2 * time.Hour),
		Route:             telemetry.MatchedRoute{DistanceMeters: 10, Fallback: true},
	}
	require.NoError(t, db.ReplaceSessionResults(ctx, next))

	events, err := db.ListGeofenceEvents(ctx, testRef.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	violations, err := db.ListSpeedViolations(ctx, testRef.SessionID)
	require.NoError(t, err)
	assert.Empty(t, violations)

	s, err := db.GetSession(ctx, testRef.SessionID)
	require.NoError(t, err)
	assert.True(t, s.Route.Fallback)
	assert.Nil(t, s.Route.Geometry)
	assert.Equal(t, "route-v4", s.ProcessingVersion)
}

func TestReplaceSessionResultsUnknownSession(t *testing.T) {
	db := newTestDB(t)
	res := sampleResults()
	res.SessionID = "missing"
	err := db.ReplaceSessionResults(context.Background(), res)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceSessionResultsRollsBackOnFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := &DB{DB: sqlDB}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM geofence_events").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	res := sampleResults()
	err = db.ReplaceSessionResults(context.Background(), res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceSessionResultsCommitFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := &DB{DB: sqlDB}

	res := sampleResults()
	res.Events = nil
	res.Violations = nil

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM geofence_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM speed_violations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err = db.ReplaceSessionResults(context.Background(), res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}
