package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/telemetry"
)

var testRef = telemetry.SessionRef{
	SessionID:      "sess-1",
	OrganizationID: "org-1",
	VehicleID:      "veh-1",
	VehicleClass:   telemetry.VehicleVan,
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// newTestDB creates a migrated database in the test's temp dir.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "route_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSession(t *testing.T, db *DB) {
	t.Helper()
	require.NoError(t, db.CreateSession(context.Background(), testRef, t0))
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
