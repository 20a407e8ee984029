// Package testutil provides shared test utilities and fixtures.
//
// Helpers here open real migrated SQLite databases and build synthetic
// traces so handler and pipeline tests share one set of fixtures.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/route.report/internal/db"
	"github.com/banshee-data/route.report/internal/telemetry"
)

// Epoch is the start time used by generated traces.
var Epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// NewTestDB opens a migrated database in the test's temp dir and closes it
// on cleanup.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// SeedSession creates the session row and stores its samples.
func SeedSession(t *testing.T, database *db.DB, ref telemetry.SessionRef, samples []telemetry.PositionSample) {
	t.Helper()
	ctx := context.Background()
	if err := database.CreateSession(ctx, ref, Epoch); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(samples) == 0 {
		return
	}
	if err := database.InsertSamples(ctx, ref.SessionID, samples); err != nil {
		t.Fatalf("InsertSamples failed: %v", err)
	}
}

// LineTrace returns n samples every step seconds moving from start by
// (dLat, dLon) degrees per sample at a constant reported speed.
func LineTrace(start telemetry.Coordinate, dLat, dLon float64, n int, step time.Duration, speedKPH float64) []telemetry.PositionSample {
	out := make([]telemetry.PositionSample, n)
	for i := range out {
		out[i] = telemetry.PositionSample{
			Timestamp: Epoch.Add(time.Duration(i) * step),
			Latitude:  start.Latitude + float64(i)*dLat,
			Longitude: start.Longitude + float64(i)*dLon,
			SpeedKPH:  speedKPH,
		}
	}
	return out
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// DecodeJSON unmarshals the recorder body into v.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

// NewJSONRequest creates a test request carrying body encoded as JSON.
func NewJSONRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	if body == nil {
		return httptest.NewRequest(method, path, nil)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}
