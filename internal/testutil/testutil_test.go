package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/telemetry"
)

func TestSeedSession(t *testing.T) {
	database := NewTestDB(t)
	ref := telemetry.SessionRef{SessionID: "s", OrganizationID: "o", VehicleID: "v"}
	samples := LineTrace(telemetry.Coordinate{Latitude: 40.4, Longitude: -3.7}, 0.0001, 0, 5, time.Second, 30)
	SeedSession(t, database, ref, samples)

	got, err := database.ListSamples(context.Background(), "s")
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.True(t, got[4].Timestamp.Equal(Epoch.Add(4*time.Second)))
	assert.InDelta(t, 40.4004, got[4].Latitude, 1e-9)
}

func TestNewJSONRequest(t *testing.T) {
	req := NewJSONRequest(t, http.MethodPost, "/x", map[string]int{"a": 1})
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	rec := httptest.NewRecorder()
	rec.WriteString(`{"a":1}`)
	var v map[string]int
	DecodeJSON(t, rec, &v)
	assert.Equal(t, 1, v["a"])
}
