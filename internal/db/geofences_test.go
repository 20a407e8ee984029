package db

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/route.report/internal/telemetry"
)

func square(minLon, minLat, maxLon, maxLat float64) orb.Polygon {
	return orb.Polygon{{
		{minLon, minLat}, {maxLon, minLat}, {maxLon, maxLat}, {minLon, maxLat}, {minLon, minLat},
	}}
}

func TestGeofencesRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	depot := telemetry.Geofence{ID: "gf-1", OrganizationID: "org-1", Name: "Depot",
		Geometry: square(-3.71, 40.41, -3.70, 40.42), Enabled: true}
	yard := telemetry.Geofence{ID: "gf-2", OrganizationID: "org-1", Name: "Yard",
		Geometry: orb.MultiPolygon{square(-3.69, 40.40, -3.68, 40.41)}, Enabled: false}
	other := telemetry.Geofence{ID: "gf-3", OrganizationID: "org-2", Name: "Elsewhere",
		Geometry: square(2.16, 41.38, 2.17, 41.39), Enabled: true}
	for _, g := range []telemetry.Geofence{depot, yard, other} {
		require.NoError(t, db.UpsertGeofence(ctx, g))
	}

	got, err := db.ListGeofences(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, []telemetry.Geofence{depot, yard}, got)
}

func TestUpsertGeofenceUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	g := telemetry.Geofence{ID: "gf-1", OrganizationID: "org-1", Name: "Depot",
		Geometry: square(-3.71, 40.41, -3.70, 40.42), Enabled: true}
	require.NoError(t, db.UpsertGeofence(ctx, g))

	g.Name = "Depot North"
	g.Enabled = false
	require.NoError(t, db.UpsertGeofence(ctx, g))

	got, err := db.ListGeofences(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Depot North", got[0].Name)
	assert.False(t, got[0].Enabled)
}

func TestListGeofencesBadGeometry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	_, err := db.Exec(`INSERT INTO geofences (geofence_id, organization_id, name, geometry_geojson, enabled)
		VALUES ('gf-bad', 'org-1', 'Broken', 'not json', 1)`)
	require.NoError(t, err)

	got, err := db.ListGeofences(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Geometry)
}
