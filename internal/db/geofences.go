package db

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/telemetry"
)

// UpsertGeofence stores g with its geometry as GeoJSON.
func (db *DB) UpsertGeofence(ctx context.Context, g telemetry.Geofence) error {
	raw, err := geojson.NewGeometry(g.Geometry).MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode geofence %s: %w", g.ID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO geofences (geofence_id, organization_id, name, geometry_geojson, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (geofence_id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			geometry_geojson = excluded.geometry_geojson,
			enabled = excluded.enabled
	`, g.ID, g.OrganizationID, g.Name, string(raw), boolToInt(g.Enabled))
	if err != nil {
		return fmt.Errorf("failed to upsert geofence %s: %w", g.ID, err)
	}
	return nil
}

// ListGeofences returns the organisation's geofences, enabled or not. Rows
// whose geometry cannot be decoded are returned with a nil Geometry so the
// detector skips them.
func (db *DB) ListGeofences(ctx context.Context, orgID string) ([]telemetry.Geofence, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT geofence_id, organization_id, name, geometry_geojson, enabled
		FROM geofences
		WHERE organization_id = ?
		ORDER BY geofence_id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list geofences for %s: %w", orgID, err)
	}
	defer rows.Close()

	var out []telemetry.Geofence
	for rows.Next() {
		var (
			g       telemetry.Geofence
			raw     string
			enabled int
		)
		if err := rows.Scan(&g.ID, &g.OrganizationID, &g.Name, &raw, &enabled); err != nil {
			return nil, err
		}
		g.Enabled = enabled == 1
		geom, err := geojson.UnmarshalGeometry([]byte(raw))
		if err != nil {
			monitoring.Logger().WithField("geofence_id", g.ID).WithError(err).Warn("undecodable geofence geometry")
		} else {
			g.Geometry = geom.Geometry()
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func encodeLineString(ls orb.LineString) (string, error) {
	raw, err := geojson.NewGeometry(ls).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeLineString(raw string) (orb.LineString, error) {
	g, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil {
		return nil, err
	}
	ls, ok := g.Geometry().(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("expected LineString, got %s", g.Type)
	}
	return ls, nil
}
