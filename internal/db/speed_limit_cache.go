package db

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/route.report/internal/geo"
	"github.com/banshee-data/route.report/internal/telemetry"
)

// metresPerDegree is the length of one degree of latitude.
const metresPerDegree = 111195.0

// LookupSpeedLimit returns the nearest cached limit within toleranceMeters of
// c cached at or after notBefore, or nil when there is none.
func (db *DB) LookupSpeedLimit(ctx context.Context, c telemetry.Coordinate, toleranceMeters float64, notBefore time.Time) (*telemetry.SpeedLimitRecord, error) {
	latKey, lonKey := geo.CellKey(c)
	latSpan := int64(math.Ceil(toleranceMeters/metresPerDegree*1e4)) + 1
	cosLat := math.Max(math.Cos(c.Latitude*math.Pi/180), 0.01)
	lonSpan := int64(math.Ceil(toleranceMeters/(metresPerDegree*cosLat)*1e4)) + 1

	rows, err := db.QueryContext(ctx, `
		SELECT provider, latitude, longitude, snapped_latitude, snapped_longitude,
		       place_id, speed_limit_kph, road_type, confidence, cached_at_unix_ms
		FROM speed_limit_cache
		WHERE lat_key BETWEEN ? AND ?
		  AND lon_key BETWEEN ? AND ?
		  AND cached_at_unix_ms >= ?
	`, latKey-latSpan, latKey+latSpan, lonKey-lonSpan, lonKey+lonSpan, notBefore.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query speed limit cache: %w", err)
	}
	defer rows.Close()

	var (
		best     *telemetry.SpeedLimitRecord
		bestDist = math.Inf(1)
	)
	for rows.Next() {
		var (
			rec                    telemetry.SpeedLimitRecord
			snappedLat, snappedLon sql.NullFloat64
			roadType               string
			cachedAt               int64
		)
		if err := rows.Scan(&rec.Provider, &rec.Coordinate.Latitude, &rec.Coordinate.Longitude,
			&snappedLat, &snappedLon, &rec.PlaceID, &rec.SpeedLimitKPH, &roadType,
			&rec.Confidence, &cachedAt); err != nil {
			return nil, err
		}
		d := geo.Distance(c, rec.Coordinate)
		if d > toleranceMeters || d >= bestDist {
			continue
		}
		rec.RoadType = telemetry.RoadType(roadType)
		rec.Source = telemetry.SourceProvider
		rec.CachedAt = msToTime(cachedAt)
		if snappedLat.Valid && snappedLon.Valid {
			rec.Snapped = &telemetry.Coordinate{Latitude: snappedLat.Float64, Longitude: snappedLon.Float64}
		}
		best, bestDist = &rec, d
	}
	return best, rows.Err()
}

// UpsertSpeedLimit stores rec keyed by its grid cell and provider. A second
// write for the same cell replaces the first.
func (db *DB) UpsertSpeedLimit(ctx context.Context, rec telemetry.SpeedLimitRecord) error {
	latKey, lonKey := geo.CellKey(rec.Coordinate)
	var snappedLat, snappedLon interface{}
	if rec.Snapped != nil {
		snappedLat, snappedLon = rec.Snapped.Latitude, rec.Snapped.Longitude
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO speed_limit_cache (
			lat_key, lon_key, provider, latitude, longitude, snapped_latitude, snapped_longitude,
			place_id, speed_limit_kph, road_type, confidence, cached_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (lat_key, lon_key, provider) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			snapped_latitude = excluded.snapped_latitude,
			snapped_longitude = excluded.snapped_longitude,
			place_id = excluded.place_id,
			speed_limit_kph = excluded.speed_limit_kph,
			road_type = excluded.road_type,
			confidence = excluded.confidence,
			cached_at_unix_ms = excluded.cached_at_unix_ms
	`,
		latKey, lonKey, rec.Provider, rec.Coordinate.Latitude, rec.Coordinate.Longitude, snappedLat, snappedLon,
		rec.PlaceID, rec.SpeedLimitKPH, string(rec.RoadType), rec.Confidence, rec.CachedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert speed limit cache: %w", err)
	}
	return nil
}

// PurgeSpeedLimitCache deletes entries cached before olderThan.
func (db *DB) PurgeSpeedLimitCache(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM speed_limit_cache WHERE cached_at_unix_ms < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge speed limit cache: %w", err)
	}
	return res.RowsAffected()
}
