package db

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/route.report/internal/speedlimit"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/units"
)

// RoadSpeedLimits returns the static OSM road table.
func (db *DB) RoadSpeedLimits(ctx context.Context) ([]speedlimit.RoadSample, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT way_id, latitude, longitude, speed_limit_kph, road_type
		FROM road_speed_limits
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read road speed limits: %w", err)
	}
	defer rows.Close()

	var out []speedlimit.RoadSample
	for rows.Next() {
		var (
			s        speedlimit.RoadSample
			roadType string
		)
		if err := rows.Scan(&s.WayID, &s.Coordinate.Latitude, &s.Coordinate.Longitude, &s.SpeedLimitKPH, &roadType); err != nil {
			return nil, err
		}
		s.RoadType = telemetry.RoadType(roadType)
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertRoadSpeedLimits appends samples to the static table.
func (db *DB) InsertRoadSpeedLimits(ctx context.Context, samples []speedlimit.RoadSample) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO road_speed_limits (way_id, latitude, longitude, speed_limit_kph, road_type)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s.WayID, s.Coordinate.Latitude, s.Coordinate.Longitude,
			s.SpeedLimitKPH, string(s.RoadType)); err != nil {
			return fmt.Errorf("failed to insert road limit for way %s: %w", s.WayID, err)
		}
	}
	return tx.Commit()
}

// ReadRoadSpeedLimitsCSV parses rows of
// way_id,latitude,longitude,maxspeed[,highway]. maxspeed follows the OSM
// convention ("50", "30 mph"). The highway tag maps to a road type; rows
// with an unparseable limit are skipped and counted.
func ReadRoadSpeedLimitsCSV(r io.Reader) ([]speedlimit.RoadSample, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		out     []speedlimit.RoadSample
		skipped int
		line    int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("road csv: %w", err)
		}
		line++
		if line == 1 && len(rec) > 0 && strings.EqualFold(rec[0], "way_id") {
			continue
		}
		if len(rec) < 4 {
			skipped++
			continue
		}
		lat, errLat := strconv.ParseFloat(rec[1], 64)
		lon, errLon := strconv.ParseFloat(rec[2], 64)
		kph, errKph := ParseMaxspeed(rec[3])
		if errLat != nil || errLon != nil || errKph != nil {
			skipped++
			continue
		}
		s := speedlimit.RoadSample{
			WayID:         rec[0],
			Coordinate:    telemetry.Coordinate{Latitude: lat, Longitude: lon},
			SpeedLimitKPH: kph,
		}
		if len(rec) > 4 {
			s.RoadType = RoadTypeForHighway(rec[4])
		}
		out = append(out, s)
	}
	return out, skipped, nil
}

// ParseMaxspeed reads an OSM maxspeed value into km/h.
func ParseMaxspeed(v string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(v))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty maxspeed")
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("maxspeed %q: %w", v, err)
	}
	unit := ""
	if len(fields) > 1 {
		unit = fields[1]
	}
	return units.ToKPH(n, unit)
}

// RoadTypeForHighway maps an OSM highway tag to a road type. Unknown tags
// return "" so the limit decides.
func RoadTypeForHighway(tag string) telemetry.RoadType {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "motorway", "motorway_link", "trunk", "trunk_link":
		return telemetry.RoadHighway
	case "primary", "primary_link", "secondary", "secondary_link", "tertiary", "tertiary_link":
		return telemetry.RoadInterurban
	case "residential", "living_street", "unclassified", "service", "pedestrian":
		return telemetry.RoadUrban
	}
	return ""
}
