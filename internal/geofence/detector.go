// Package geofence detects ENTER and EXIT crossings of organisation
// geofences along a validated trace.
package geofence

import (
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/telemetry"
)

// eventNamespace seeds the name-based event ids.
var eventNamespace = uuid.MustParse("5b0f7a1e-3c55-4c1e-9d2a-6f1e0c8a4b10")

// Config tunes the coarse filter.
type Config struct {
	// TileSize is the number of trace points per bounding tile.
	TileSize int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{TileSize: 256}
}

// Detector finds geofence transitions. It is stateless and safe for
// concurrent use.
type Detector struct {
	cfg Config
}

// New returns a Detector.
func New(cfg Config) *Detector {
	if cfg.TileSize < 2 {
		cfg.TileSize = DefaultConfig().TileSize
	}
	return &Detector{cfg: cfg}
}

// Detect returns the crossings of every candidate geofence, ordered by
// timestamp then geofence id. A trace that starts inside a geofence does not
// produce an initial ENTER.
func (d *Detector) Detect(ref telemetry.SessionRef, trace telemetry.Trace, fences []telemetry.Geofence) []telemetry.GeofenceEvent {
	candidates := d.Candidates(ref.OrganizationID, trace, fences)
	if len(candidates) == 0 {
		return []telemetry.GeofenceEvent{}
	}

	events := []telemetry.GeofenceEvent{}
	for _, g := range candidates {
		events = append(events, transitions(ref, trace, g)...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.GeofenceID != b.GeofenceID {
			return a.GeofenceID < b.GeofenceID
		}
		return a.Type == telemetry.EventEnter && b.Type == telemetry.EventExit
	})
	return events
}

// Candidates returns the enabled geofences of orgID with a supported
// geometry that the trace path touches.
func (d *Detector) Candidates(orgID string, trace telemetry.Trace, fences []telemetry.Geofence) []telemetry.Geofence {
	if len(trace) == 0 {
		return nil
	}
	tiles := tilePath(trace.LineString(), d.cfg.TileSize)

	var out []telemetry.Geofence
	for _, g := range fences {
		if !g.Enabled || g.OrganizationID != orgID {
			continue
		}
		if !supported(g.Geometry) {
			monitoring.Logger().WithFields(logrus.Fields{
				"geofence_id": g.ID,
				"geometry":    geometryType(g.Geometry),
			}).Debug("skipping geofence with unsupported geometry")
			continue
		}
		if touches(g.Geometry, tiles) {
			out = append(out, g)
		}
	}
	return out
}

// EventID is the stable id of a crossing so reruns rewrite identical rows.
func EventID(sessionID, geofenceID string, typ telemetry.EventType, ts int64) string {
	name := sessionID + "|" + geofenceID + "|" + string(typ) + "|" + strconv.FormatInt(ts, 10)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

func transitions(ref telemetry.SessionRef, trace telemetry.Trace, g telemetry.Geofence) []telemetry.GeofenceEvent {
	var events []telemetry.GeofenceEvent
	inside := Contains(g.Geometry, trace[0].Point())
	for _, p := range trace[1:] {
		now := Contains(g.Geometry, p.Point())
		if now == inside {
			continue
		}
		typ := telemetry.EventExit
		if now {
			typ = telemetry.EventEnter
		}
		events = append(events, telemetry.GeofenceEvent{
			ID:             EventID(ref.SessionID, g.ID, typ, p.Timestamp.UnixMilli()),
			SessionID:      ref.SessionID,
			GeofenceID:     g.ID,
			VehicleID:      ref.VehicleID,
			OrganizationID: ref.OrganizationID,
			Type:           typ,
			Timestamp:      p.Timestamp,
			Latitude:       p.Latitude,
			Longitude:      p.Longitude,
		})
		inside = now
	}
	return events
}

// Contains tests point-in-polygon for Polygon and MultiPolygon geometries.
// Other geometry types never contain a point.
func Contains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	}
	return false
}

func supported(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	}
	return false
}

func geometryType(g orb.Geometry) string {
	if g == nil {
		return "none"
	}
	return g.GeoJSONType()
}
