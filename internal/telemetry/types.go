// Package telemetry holds the data model shared by the route processing
// stages: raw position samples, the validated trace, matched routes,
// geofences and their events, speed-limit records and violations.
//
// All speeds are km/h, distances metres and durations seconds.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Point returns the coordinate in orb's lon/lat order.
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// CoordinateFromPoint converts an orb point back to a Coordinate.
func CoordinateFromPoint(p orb.Point) Coordinate {
	return Coordinate{Latitude: p.Lat(), Longitude: p.Lon()}
}

// PositionSample is one raw fix reported by a vehicle device. Optional
// quality fields are nil when the device did not report them.
type PositionSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKPH   float64   `json:"speed_kph"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Satellites *int      `json:"satellites,omitempty"`
	HDOP       *float64  `json:"hdop,omitempty"`
}

// Coordinate returns the sample position.
func (s PositionSample) Coordinate() Coordinate {
	return Coordinate{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Point returns the sample position as an orb point.
func (s PositionSample) Point() orb.Point {
	return orb.Point{s.Longitude, s.Latitude}
}

// Trace is an ordered run of samples that passed validation.
type Trace []PositionSample

// LineString returns the trace path.
func (t Trace) LineString() orb.LineString {
	ls := make(orb.LineString, len(t))
	for i, s := range t {
		ls[i] = s.Point()
	}
	return ls
}

// Duration is the elapsed time between the first and last sample.
func (t Trace) Duration() time.Duration {
	if len(t) < 2 {
		return 0
	}
	return t[len(t)-1].Timestamp.Sub(t[0].Timestamp)
}

// VehicleClass selects default limits and allowances.
type VehicleClass string

const (
	VehicleCar        VehicleClass = "car"
	VehicleVan        VehicleClass = "van"
	VehicleTruck      VehicleClass = "truck"
	VehicleBus        VehicleClass = "bus"
	VehicleMotorcycle VehicleClass = "motorcycle"
	VehicleEmergency  VehicleClass = "emergency"
)

// VehicleClasses lists every known class.
var VehicleClasses = []VehicleClass{
	VehicleCar, VehicleVan, VehicleTruck, VehicleBus, VehicleMotorcycle, VehicleEmergency,
}

// ParseVehicleClass normalises a stored class name. Unknown or empty values
// map to car.
func ParseVehicleClass(s string) VehicleClass {
	c := VehicleClass(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range VehicleClasses {
		if c == known {
			return c
		}
	}
	return VehicleCar
}

// RoadType is the jurisdiction's road class.
type RoadType string

const (
	RoadUrban      RoadType = "urban"
	RoadInterurban RoadType = "interurban"
	RoadHighway    RoadType = "highway"
)

// Valid reports whether r is one of the known road types.
func (r RoadType) Valid() bool {
	switch r {
	case RoadUrban, RoadInterurban, RoadHighway:
		return true
	}
	return false
}

// ClassifyLimit derives a road type from a legal limit in km/h.
func ClassifyLimit(kph float64) RoadType {
	switch {
	case kph <= 50:
		return RoadUrban
	case kph < 100:
		return RoadInterurban
	default:
		return RoadHighway
	}
}

// SessionRef identifies the session being processed and its owners.
type SessionRef struct {
	SessionID      string       `json:"session_id"`
	OrganizationID string       `json:"organization_id"`
	VehicleID      string       `json:"vehicle_id"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
}

// MatchedRoute is the road-corrected route for one session. Geometry is nil
// when the route came from the local fallback.
type MatchedRoute struct {
	DistanceMeters  float64        `json:"distance_meters"`
	DurationSeconds float64        `json:"duration_seconds"`
	Geometry        orb.LineString `json:"geometry,omitempty"`
	Confidence      float64        `json:"confidence"`
	Fallback        bool           `json:"fallback"`
	Segments        int            `json:"segments"`
}

// Geofence is an organisation-owned polygonal area.
type Geofence struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Name           string       `json:"name"`
	Geometry       orb.Geometry `json:"-"`
	Enabled        bool         `json:"enabled"`
}

// EventType is the direction of a geofence crossing.
type EventType string

const (
	EventEnter EventType = "ENTER"
	EventExit  EventType = "EXIT"
)

// GeofenceEvent records one crossing of a geofence boundary.
type GeofenceEvent struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	GeofenceID        string    `json:"geofence_id"`
	VehicleID         string    `json:"vehicle_id"`
	OrganizationID    string    `json:"organization_id"`
	Type              EventType `json:"type"`
	Timestamp         time.Time `json:"timestamp"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	ProcessingVersion string    `json:"processing_version"`
}

// LimitSource tells where a speed limit came from.
type LimitSource string

const (
	SourceProvider LimitSource = "provider"
	SourceCache    LimitSource = "cache"
	SourceDefault  LimitSource = "default"
)

// Origin is the layer that produced the limit in the first place. Only
// provider answers are cached, so a cache hit reports SourceProvider.
func (s LimitSource) Origin() LimitSource {
	if s == SourceCache {
		return SourceProvider
	}
	return s
}

// Confidence levels attached to speed-limit records.
const (
	ConfidenceHigh   = 0.9
	ConfidenceMedium = 0.6
	ConfidenceLow    = 0.2
)

// SpeedLimitRecord is a resolved legal limit for a coordinate.
type SpeedLimitRecord struct {
	Coordinate    Coordinate  `json:"coordinate"`
	Snapped       *Coordinate `json:"snapped,omitempty"`
	PlaceID       string      `json:"place_id,omitempty"`
	SpeedLimitKPH float64     `json:"speed_limit_kph"`
	RoadType      RoadType    `json:"road_type"`
	Source        LimitSource `json:"source"`
	Provider      string      `json:"provider"`
	Confidence    float64     `json:"confidence"`
	CachedAt      time.Time   `json:"cached_at"`
}

// Severity bands a violation by how far the limit was exceeded.
type Severity string

const (
	SeverityLeve     Severity = "leve"
	SeverityModerada Severity = "moderada"
	SeverityGrave    Severity = "grave"
	SeverityCritica  Severity = "critica"
)

// SpeedViolation is one sample that exceeded its effective limit.
type SpeedViolation struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"session_id"`
	Timestamp         time.Time   `json:"timestamp"`
	Raw               Coordinate  `json:"raw"`
	Snapped           *Coordinate `json:"snapped,omitempty"`
	ObservedKPH       float64     `json:"observed_kph"`
	SpeedLimitKPH     float64     `json:"speed_limit_kph"`
	EffectiveLimitKPH float64     `json:"effective_limit_kph"`
	ExcessKPH         float64     `json:"excess_kph"`
	Severity          Severity    `json:"severity"`
	RoadType          RoadType    `json:"road_type"`
	Source            LimitSource `json:"source"`
	Provider          string      `json:"provider"`
	ProcessingVersion string      `json:"processing_version"`
}

// AuditStatus is the lifecycle state of a processing run.
type AuditStatus string

const (
	AuditProcessing AuditStatus = "processing"
	AuditSuccess    AuditStatus = "success"
	AuditFailed     AuditStatus = "failed"
)

// ProcessingAuditRecord tracks one orchestration run.
type ProcessingAuditRecord struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	ProcessingType string      `json:"processing_type"`
	Version        string      `json:"version"`
	Status         AuditStatus `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	Details        string      `json:"details,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
}
