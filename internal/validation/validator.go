// Package validation filters a raw sample sequence down to a physically
// plausible trace and reports quality metrics about what it dropped.
package validation

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/route.report/internal/geo"
	"github.com/banshee-data/route.report/internal/telemetry"
)

// ErrInsufficientPoints is returned when fewer than two samples survive.
var ErrInsufficientPoints = errors.New("insufficient valid points")

// MinValidPoints is the smallest trace the pipeline can process.
const MinValidPoints = 2

// Rejection reasons recorded in QualityMetrics.InvalidReasons.
const (
	ReasonInvalidCoordinates = "invalid_coordinates"
	ReasonZeroCoordinates    = "zero_coordinates"
	ReasonOutOfBounds        = "out_of_bounds"
	ReasonLowSatellites      = "low_satellites"
	ReasonHighHDOP           = "high_hdop"
	ReasonSpeedCeiling       = "speed_ceiling"
	ReasonOutOfOrder         = "out_of_order"
	ReasonAcquisition        = "acquisition"
	ReasonSpeedDelta         = "speed_delta"
	ReasonDistanceJump       = "distance_jump"
	ReasonImpliedSpeed       = "implied_speed"
)

// Box is a lat/lon bounding box for the operating region.
type Box struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the coordinate lies in the box, edges included.
func (b Box) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// IberianBox covers mainland Spain, Portugal, the Balearic and Canary Islands.
var IberianBox = Box{MinLat: 27.0, MaxLat: 44.5, MinLon: -18.5, MaxLon: 4.5}

// Config holds the plausibility thresholds. Zero values disable the optional
// checks (Bounds, AcquisitionTimeout).
type Config struct {
	Bounds             *Box
	MinSatellites      int
	MaxHDOP            float64
	MaxSpeedKPH        float64
	AcquisitionTimeout time.Duration
	MaxSpeedDeltaKPH   float64
	DeltaWindow        time.Duration
	MaxStepMeters      float64
	StepWindow         time.Duration
	MaxImpliedSpeedKPH float64

	HighSpeedWarnKPH float64
	WarnHDOP         float64
	WarnSatellites   int
}

// DefaultConfig returns thresholds tuned for road vehicles in Iberia.
func DefaultConfig() Config {
	box := IberianBox
	return Config{
		Bounds:             &box,
		MinSatellites:      4,
		MaxHDOP:            5.0,
		MaxSpeedKPH:        200,
		MaxSpeedDeltaKPH:   60,
		DeltaWindow:        10 * time.Second,
		MaxStepMeters:      2000,
		StepWindow:         60 * time.Second,
		MaxImpliedSpeedKPH: 250,
		HighSpeedWarnKPH:   130,
		WarnHDOP:           2.0,
		WarnSatellites:     6,
	}
}

// QualityMetrics summarises a validation run. Statistics cover accepted
// samples only.
type QualityMetrics struct {
	Total          int            `json:"total"`
	Valid          int            `json:"valid"`
	Invalid        int            `json:"invalid"`
	InvalidReasons map[string]int `json:"invalid_reasons"`

	HighSpeed   int `json:"high_speed_warnings"`
	LowAccuracy int `json:"low_accuracy_warnings"`

	AvgSpeedKPH    float64 `json:"avg_speed_kph"`
	MaxSpeedKPH    float64 `json:"max_speed_kph"`
	SpeedStdDevKPH float64 `json:"speed_stddev_kph"`
	// AvgHDOP covers only samples that report HDOP; zero when none do.
	AvgHDOP             float64 `json:"avg_hdop"`
	TotalDistanceMeters float64 `json:"total_distance_m"`
	AvgStepMeters       float64 `json:"avg_step_m"`
}

// Validator applies Config to sample sequences. It holds no state between
// calls and is safe for concurrent use.
type Validator struct {
	cfg Config
}

// New returns a Validator for cfg.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate returns the accepted sub-sequence of samples. Each sample is
// checked against the last accepted one. When fewer than MinValidPoints
// survive the metrics are still returned with ErrInsufficientPoints.
func (v *Validator) Validate(samples []telemetry.PositionSample) (telemetry.Trace, QualityMetrics, error) {
	m := QualityMetrics{
		Total:          len(samples),
		InvalidReasons: make(map[string]int),
	}

	trace := make(telemetry.Trace, 0, len(samples))
	var acquired time.Time
	for _, s := range samples {
		var last *telemetry.PositionSample
		if len(trace) > 0 {
			last = &trace[len(trace)-1]
		}
		if reason := v.check(s, last, acquired); reason != "" {
			m.Invalid++
			m.InvalidReasons[reason]++
			continue
		}
		if len(trace) == 0 {
			acquired = s.Timestamp.Add(v.cfg.AcquisitionTimeout)
		}
		trace = append(trace, s)
	}

	v.summarise(trace, &m)
	if len(trace) < MinValidPoints {
		return trace, m, ErrInsufficientPoints
	}
	return trace, m, nil
}

// check returns the first failing rule for s, or "". acquired is the end of
// the signal-acquisition window opened by the first accepted sample.
func (v *Validator) check(s telemetry.PositionSample, last *telemetry.PositionSample, acquired time.Time) string {
	cfg := v.cfg
	if !geo.IsFinite(s.Latitude, s.Longitude, s.SpeedKPH) ||
		math.Abs(s.Latitude) > 90 || math.Abs(s.Longitude) > 180 {
		return ReasonInvalidCoordinates
	}
	if s.Latitude == 0 && s.Longitude == 0 {
		return ReasonZeroCoordinates
	}
	if cfg.Bounds != nil && !cfg.Bounds.Contains(s.Latitude, s.Longitude) {
		return ReasonOutOfBounds
	}
	if s.Satellites != nil && cfg.MinSatellites > 0 && *s.Satellites < cfg.MinSatellites {
		return ReasonLowSatellites
	}
	if s.HDOP != nil && cfg.MaxHDOP > 0 && *s.HDOP > cfg.MaxHDOP {
		return ReasonHighHDOP
	}
	if s.SpeedKPH < 0 || (cfg.MaxSpeedKPH > 0 && s.SpeedKPH > cfg.MaxSpeedKPH) {
		return ReasonSpeedCeiling
	}
	if last == nil {
		return ""
	}

	if !s.Timestamp.After(last.Timestamp) {
		return ReasonOutOfOrder
	}
	if cfg.AcquisitionTimeout > 0 && s.Timestamp.Before(acquired) {
		return ReasonAcquisition
	}

	elapsed := s.Timestamp.Sub(last.Timestamp)
	if cfg.MaxSpeedDeltaKPH > 0 && elapsed <= cfg.DeltaWindow &&
		math.Abs(s.SpeedKPH-last.SpeedKPH) > cfg.MaxSpeedDeltaKPH {
		return ReasonSpeedDelta
	}
	dist := geo.SampleDistance(*last, s)
	if cfg.MaxStepMeters > 0 && elapsed <= cfg.StepWindow && dist > cfg.MaxStepMeters {
		return ReasonDistanceJump
	}
	if cfg.MaxImpliedSpeedKPH > 0 && geo.ImpliedSpeedKPH(dist, elapsed.Seconds()) > cfg.MaxImpliedSpeedKPH {
		return ReasonImpliedSpeed
	}
	return ""
}

func (v *Validator) summarise(trace telemetry.Trace, m *QualityMetrics) {
	m.Valid = len(trace)
	if len(trace) == 0 {
		return
	}

	speeds := make([]float64, len(trace))
	var hdops []float64
	for i, s := range trace {
		speeds[i] = s.SpeedKPH
		if s.HDOP != nil {
			hdops = append(hdops, *s.HDOP)
		}
		if s.SpeedKPH > m.MaxSpeedKPH {
			m.MaxSpeedKPH = s.SpeedKPH
		}
		if v.cfg.HighSpeedWarnKPH > 0 && s.SpeedKPH > v.cfg.HighSpeedWarnKPH {
			m.HighSpeed++
		}
		if v.lowAccuracy(s) {
			m.LowAccuracy++
		}
	}
	m.AvgSpeedKPH = stat.Mean(speeds, nil)
	if len(speeds) > 1 {
		m.SpeedStdDevKPH = stat.StdDev(speeds, nil)
	}
	if len(hdops) > 0 {
		m.AvgHDOP = stat.Mean(hdops, nil)
	}

	m.TotalDistanceMeters = geo.PathLength(trace, 0)
	if len(trace) > 1 {
		m.AvgStepMeters = m.TotalDistanceMeters / float64(len(trace)-1)
	}
}

func (v *Validator) lowAccuracy(s telemetry.PositionSample) bool {
	if s.HDOP != nil && v.cfg.WarnHDOP > 0 && *s.HDOP > v.cfg.WarnHDOP {
		return true
	}
	return s.Satellites != nil && *s.Satellites < v.cfg.WarnSatellites
}
