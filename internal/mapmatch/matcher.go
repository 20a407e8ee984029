// Package mapmatch snaps a validated trace onto the road network through an
// OSRM-compatible match service, degrading to a local great-circle estimate
// when the service cannot answer.
package mapmatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/route.report/internal/geo"
	"github.com/banshee-data/route.report/internal/httputil"
	"github.com/banshee-data/route.report/internal/monitoring"
	"github.com/banshee-data/route.report/internal/retry"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/validation"
)

// Config controls preprocessing and the match service call.
type Config struct {
	// BaseURL of the match service, e.g. http://localhost:5000. Empty
	// disables the service and always uses the local estimate.
	BaseURL            string
	Profile            string
	SearchRadiusMeters float64
	MaxPoints          int
	MaxGap             time.Duration

	JitterMinMeters   float64
	JitterMaxSpeedKPH float64
	JitterWindow      time.Duration

	ImplausibleJumpMeters float64

	Timeout time.Duration
	Retry   retry.Policy
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Profile:               "driving",
		SearchRadiusMeters:    25,
		MaxPoints:             100,
		MaxGap:                300 * time.Second,
		JitterMinMeters:       5,
		JitterMaxSpeedKPH:     3,
		JitterWindow:          60 * time.Second,
		ImplausibleJumpMeters: 2000,
		Timeout:               10 * time.Second,
		Retry:                 retry.DefaultPolicy(),
	}
}

// Matcher turns traces into matched routes.
type Matcher struct {
	cfg    Config
	client httputil.HTTPClient
}

// New returns a Matcher using client for service calls.
func New(cfg Config, client httputil.HTTPClient) *Matcher {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &Matcher{cfg: cfg, client: client}
}

// Match returns the road-corrected route for trace. The only error is
// validation.ErrInsufficientPoints; every service failure degrades to
// Fallback.
func (m *Matcher) Match(ctx context.Context, trace telemetry.Trace) (telemetry.MatchedRoute, error) {
	if len(trace) < validation.MinValidPoints {
		return telemetry.MatchedRoute{}, fmt.Errorf("map matching %d points: %w", len(trace), validation.ErrInsufficientPoints)
	}
	if m.cfg.BaseURL == "" {
		return m.Fallback(trace), nil
	}

	segments := SplitSegments(FilterJitter(trace, m.cfg), m.cfg.MaxGap)
	if len(segments) == 0 {
		return m.fallback(ctx, trace, errors.New("no matchable segments")), nil
	}

	results := make([]segmentResult, 0, len(segments))
	for _, seg := range segments {
		pts := Downsample(seg, m.cfg.MaxPoints)
		res, err := retry.Do(ctx, m.cfg.Retry, func(ctx context.Context) (segmentResult, error) {
			callCtx, cancel := context.WithTimeout(ctx, m.timeout())
			defer cancel()
			return m.matchSegment(callCtx, pts)
		})
		if err != nil {
			return m.fallback(ctx, trace, err), nil
		}
		results = append(results, res)
	}
	return combine(results), nil
}

// Fallback estimates the route locally: the haversine sum of the trace
// ignoring GPS jumps, zero confidence and no geometry.
func (m *Matcher) Fallback(trace telemetry.Trace) telemetry.MatchedRoute {
	return telemetry.MatchedRoute{
		DistanceMeters:  geo.PathLength(trace, m.cfg.ImplausibleJumpMeters),
		DurationSeconds: trace.Duration().Seconds(),
		Confidence:      0,
		Fallback:        true,
	}
}

func (m *Matcher) fallback(ctx context.Context, trace telemetry.Trace, cause error) telemetry.MatchedRoute {
	monitoring.Logger().WithFields(logrus.Fields{
		"points": len(trace),
		"error":  cause,
	}).Warn("map matching failed, using local distance")
	monitoring.AddCounter(ctx, monitoring.Metrics().MatcherFallbacks, 1,
		attribute.String("reason", fallbackReason(cause)))
	return m.Fallback(trace)
}

func (m *Matcher) timeout() time.Duration {
	if m.cfg.Timeout <= 0 {
		return 10 * time.Second
	}
	return m.cfg.Timeout
}

type segmentResult struct {
	distance   float64
	duration   float64
	confidence float64
	geometry   orb.LineString
}

type matchResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Matchings []struct {
		Distance   float64           `json:"distance"`
		Duration   float64           `json:"duration"`
		Confidence float64           `json:"confidence"`
		Geometry   *geojson.Geometry `json:"geometry"`
	} `json:"matchings"`
}

// errEmptyMatch marks a service answer that carried no usable matching.
var errEmptyMatch = errors.New("match service returned no matchings")

func (m *Matcher) matchSegment(ctx context.Context, pts telemetry.Trace) (segmentResult, error) {
	var resp matchResponse
	if err := httputil.GetJSON(ctx, m.client, m.requestURL(pts), &resp); err != nil {
		return segmentResult{}, err
	}
	if resp.Code != "Ok" {
		return segmentResult{}, fmt.Errorf("match service code %q: %s", resp.Code, resp.Message)
	}
	if len(resp.Matchings) == 0 {
		return segmentResult{}, errEmptyMatch
	}

	var res segmentResult
	confidences := make([]float64, 0, len(resp.Matchings))
	for _, mt := range resp.Matchings {
		res.distance += mt.Distance
		res.duration += mt.Duration
		confidences = append(confidences, mt.Confidence)
		if mt.Geometry == nil {
			continue
		}
		if ls, ok := mt.Geometry.Geometry().(orb.LineString); ok {
			res.geometry = append(res.geometry, ls...)
		}
	}
	res.confidence = stat.Mean(confidences, nil)
	return res, nil
}

func (m *Matcher) requestURL(pts telemetry.Trace) string {
	coords := make([]string, len(pts))
	stamps := make([]string, len(pts))
	radii := make([]string, len(pts))
	radius := strconv.FormatFloat(m.cfg.SearchRadiusMeters, 'f', -1, 64)
	for i, p := range pts {
		coords[i] = strconv.FormatFloat(p.Longitude, 'f', 6, 64) + "," + strconv.FormatFloat(p.Latitude, 'f', 6, 64)
		stamps[i] = strconv.FormatInt(p.Timestamp.Unix(), 10)
		radii[i] = radius
	}

	q := url.Values{}
	q.Set("timestamps", strings.Join(stamps, ";"))
	q.Set("radiuses", strings.Join(radii, ";"))
	q.Set("geometries", "geojson")
	q.Set("overview", "full")

	profile := m.cfg.Profile
	if profile == "" {
		profile = "driving"
	}
	return fmt.Sprintf("%s/match/v1/%s/%s?%s",
		strings.TrimRight(m.cfg.BaseURL, "/"), profile, strings.Join(coords, ";"), q.Encode())
}

func combine(results []segmentResult) telemetry.MatchedRoute {
	route := telemetry.MatchedRoute{Segments: len(results)}
	confidences := make([]float64, len(results))
	for i, r := range results {
		route.DistanceMeters += r.distance
		route.DurationSeconds += r.duration
		route.Geometry = append(route.Geometry, r.geometry...)
		confidences[i] = r.confidence
	}
	route.Confidence = clamp01(stat.Mean(confidences, nil))
	return route
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func fallbackReason(err error) string {
	var statusErr *httputil.StatusError
	switch {
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, errEmptyMatch):
		return "empty"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
