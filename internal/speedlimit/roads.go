package speedlimit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/route.report/internal/httputil"
	"github.com/banshee-data/route.report/internal/retry"
	"github.com/banshee-data/route.report/internal/telemetry"
	"github.com/banshee-data/route.report/internal/units"
)

// Provider answers speed limits from an external service.
type Provider interface {
	Name() string
	// Lookup resolves one coordinate.
	Lookup(ctx context.Context, c telemetry.Coordinate) (telemetry.SpeedLimitRecord, error)
	// LookupBatch resolves many coordinates in one round trip. The result is
	// index-aligned with coords; nil entries were not answered.
	LookupBatch(ctx context.Context, coords []telemetry.Coordinate) ([]*telemetry.SpeedLimitRecord, error)
	// MaxBatch is the largest coords slice LookupBatch accepts.
	MaxBatch() int
}

// ErrNoRoad is returned when a coordinate could not be snapped to a road or
// the road has no published limit.
var ErrNoRoad = errors.New("no road limit at coordinate")

// RoadsConfig configures a Roads-style snap and limits API.
type RoadsConfig struct {
	Name      string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	MaxPoints int
	Retry     retry.Policy
}

// RoadsClient implements Provider against an API exposing
// /v1/snapToRoads and /v1/speedLimits.
type RoadsClient struct {
	cfg    RoadsConfig
	client httputil.HTTPClient
}

// NewRoadsClient returns a client. Rate limiting belongs to client.
func NewRoadsClient(cfg RoadsConfig, client httputil.HTTPClient) *RoadsClient {
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &RoadsClient{cfg: cfg, client: client}
}

// Name identifies the provider in records and logs.
func (c *RoadsClient) Name() string { return c.cfg.Name }

// MaxBatch is the snap endpoint's point ceiling.
func (c *RoadsClient) MaxBatch() int { return c.cfg.MaxPoints }

type snapResponse struct {
	SnappedPoints []struct {
		Location struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
		OriginalIndex *int   `json:"originalIndex"`
		PlaceID       string `json:"placeId"`
	} `json:"snappedPoints"`
}

type limitsResponse struct {
	SpeedLimits []struct {
		PlaceID    string  `json:"placeId"`
		SpeedLimit float64 `json:"speedLimit"`
		Units      string  `json:"units"`
	} `json:"speedLimits"`
}

// snapped is one road-corrected input point.
type snapped struct {
	coord   telemetry.Coordinate
	placeID string
}

// Lookup snaps c and returns its road's limit.
func (c *RoadsClient) Lookup(ctx context.Context, coord telemetry.Coordinate) (telemetry.SpeedLimitRecord, error) {
	recs, err := c.LookupBatch(ctx, []telemetry.Coordinate{coord})
	if err != nil {
		return telemetry.SpeedLimitRecord{}, err
	}
	if recs[0] == nil {
		return telemetry.SpeedLimitRecord{}, ErrNoRoad
	}
	return *recs[0], nil
}

// LookupBatch does one snap call and one limits call for coords.
func (c *RoadsClient) LookupBatch(ctx context.Context, coords []telemetry.Coordinate) ([]*telemetry.SpeedLimitRecord, error) {
	if len(coords) > c.cfg.MaxPoints {
		return nil, fmt.Errorf("%s: batch of %d exceeds %d points", c.cfg.Name, len(coords), c.cfg.MaxPoints)
	}
	out := make([]*telemetry.SpeedLimitRecord, len(coords))
	if len(coords) == 0 {
		return out, nil
	}

	snaps, err := c.snap(ctx, coords)
	if err != nil {
		return nil, err
	}

	var placeIDs []string
	seen := make(map[string]bool)
	for _, s := range snaps {
		if s != nil && s.placeID != "" && !seen[s.placeID] {
			seen[s.placeID] = true
			placeIDs = append(placeIDs, s.placeID)
		}
	}
	if len(placeIDs) == 0 {
		return out, nil
	}

	limits, err := c.limits(ctx, placeIDs)
	if err != nil {
		return nil, err
	}

	for i, s := range snaps {
		if s == nil {
			continue
		}
		kph, ok := limits[s.placeID]
		if !ok {
			continue
		}
		snappedCoord := s.coord
		out[i] = &telemetry.SpeedLimitRecord{
			Coordinate:    coords[i],
			Snapped:       &snappedCoord,
			PlaceID:       s.placeID,
			SpeedLimitKPH: kph,
			RoadType:      telemetry.ClassifyLimit(kph),
			Source:        telemetry.SourceProvider,
			Provider:      c.cfg.Name,
			Confidence:    telemetry.ConfidenceHigh,
		}
	}
	return out, nil
}

func (c *RoadsClient) snap(ctx context.Context, coords []telemetry.Coordinate) ([]*snapped, error) {
	path := make([]string, len(coords))
	for i, p := range coords {
		path[i] = strconv.FormatFloat(p.Latitude, 'f', 6, 64) + "," + strconv.FormatFloat(p.Longitude, 'f', 6, 64)
	}
	q := url.Values{}
	q.Set("path", strings.Join(path, "|"))
	q.Set("interpolate", "false")
	q.Set("key", c.cfg.APIKey)

	var resp snapResponse
	if err := c.get(ctx, "/v1/snapToRoads", q, &resp); err != nil {
		return nil, fmt.Errorf("%s snap: %w", c.cfg.Name, err)
	}

	out := make([]*snapped, len(coords))
	for _, sp := range resp.SnappedPoints {
		if sp.OriginalIndex == nil || *sp.OriginalIndex < 0 || *sp.OriginalIndex >= len(coords) {
			continue
		}
		out[*sp.OriginalIndex] = &snapped{
			coord:   telemetry.Coordinate{Latitude: sp.Location.Latitude, Longitude: sp.Location.Longitude},
			placeID: sp.PlaceID,
		}
	}
	return out, nil
}

func (c *RoadsClient) limits(ctx context.Context, placeIDs []string) (map[string]float64, error) {
	q := url.Values{}
	for _, id := range placeIDs {
		q.Add("placeId", id)
	}
	q.Set("units", "KPH")
	q.Set("key", c.cfg.APIKey)

	var resp limitsResponse
	if err := c.get(ctx, "/v1/speedLimits", q, &resp); err != nil {
		return nil, fmt.Errorf("%s limits: %w", c.cfg.Name, err)
	}

	out := make(map[string]float64, len(resp.SpeedLimits))
	for _, l := range resp.SpeedLimits {
		kph, err := units.ToKPH(l.SpeedLimit, l.Units)
		if err != nil || kph <= 0 {
			continue
		}
		out[l.PlaceID] = kph
	}
	return out, nil
}

func (c *RoadsClient) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + q.Encode()
	_, err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return struct{}{}, httputil.GetJSON(callCtx, c.client, u, out)
	})
	return err
}
