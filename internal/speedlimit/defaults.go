package speedlimit

import "github.com/banshee-data/route.report/internal/telemetry"

// DefaultLimits is the last-resort limit per vehicle class and road type.
type DefaultLimits map[telemetry.VehicleClass]map[telemetry.RoadType]float64

// SpanishDefaultLimits returns the generic limits of the Reglamento General
// de Circulación per vehicle class.
func SpanishDefaultLimits() DefaultLimits {
	row := func(urban, interurban, highway float64) map[telemetry.RoadType]float64 {
		return map[telemetry.RoadType]float64{
			telemetry.RoadUrban:      urban,
			telemetry.RoadInterurban: interurban,
			telemetry.RoadHighway:    highway,
		}
	}
	return DefaultLimits{
		telemetry.VehicleCar:        row(50, 90, 120),
		telemetry.VehicleVan:        row(50, 90, 100),
		telemetry.VehicleTruck:      row(50, 80, 90),
		telemetry.VehicleBus:        row(50, 80, 100),
		telemetry.VehicleMotorcycle: row(50, 90, 120),
		telemetry.VehicleEmergency:  row(50, 90, 120),
	}
}

// Limit returns the limit for class on roadType, falling back to the car
// row and then to 50 km/h.
func (d DefaultLimits) Limit(class telemetry.VehicleClass, roadType telemetry.RoadType) float64 {
	if row, ok := d[class]; ok {
		if v, ok := row[roadType]; ok {
			return v
		}
	}
	if row, ok := d[telemetry.VehicleCar]; ok {
		if v, ok := row[roadType]; ok {
			return v
		}
	}
	return 50
}
