// Package units provides shared constants and conversions for speed units.
// The pipeline stores and compares every speed in km/h.
package units

import (
	"fmt"
	"strings"
)

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

const (
	kphPerMPS = 3.6
	kphPerMPH = 1.609344
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// Normalize maps the spellings used by external providers ("KPH", "km/h",
// "MPH", "m/s", ...) onto the package constants. Unknown spellings return "".
func Normalize(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "kph", "kmph", "km/h", "kmh", "kilometers_per_hour":
		return KPH
	case "mph", "mi/h", "miles_per_hour":
		return MPH
	case "mps", "m/s", "meters_per_second":
		return MPS
	default:
		return ""
	}
}

// ToKPH converts a speed reported in unit to km/h. An empty unit is treated
// as km/h, which is what providers default to.
func ToKPH(value float64, unit string) (float64, error) {
	if strings.TrimSpace(unit) == "" {
		return value, nil
	}
	switch Normalize(unit) {
	case KPH, KMPH:
		return value, nil
	case MPH:
		return value * kphPerMPH, nil
	case MPS:
		return value * kphPerMPS, nil
	default:
		return 0, fmt.Errorf("unsupported speed unit %q", unit)
	}
}

// ConvertSpeed converts a speed from km/h to the target units.
// Unknown units return the km/h value unchanged.
func ConvertSpeed(speedKPH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedKPH / kphPerMPS
	case MPH:
		return speedKPH / kphPerMPH
	case KMPH, KPH:
		return speedKPH
	default:
		return speedKPH
	}
}

// MPSToKPH converts metres per second to km/h.
func MPSToKPH(mps float64) float64 {
	return mps * kphPerMPS
}
