package entity

import (
	"math"
	"strings"
)

const (
	UnitCelsius    = "°C"
	UnitFahrenheit = "°F"
	UnitPercent    = "%"
	UnitMPH        = "mph"
	UnitKMH        = "km/h"
)

// UnitKind selects how a sensor picks its unit of measurement.
type UnitKind int

const (
	UnitKindNone UnitKind = iota
	UnitKindPercent
	UnitKindTemperature
)

// TemperatureUnit returns the display unit for a unit system. Only "us"
// uses Fahrenheit.
func TemperatureUnit(system string) string {
	if system == "us" {
		return UnitFahrenheit
	}
	return UnitCelsius
}

// SpeedUnit returns the wind speed display unit for a unit system.
func SpeedUnit(system string) string {
	if system == "us" {
		return UnitMPH
	}
	return UnitKMH
}

// UnitFor returns the unit of measurement for kind under system.
func UnitFor(kind UnitKind, system string) string {
	switch kind {
	case UnitKindPercent:
		return UnitPercent
	case UnitKindTemperature:
		return TemperatureUnit(system)
	default:
		return ""
	}
}

// normalizeTemperatureUnit maps NWS unit spellings ("F", "wmoUnit:degC") to
// a display unit. Unknown units return "".
func normalizeTemperatureUnit(source string) string {
	s := strings.ToLower(strings.TrimPrefix(source, "wmoUnit:"))
	switch s {
	case "f", "degf", "°f":
		return UnitFahrenheit
	case "c", "degc", "°c":
		return UnitCelsius
	default:
		return ""
	}
}

// ConvertTemperature converts value from the NWS source unit to the display
// unit of system. Values with an unknown source unit pass through.
func ConvertTemperature(value float64, sourceUnit, system string) float64 {
	from := normalizeTemperatureUnit(sourceUnit)
	to := TemperatureUnit(system)

	switch {
	case from == "" || from == to:
		return value
	case to == UnitFahrenheit:
		return value*9/5 + 32
	default:
		return (value - 32) * 5 / 9
	}
}

// Round rounds value to precision decimals. Precision 0 yields an int.
func Round(value float64, precision int) interface{} {
	if precision <= 0 {
		return int(math.Round(value))
	}
	scale := math.Pow(10, float64(precision))
	return math.Round(value*scale) / scale
}
