package entity

import (
	"regexp"
	"strconv"
	"strings"
)

var windSpeedPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

const kmPerMile = 1.609344

// ParseWindSpeed reads NWS wind text ("5 mph", "10 to 15 mph", "20 km/h")
// and returns the upper speed in the unit system's speed unit.
func ParseWindSpeed(text, system string) (float64, bool) {
	matches := windSpeedPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return 0, false
	}

	var speed float64
	for _, m := range matches {
		v, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		if v > speed {
			speed = v
		}
	}

	sourceKMH := strings.Contains(strings.ToLower(text), "km/h")
	switch {
	case SpeedUnit(system) == UnitKMH && !sourceKMH:
		speed *= kmPerMile
	case SpeedUnit(system) == UnitMPH && sourceKMH:
		speed /= kmPerMile
	}
	return speed, true
}

var compassPoints = []string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// CompassDegrees converts a 16-point compass direction to degrees.
func CompassDegrees(direction string) (float64, bool) {
	direction = strings.ToUpper(strings.TrimSpace(direction))
	for i, point := range compassPoints {
		if point == direction {
			return float64(i) * 22.5, true
		}
	}
	return 0, false
}
