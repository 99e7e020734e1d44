package entity

import (
	"sort"
)

// SensorDescription describes one kind of forecast sensor.
type SensorDescription struct {
	// Key is the condition name used in monitored_conditions.
	Key string
	// Field is the NWS period field the value is read from.
	Field       string
	Name        string
	DeviceClass string
	StateClass  string
	Icon        string
	Kind        UnitKind
	// Precision is the suggested display precision; -1 leaves values as is.
	Precision     int
	ForecastModes []string
}

var twiceDaily = []string{"twicedaily"}

// SensorTypes holds every sensor description keyed by condition.
var SensorTypes = map[string]SensorDescription{
	"shortForecast": {
		Key: "shortForecast", Field: "shortForecast", Name: "Short Forecast",
		Precision: -1, ForecastModes: twiceDaily,
	},
	"detailedForecast": {
		Key: "detailedForecast", Field: "detailedForecast", Name: "Detailed Forecast",
		Precision: -1, ForecastModes: twiceDaily,
	},
	"icon": {
		Key: "icon", Field: "icon", Name: "Icon",
		Precision: -1, ForecastModes: twiceDaily,
	},
	"precip_probability": {
		Key: "precip_probability", Field: "probabilityOfPrecipitation", Name: "Precip Probability",
		Icon: "mdi:water-percent", Kind: UnitKindPercent,
		Precision: 0, ForecastModes: twiceDaily,
	},
	"temperature": {
		Key: "temperature", Field: "temperature", Name: "Temperature",
		DeviceClass: "temperature", StateClass: "measurement", Kind: UnitKindTemperature,
		Precision: 2, ForecastModes: twiceDaily,
	},
	"dewpoint": {
		Key: "dewpoint", Field: "dewpoint", Name: "Dew Point",
		DeviceClass: "temperature", StateClass: "measurement", Kind: UnitKindTemperature,
		Precision: 2, ForecastModes: twiceDaily,
	},
	"windSpeed": {
		Key: "windSpeed", Field: "windSpeed", Name: "Wind Speed",
		Icon: "mdi:weather-windy", Precision: -1, ForecastModes: twiceDaily,
	},
	"windDirection": {
		Key: "windDirection", Field: "windDirection", Name: "Wind Direction",
		Icon: "mdi:compass", Precision: -1, ForecastModes: twiceDaily,
	},
	"relativeHumidity": {
		Key: "relativeHumidity", Field: "relativeHumidity", Name: "Relative Humidity",
		DeviceClass: "humidity", StateClass: "measurement", Kind: UnitKindPercent,
		Precision: 0, ForecastModes: twiceDaily,
	},
	"time": {
		Key: "time", Field: "startTime", Name: "Time",
		DeviceClass: "timestamp", Icon: "mdi:clock-time-three-outline",
		Precision: -1, ForecastModes: twiceDaily,
	},
	"number": {
		Key: "number", Field: "number", Name: "Period Number",
		Precision: -1, ForecastModes: twiceDaily,
	},
	"name": {
		Key: "name", Field: "name", Name: "Period Name",
		Precision: -1, ForecastModes: twiceDaily,
	},
}

// SensorKeys returns every condition key in sorted order.
func SensorKeys() []string {
	keys := make([]string, 0, len(SensorTypes))
	for k := range SensorTypes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnknownConditions returns the entries of conditions that name no sensor.
func UnknownConditions(conditions []string) []string {
	var unknown []string
	for _, c := range conditions {
		if _, ok := SensorTypes[c]; !ok {
			unknown = append(unknown, c)
		}
	}
	return unknown
}
