package entity

import (
	"fmt"
	"time"

	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/nws"
)

// Sensor exposes one field of one forecast period.
type Sensor struct {
	desc     SensorDescription
	units    string
	period   int
	perIndex bool
	uniqueID string
	name     string
	entityID string
}

// NewSensor creates the current-period sensor for desc.
func NewSensor(entryUniqueID, clientName, units string, desc SensorDescription) *Sensor {
	name := fmt.Sprintf("%s %s", clientName, desc.Name)
	return &Sensor{
		desc:     desc,
		units:    units,
		uniqueID: fmt.Sprintf("%s-sensor-%s", entryUniqueID, desc.Key),
		name:     name,
		entityID: "sensor." + Slugify(name),
	}
}

// NewPeriodSensor creates the sensor for desc reading forecast period n.
func NewPeriodSensor(entryUniqueID, clientName, units string, desc SensorDescription, n int) *Sensor {
	name := fmt.Sprintf("%s %s %dh", clientName, desc.Name, n)
	return &Sensor{
		desc:     desc,
		units:    units,
		period:   n,
		perIndex: true,
		uniqueID: fmt.Sprintf("%s-sensor-%s-hourly-%d", entryUniqueID, desc.Key, n),
		name:     name,
		entityID: "sensor." + Slugify(name),
	}
}

// BuildSensors creates every sensor an entry's configuration asks for: one
// current-period sensor per monitored condition plus one per selected period
// for conditions that support twice-daily forecasts.
func BuildSensors(entryUniqueID string, opts entry.Options) []*Sensor {
	conditions := opts.MonitoredConditions
	if len(conditions) == 0 {
		conditions = SensorKeys()
	}

	var sensors []*Sensor
	for _, condition := range conditions {
		desc, ok := SensorTypes[condition]
		if !ok {
			continue
		}

		sensors = append(sensors, NewSensor(entryUniqueID, opts.Name, opts.Units, desc))

		if !supportsMode(desc, opts.Mode) {
			continue
		}
		for _, n := range opts.TwiceDaily {
			sensors = append(sensors, NewPeriodSensor(entryUniqueID, opts.Name, opts.Units, desc, n))
		}
	}
	return sensors
}

func supportsMode(desc SensorDescription, mode string) bool {
	for _, m := range desc.ForecastModes {
		if m == mode {
			return true
		}
	}
	return false
}

func (s *Sensor) EntityID() string { return s.entityID }
func (s *Sensor) UniqueID() string { return s.uniqueID }
func (s *Sensor) Name() string     { return s.name }

// Description returns the sensor's description.
func (s *Sensor) Description() SensorDescription { return s.desc }

// Unit returns the unit of measurement, "" for unitless sensors.
func (s *Sensor) Unit() string {
	return UnitFor(s.desc.Kind, s.units)
}

// Render reads the sensor's period from forecast.
func (s *Sensor) Render(forecast *nws.Forecast, now time.Time) State {
	attrs := baseAttributes(s.name)
	if unit := s.Unit(); unit != "" {
		attrs["unit_of_measurement"] = unit
	}
	if s.desc.DeviceClass != "" {
		attrs["device_class"] = s.desc.DeviceClass
	}
	if s.desc.StateClass != "" {
		attrs["state_class"] = s.desc.StateClass
	}
	if s.desc.Icon != "" {
		attrs["icon"] = s.desc.Icon
	}

	if forecast == nil {
		return State{EntityID: s.entityID, State: StateUnavailable, Attributes: attrs}
	}

	period, ok := forecast.Period(s.period)
	if !ok {
		return State{EntityID: s.entityID, State: StateUnknown, Attributes: attrs}
	}

	if s.perIndex {
		attrs["period_name"] = period.Name
	}

	return State{
		EntityID:   s.entityID,
		State:      formatState(s.Value(period)),
		Attributes: attrs,
	}
}

// Value returns the native value of the sensor for period p, converted to
// the display unit and rounded to the display precision. Missing values are
// nil.
func (s *Sensor) Value(p nws.Period) interface{} {
	switch s.desc.Field {
	case "shortForecast":
		return p.ShortForecast
	case "detailedForecast":
		return p.DetailedForecast
	case "icon":
		return p.Icon
	case "windSpeed":
		return p.WindSpeed
	case "windDirection":
		return p.WindDirection
	case "name":
		return p.Name
	case "number":
		return p.Number
	case "startTime":
		return p.StartTime
	case "probabilityOfPrecipitation":
		return s.round(p.ProbabilityOfPrecipitation.Value)
	case "relativeHumidity":
		return s.round(p.RelativeHumidity.Value)
	case "temperature":
		return s.temperature(p.Temperature, p.TemperatureUnit)
	case "dewpoint":
		return s.temperature(p.Dewpoint.Value, p.Dewpoint.UnitCode)
	default:
		return nil
	}
}

func (s *Sensor) temperature(value *float64, sourceUnit string) interface{} {
	if value == nil {
		return nil
	}
	converted := ConvertTemperature(*value, sourceUnit, s.units)
	return s.round(&converted)
}

func (s *Sensor) round(value *float64) interface{} {
	if value == nil {
		return nil
	}
	if s.desc.Precision < 0 {
		return *value
	}
	return Round(*value, s.desc.Precision)
}
