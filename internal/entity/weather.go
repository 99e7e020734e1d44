package entity

import (
	"time"

	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/nws"
)

// FeatureForecastTwiceDaily is WeatherEntityFeature.FORECAST_TWICE_DAILY.
const FeatureForecastTwiceDaily = 4

// DaylightFunc reports whether it is daytime at t.
type DaylightFunc func(t time.Time) bool

// Weather is the weather entity of an entry.
type Weather struct {
	units    string
	uniqueID string
	name     string
	entityID string
	daylight DaylightFunc
}

// NewWeather creates the weather entity. daylight may be nil, in which case
// day or night comes from the current period's icon.
func NewWeather(entryUniqueID string, opts entry.Options, daylight DaylightFunc) *Weather {
	return &Weather{
		units:    opts.Units,
		uniqueID: entryUniqueID,
		name:     opts.Name,
		entityID: "weather." + Slugify(opts.Name),
		daylight: daylight,
	}
}

func (w *Weather) EntityID() string { return w.entityID }
func (w *Weather) UniqueID() string { return w.uniqueID }
func (w *Weather) Name() string     { return w.name }

// Render builds the weather state from the current period and the
// twice-daily forecast.
func (w *Weather) Render(forecast *nws.Forecast, now time.Time) State {
	attrs := baseAttributes(w.name)
	attrs["supported_features"] = FeatureForecastTwiceDaily
	attrs["temperature_unit"] = TemperatureUnit(w.units)
	attrs["wind_speed_unit"] = SpeedUnit(w.units)

	if forecast == nil {
		return State{EntityID: w.entityID, State: StateUnavailable, Attributes: attrs}
	}

	current, ok := forecast.Current()
	if !ok {
		return State{EntityID: w.entityID, State: StateUnknown, Attributes: attrs}
	}

	if v := w.temperature(current.Temperature, current.TemperatureUnit); v != nil {
		attrs["temperature"] = v
	}
	if current.RelativeHumidity.Value != nil {
		attrs["humidity"] = Round(*current.RelativeHumidity.Value, 0)
	}
	if v := w.temperature(current.Dewpoint.Value, current.Dewpoint.UnitCode); v != nil {
		attrs["dew_point"] = v
	}
	if speed, ok := ParseWindSpeed(current.WindSpeed, w.units); ok {
		attrs["wind_speed"] = Round(speed, 2)
	}
	if bearing, ok := CompassDegrees(current.WindDirection); ok {
		attrs["wind_bearing"] = bearing
	}
	attrs["forecast"] = w.Forecast(forecast)

	condition := ConditionFromIcon(current.Icon, w.isDaytime(current, now))
	if condition == "" {
		condition = StateUnknown
	}

	return State{EntityID: w.entityID, State: condition, Attributes: attrs}
}

func (w *Weather) isDaytime(current nws.Period, now time.Time) bool {
	if w.daylight != nil {
		return w.daylight(now)
	}
	if daytime, ok := IconDaytime(current.Icon); ok {
		return daytime
	}
	return current.IsDaytime
}

// Forecast maps every twice-daily period to a Home Assistant forecast item.
func (w *Weather) Forecast(forecast *nws.Forecast) []map[string]interface{} {
	periods := forecast.TwiceDaily()
	items := make([]map[string]interface{}, 0, len(periods))

	for _, p := range periods {
		item := map[string]interface{}{
			"datetime":             p.StartTime.UTC().Format(time.RFC3339),
			"is_daytime":           p.IsDaytime,
			"condition":            ConditionFromIcon(p.Icon, p.IsDaytime),
			"detailed_description": p.DetailedForecast,
		}
		if v := w.temperature(p.Temperature, p.TemperatureUnit); v != nil {
			item["temperature"] = v
		}
		if v := w.temperature(p.Dewpoint.Value, p.Dewpoint.UnitCode); v != nil {
			item["dew_point"] = v
		}
		if p.RelativeHumidity.Value != nil {
			item["humidity"] = Round(*p.RelativeHumidity.Value, 0)
		}
		if p.ProbabilityOfPrecipitation.Value != nil {
			item["precipitation_probability"] = Round(*p.ProbabilityOfPrecipitation.Value, 0)
		}
		if speed, ok := ParseWindSpeed(p.WindSpeed, w.units); ok {
			item["wind_speed"] = Round(speed, 2)
		}
		if bearing, ok := CompassDegrees(p.WindDirection); ok {
			item["wind_bearing"] = bearing
		}
		items = append(items, item)
	}
	return items
}

func (w *Weather) temperature(value *float64, sourceUnit string) interface{} {
	if value == nil {
		return nil
	}
	return Round(ConvertTemperature(*value, sourceUnit, w.units), 2)
}
